// Command flowlite-demo wires FlowLite's reference implementations
// (storegorm, schedpoll/schedredis, engine, observer, httpapi) together
// behind a single order-fulfillment flow, the way the teacher's
// cmd/main.go wires internal/app into a runnable server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/marcingurbisz/flowlite-sub000/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize flowlite-demo: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		fmt.Printf("failed to start tick scheduler: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("flowlite-demo listening on %s\n", a.Cfg.HTTPAddr)
	if err := a.Run(a.Cfg.HTTPAddr); err != nil {
		a.Log.Warn("server failed", "error", err)
	}
}
