// Package app wires FlowLite's reference implementations together into a
// runnable demo, mirroring the teacher's internal/app.New() -> a.Start()
// -> a.Run(addr) shape.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/marcingurbisz/flowlite-sub000/engine"
	"github.com/marcingurbisz/flowlite-sub000/httpapi"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/observer"
	"github.com/marcingurbisz/flowlite-sub000/schedpoll"
	"github.com/marcingurbisz/flowlite-sub000/schedredis"
	"github.com/marcingurbisz/flowlite-sub000/store"
	"github.com/marcingurbisz/flowlite-sub000/storegorm"
)

const demoFlowID = "order_fulfillment"

// App bundles every wired collaborator the demo binary needs and owns
// their lifecycle.
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Engine *engine.Engine
	Router *gin.Engine
	Cfg    Config

	scheduler store.TickScheduler
	cancel    context.CancelFunc
}

// New connects to Postgres, migrates storegorm's and schedpoll's tables,
// wires the engine and its demo flow, and builds the cockpit router. It
// does not yet accept traffic or dispatch ticks — call Start for that.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("flowlite-demo: init logger: %w", err)
	}

	cfg := loadConfig(log)

	db, err := storegorm.Open(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("flowlite-demo: open postgres: %w", err)
	}
	if err := storegorm.AutoMigrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("flowlite-demo: automigrate storegorm: %w", err)
	}

	poller := schedpoll.New(db, log)
	if err := poller.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("flowlite-demo: automigrate schedpoll: %w", err)
	}

	var scheduler store.TickScheduler = poller
	if cfg.RedisEnabled {
		accelerated, err := schedredis.New(poller, log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("flowlite-demo: init redis accelerator: %w", err)
		}
		scheduler = accelerated
	}

	persister := storegorm.NewPersister(db, log)
	events := storegorm.NewEventStore(db, log)
	history := storegorm.NewHistoryStore(db, log)

	eng := engine.New(events, scheduler, history, log)
	demoFlow, err := newOrderFulfillmentFlow()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("flowlite-demo: build demo flow: %w", err)
	}
	if err := eng.RegisterFlow(demoFlowID, demoFlow, persister); err != nil {
		log.Sync()
		return nil, fmt.Errorf("flowlite-demo: register demo flow: %w", err)
	}

	obs := observer.New(eng, history, log)
	router := httpapi.NewRouter(httpapi.NewHandler(obs))

	return &App{
		Log:       log,
		DB:        db,
		Engine:    eng,
		Router:    router,
		Cfg:       cfg,
		scheduler: scheduler,
	}, nil
}

// Start launches the tick scheduler's dispatch loop. Safe to call once.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	return a.scheduler.Start(runCtx)
}

// Run blocks serving the cockpit HTTP API on addr.
func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("flowlite-demo: app not initialized")
	}
	return a.Router.Run(addr)
}

// Close stops the scheduler and flushes logs. Safe to call multiple times.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.scheduler != nil {
		a.scheduler.Stop(nil)
		a.scheduler = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
