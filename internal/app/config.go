package app

import (
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/envutil"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
)

// Config holds the process-level settings cmd/flowlite-demo reads once at
// startup, grounded on the teacher's app.LoadConfig.
type Config struct {
	HTTPAddr     string
	RedisEnabled bool
}

func loadConfig(log *logger.Logger) Config {
	return Config{
		HTTPAddr:     envutil.GetEnv("FLOWLITE_HTTP_ADDR", ":8080", log),
		RedisEnabled: envutil.GetEnv("FLOWLITE_REDIS_ADDR", "", log) != "",
	}
}
