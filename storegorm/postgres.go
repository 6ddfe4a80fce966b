// Package storegorm implements store.Persister, store.EventStore and
// store.HistoryStore over Postgres via GORM, the same stack the teacher
// uses for its own job_run persistence.
package storegorm

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/marcingurbisz/flowlite-sub000/internal/platform/envutil"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
)

// Open connects to Postgres using FLOWLITE_POSTGRES_* environment
// variables, mirroring the teacher's db.NewPostgresService.
func Open(baseLog *logger.Logger) (*gorm.DB, error) {
	host := envutil.GetEnv("FLOWLITE_POSTGRES_HOST", "localhost", baseLog)
	port := envutil.GetEnv("FLOWLITE_POSTGRES_PORT", "5432", baseLog)
	user := envutil.GetEnv("FLOWLITE_POSTGRES_USER", "postgres", baseLog)
	password := envutil.GetEnv("FLOWLITE_POSTGRES_PASSWORD", "", baseLog)
	name := envutil.GetEnv("FLOWLITE_POSTGRES_NAME", "flowlite", baseLog)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("flowlite: connect to postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates/updates the three tables storegorm owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&instanceRow{}, &eventRow{}, &historyRow{})
}
