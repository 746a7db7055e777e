// Package hubd parses hub command flags and launches the central runtime.
package hubd

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lcmota/fieldsync/internal/platform/cmd"
	"github.com/lcmota/fieldsync/internal/services/sync/app"
)

// Config holds hub command configuration.
type Config struct {
	Port         int    `env:"FIELDSYNC_HUB_PORT" envDefault:"8080"`
	DBPath       string `env:"FIELDSYNC_HUB_DB_PATH" envDefault:"data/hub.db"`
	SharedSecret string `env:"FIELDSYNC_SHARED_SECRET"`

	ReplayInterval   time.Duration `env:"FIELDSYNC_HUB_REPLAY_INTERVAL" envDefault:"5s"`
	ArchiveInterval  time.Duration `env:"FIELDSYNC_HUB_ARCHIVE_INTERVAL" envDefault:"1h"`
	PruneInterval    time.Duration `env:"FIELDSYNC_HUB_PRUNE_INTERVAL" envDefault:"1h"`
	SnapshotInterval time.Duration `env:"FIELDSYNC_HUB_SNAPSHOT_INTERVAL" envDefault:"24h"`

	LeaseTTL    time.Duration `env:"FIELDSYNC_HUB_LEASE_TTL" envDefault:"30s"`
	MaxAttempts int           `env:"FIELDSYNC_HUB_MAX_ATTEMPTS" envDefault:"10"`
	BatchLimit  int           `env:"FIELDSYNC_HUB_BATCH_LIMIT" envDefault:"500"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The hub sync API port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The hub SQLite database path")
	fs.StringVar(&cfg.SharedSecret, "shared-secret", cfg.SharedSecret, "Secret shared with agents for bearer tokens")
	fs.DurationVar(&cfg.ReplayInterval, "replay-interval", cfg.ReplayInterval, "Central event replay interval")
	fs.DurationVar(&cfg.ArchiveInterval, "archive-interval", cfg.ArchiveInterval, "Confirmed event archive interval")
	fs.DurationVar(&cfg.PruneInterval, "prune-interval", cfg.PruneInterval, "Master-data prune interval")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Master-data snapshot interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Replay lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum replay attempts before dead-letter")
	fs.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "Maximum records per sync batch")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the hub runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceHub, func(ctx context.Context) error {
		return app.RunHub(ctx, app.HubConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			SharedSecret:     cfg.SharedSecret,
			ReplayInterval:   cfg.ReplayInterval,
			ArchiveInterval:  cfg.ArchiveInterval,
			PruneInterval:    cfg.PruneInterval,
			SnapshotInterval: cfg.SnapshotInterval,
			LeaseTTL:         cfg.LeaseTTL,
			MaxAttempts:      cfg.MaxAttempts,
			BatchLimit:       cfg.BatchLimit,
		})
	})
}
