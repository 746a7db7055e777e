// Package agentd parses agent command flags and launches the field-node
// runtime.
package agentd

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lcmota/fieldsync/internal/platform/cmd"
	"github.com/lcmota/fieldsync/internal/services/sync/app"
)

// Config holds agent command configuration.
type Config struct {
	AgentID      string `env:"FIELDSYNC_AGENT_ID"`
	HubURL       string `env:"FIELDSYNC_HUB_URL" envDefault:"http://localhost:8080"`
	SharedSecret string `env:"FIELDSYNC_SHARED_SECRET"`
	DBPath       string `env:"FIELDSYNC_AGENT_DB_PATH" envDefault:"data/agent.db"`

	PushInterval       time.Duration `env:"FIELDSYNC_AGENT_PUSH_INTERVAL" envDefault:"15s"`
	PullInterval       time.Duration `env:"FIELDSYNC_AGENT_PULL_INTERVAL" envDefault:"15s"`
	ReplayInterval     time.Duration `env:"FIELDSYNC_AGENT_REPLAY_INTERVAL" envDefault:"5s"`
	MasterDataInterval time.Duration `env:"FIELDSYNC_AGENT_MASTERDATA_INTERVAL" envDefault:"1m"`
	ArchiveInterval    time.Duration `env:"FIELDSYNC_AGENT_ARCHIVE_INTERVAL" envDefault:"1h"`

	LeaseTTL    time.Duration `env:"FIELDSYNC_AGENT_LEASE_TTL" envDefault:"30s"`
	MaxAttempts int           `env:"FIELDSYNC_AGENT_MAX_ATTEMPTS" envDefault:"10"`
	BatchLimit  int           `env:"FIELDSYNC_AGENT_BATCH_LIMIT" envDefault:"200"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.AgentID, "agent-id", cfg.AgentID, "Unique identifier of this field node")
	fs.StringVar(&cfg.HubURL, "hub-url", cfg.HubURL, "Base URL of the hub sync API")
	fs.StringVar(&cfg.SharedSecret, "shared-secret", cfg.SharedSecret, "Secret shared with the hub for bearer tokens")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The agent SQLite database path")
	fs.DurationVar(&cfg.PushInterval, "push-interval", cfg.PushInterval, "Outbound event push interval")
	fs.DurationVar(&cfg.PullInterval, "pull-interval", cfg.PullInterval, "Inbound event pull interval")
	fs.DurationVar(&cfg.ReplayInterval, "replay-interval", cfg.ReplayInterval, "Local event replay interval")
	fs.DurationVar(&cfg.MasterDataInterval, "masterdata-interval", cfg.MasterDataInterval, "Master-data sync interval")
	fs.DurationVar(&cfg.ArchiveInterval, "archive-interval", cfg.ArchiveInterval, "Confirmed event archive interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Replay lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum replay attempts before dead-letter")
	fs.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "Maximum events per sync batch")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the agent runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAgent, func(ctx context.Context) error {
		return app.RunAgent(ctx, app.AgentConfig{
			AgentID:            cfg.AgentID,
			HubURL:             cfg.HubURL,
			SharedSecret:       cfg.SharedSecret,
			DBPath:             cfg.DBPath,
			PushInterval:       cfg.PushInterval,
			PullInterval:       cfg.PullInterval,
			ReplayInterval:     cfg.ReplayInterval,
			MasterDataInterval: cfg.MasterDataInterval,
			ArchiveInterval:    cfg.ArchiveInterval,
			LeaseTTL:           cfg.LeaseTTL,
			MaxAttempts:        cfg.MaxAttempts,
			BatchLimit:         cfg.BatchLimit,
		})
	})
}
