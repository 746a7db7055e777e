// Package app assembles the sync engine into runnable agent and hub
// runtimes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/masterdata"
	"github.com/lcmota/fieldsync/internal/services/sync/replayer"
	"github.com/lcmota/fieldsync/internal/services/sync/replicator"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
	"github.com/lcmota/fieldsync/internal/services/sync/storage/sqlite"
	"github.com/lcmota/fieldsync/internal/services/sync/transport/httpsync"
)

// AgentConfig controls agent startup, dependencies, and loop cadence.
type AgentConfig struct {
	AgentID      string
	HubURL       string
	SharedSecret string
	DBPath       string

	PushInterval       time.Duration
	PullInterval       time.Duration
	ReplayInterval     time.Duration
	MasterDataInterval time.Duration
	ArchiveInterval    time.Duration

	LeaseTTL    time.Duration
	MaxAttempts int
	BatchLimit  int

	// ReplayHandlers overrides the default logging handlers.
	ReplayHandlers map[payload.Kind]replayer.Handler
	// MasterDataHandlers overrides the default logging handlers; the
	// snapshot handler rebuilds the catalog.
	MasterDataHandlers map[string]masterdata.ApplyFunc
	SnapshotHandler    masterdata.ApplyFunc
}

const defaultAgentDB = "data/agent.db"

func (cfg AgentConfig) normalized() AgentConfig {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultAgentDB
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 15 * time.Second
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 5 * time.Second
	}
	if cfg.MasterDataInterval <= 0 {
		cfg.MasterDataInterval = time.Minute
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = replayer.DefaultMaxAttempts
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return cfg
}

// RunAgent starts the field-node runtime: the local store plus push, pull,
// replay, master-data, and archive loops. It blocks until ctx ends.
func RunAgent(ctx context.Context, cfg AgentConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(cfg.HubURL) == "" {
		return fmt.Errorf("hub url is required")
	}
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return fmt.Errorf("shared secret is required")
	}
	cfg = cfg.normalized()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create agent storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open agent sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close agent sqlite store: %v", closeErr)
		}
	}()

	_, codec, err := newRegistry()
	if err != nil {
		return err
	}
	dispatcher, err := newDispatcher(cfg.ReplayHandlers)
	if err != nil {
		return fmt.Errorf("wire replay handlers: %w", err)
	}

	client, err := httpsync.NewClient(cfg.HubURL, cfg.AgentID, []byte(cfg.SharedSecret))
	if err != nil {
		return fmt.Errorf("build sync client: %w", err)
	}

	repl := replicator.New(store, client, cfg.AgentID, replicator.RoleAgent,
		replicator.WithBatchLimit(cfg.BatchLimit))
	replay := replayer.New(store, codec, dispatcher, cfg.AgentID,
		replayer.WithLeaseTTL(cfg.LeaseTTL),
		replayer.WithMaxAttempts(cfg.MaxAttempts),
		replayer.WithBatchLimit(cfg.BatchLimit))

	applier := masterdata.NewApplier(store, client, cfg.AgentID, cfg.SnapshotHandler)
	if len(cfg.MasterDataHandlers) > 0 {
		for kind, apply := range cfg.MasterDataHandlers {
			if err := applier.Register(kind, apply); err != nil {
				return fmt.Errorf("wire master-data handler: %w", err)
			}
		}
	} else {
		if cfg.SnapshotHandler == nil {
			applier = masterdata.NewApplier(store, client, cfg.AgentID, logSnapshot)
		}
		if err := defaultMasterDataHandlers(applier); err != nil {
			return fmt.Errorf("wire master-data handlers: %w", err)
		}
	}

	log.Printf("agent %s syncing with %s", cfg.AgentID, cfg.HubURL)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runEvery(ctx, "push events", cfg.PushInterval, func(ctx context.Context) error {
			_, err := repl.PushOnce(ctx)
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "pull events", cfg.PullInterval, func(ctx context.Context) error {
			_, err := repl.PullOnce(ctx)
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "replay events", cfg.ReplayInterval, func(ctx context.Context) error {
			_, err := replay.RunCycle(ctx)
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "sync master data", cfg.MasterDataInterval, func(ctx context.Context) error {
			_, err := applier.SyncOnce(ctx)
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "archive confirmed events", cfg.ArchiveInterval, func(ctx context.Context) error {
			archived, err := store.ArchiveConfirmed(ctx)
			if err != nil {
				return err
			}
			if archived > 0 {
				log.Printf("archived %d fully confirmed events", archived)
			}
			if backlog, err := store.CountUnconfirmed(ctx); err == nil && backlog > 0 {
				log.Printf("%d events still await confirmation", backlog)
			}
			return nil
		})
	})

	if err := group.Wait(); err != nil && !isShutdown(err) {
		return err
	}
	return nil
}

func logSnapshot(_ context.Context, rec storage.MasterDataRecord) error {
	log.Printf("applied master data snapshot %s (record %d)", rec.SnapshotVersion, rec.ID)
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
