package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/masterdata"
	"github.com/lcmota/fieldsync/internal/services/sync/replayer"
	"github.com/lcmota/fieldsync/internal/services/sync/storage/sqlite"
	"github.com/lcmota/fieldsync/internal/services/sync/transport/httpsync"
)

// HubConfig controls hub startup, dependencies, and loop cadence.
type HubConfig struct {
	Port         int
	DBPath       string
	SharedSecret string

	ReplayInterval  time.Duration
	ArchiveInterval time.Duration
	PruneInterval   time.Duration
	// SnapshotInterval is ignored unless a Compactor is supplied.
	SnapshotInterval time.Duration
	// AckRetention bounds how long receipt acknowledgments are kept for
	// senders to pull. Must stay far above the agents' pull cadence.
	AckRetention time.Duration

	LeaseTTL    time.Duration
	MaxAttempts int
	BatchLimit  int

	// ReplayHandlers overrides the default logging handlers.
	ReplayHandlers map[payload.Kind]replayer.Handler
	// Compactor builds full master-data snapshots. Without one the hub
	// serves incrementals only.
	Compactor masterdata.Compactor
}

const (
	defaultHubPort = 8080
	defaultHubDB   = "data/hub.db"
	hubNodeID      = "hub"
)

func (cfg HubConfig) normalized() HubConfig {
	if cfg.Port <= 0 {
		cfg.Port = defaultHubPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultHubDB
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 5 * time.Second
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 24 * time.Hour
	}
	if cfg.AckRetention <= 0 {
		cfg.AckRetention = 7 * 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = replayer.DefaultMaxAttempts
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	return cfg
}

// RunHub starts the central runtime: the hub store, the sync HTTP API, and
// the replay, archive, snapshot, and prune loops. It blocks until ctx ends.
func RunHub(ctx context.Context, cfg HubConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return fmt.Errorf("shared secret is required")
	}
	cfg = cfg.normalized()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create hub storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open hub sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close hub sqlite store: %v", closeErr)
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
	replay := replayer.New(store, codec, dispatcher, hubNodeID,
		replayer.WithLeaseTTL(cfg.LeaseTTL),
		replayer.WithMaxAttempts(cfg.MaxAttempts),
		replayer.WithBatchLimit(cfg.BatchLimit))

	manager := masterdata.NewManager(store, cfg.Compactor, masterdata.WithFetchLimit(cfg.BatchLimit))
	syncServer := httpsync.NewServer(store, manager, []byte(cfg.SharedSecret))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           syncServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("hub sync server listening at %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve sync api: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shut down sync api: %v", err)
		}
		return ctx.Err()
	})
	group.Go(func() error {
		return runEvery(ctx, "replay events", cfg.ReplayInterval, func(ctx context.Context) error {
			_, err := replay.RunCycle(ctx)
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "archive confirmed events", cfg.ArchiveInterval, func(ctx context.Context) error {
			archived, err := store.ArchiveConfirmed(ctx)
			if err == nil && archived > 0 {
				log.Printf("archived %d fully confirmed events", archived)
			}
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "prune master data", cfg.PruneInterval, func(ctx context.Context) error {
			pruned, err := manager.Prune(ctx)
			if err == nil && pruned > 0 {
				log.Printf("pruned %d applied master data records", pruned)
			}
			return err
		})
	})
	group.Go(func() error {
		return runEvery(ctx, "prune acks", cfg.PruneInterval, func(ctx context.Context) error {
			deleted, err := store.DeleteAcksBefore(ctx, time.Now().UTC().Add(-cfg.AckRetention))
			if err == nil && deleted > 0 {
				log.Printf("pruned %d delivered acknowledgments", deleted)
			}
			return err
		})
	})
	if cfg.Compactor != nil {
		group.Go(func() error {
			return runEvery(ctx, "compact master data", cfg.SnapshotInterval, func(ctx context.Context) error {
				snapshot, err := manager.WriteSnapshot(ctx)
				if err == nil {
					log.Printf("wrote master data snapshot %s (record %d)", snapshot.SnapshotVersion, snapshot.ID)
				}
				return err
			})
		})
	}

	if err := group.Wait(); err != nil && !isShutdown(err) {
		return err
	}
	return nil
}
