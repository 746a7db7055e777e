package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestAgentConfigNormalizedDefaults(t *testing.T) {
	cfg := AgentConfig{}.normalized()

	if cfg.DBPath != defaultAgentDB {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.PushInterval <= 0 || cfg.PullInterval <= 0 || cfg.ReplayInterval <= 0 {
		t.Fatalf("expected positive loop intervals, got %+v", cfg)
	}
	if cfg.MaxAttempts <= 0 || cfg.BatchLimit <= 0 || cfg.LeaseTTL <= 0 {
		t.Fatalf("expected positive retry settings, got %+v", cfg)
	}
}

func TestAgentConfigNormalizedKeepsExplicitValues(t *testing.T) {
	cfg := AgentConfig{
		DBPath:       "custom.db",
		PushInterval: time.Second,
		MaxAttempts:  3,
	}.normalized()

	if cfg.DBPath != "custom.db" {
		t.Fatalf("expected explicit db path kept, got %q", cfg.DBPath)
	}
	if cfg.PushInterval != time.Second {
		t.Fatalf("expected explicit push interval kept, got %v", cfg.PushInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected explicit max attempts kept, got %d", cfg.MaxAttempts)
	}
}

func TestHubConfigNormalizedDefaults(t *testing.T) {
	cfg := HubConfig{}.normalized()

	if cfg.Port != defaultHubPort {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if cfg.DBPath != defaultHubDB {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.ReplayInterval <= 0 || cfg.PruneInterval <= 0 || cfg.SnapshotInterval <= 0 {
		t.Fatalf("expected positive loop intervals, got %+v", cfg)
	}
	if cfg.AckRetention <= 0 {
		t.Fatalf("expected positive ack retention, got %v", cfg.AckRetention)
	}
}

func TestRunAgentValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  AgentConfig
	}{
		{"missing agent id", AgentConfig{HubURL: "http://hub", SharedSecret: "s"}},
		{"missing hub url", AgentConfig{AgentID: "agent-1", SharedSecret: "s"}},
		{"missing secret", AgentConfig{AgentID: "agent-1", HubURL: "http://hub"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := RunAgent(context.Background(), tc.cfg); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestRunHubValidatesConfig(t *testing.T) {
	if err := RunHub(context.Background(), HubConfig{}); err == nil {
		t.Fatal("expected configuration error without a shared secret")
	}
}

func TestRunAgentStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := AgentConfig{
		AgentID:      "agent-1",
		HubURL:       "http://127.0.0.1:1",
		SharedSecret: "test-secret",
		DBPath:       filepath.Join(t.TempDir(), "agent.db"),
		// Long intervals so no loop fires before shutdown.
		PushInterval:       time.Hour,
		PullInterval:       time.Hour,
		ReplayInterval:     time.Hour,
		MasterDataInterval: time.Hour,
		ArchiveInterval:    time.Hour,
	}
	if err := RunAgent(ctx, cfg); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestRunHubStopsOnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		t.Fatalf("release port: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cfg := HubConfig{
		Port:             port,
		DBPath:           filepath.Join(t.TempDir(), "hub.db"),
		SharedSecret:     "test-secret",
		ReplayInterval:   time.Hour,
		ArchiveInterval:  time.Hour,
		PruneInterval:    time.Hour,
		SnapshotInterval: time.Hour,
	}
	if err := RunHub(ctx, cfg); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestRunEveryKeepsGoingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := runEvery(ctx, "test loop", time.Millisecond, func(context.Context) error {
		calls++
		if calls >= 3 {
			cancel()
			return nil
		}
		return fmt.Errorf("transient failure %d", calls)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected the loop to survive failures, got %d calls", calls)
	}
}
