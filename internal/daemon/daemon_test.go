package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatmirror/internal/api"
	"github.com/matheus3301/chatmirror/internal/config"
	"github.com/matheus3301/chatmirror/internal/indexstore"
	"github.com/matheus3301/chatmirror/internal/instance"
	"github.com/matheus3301/chatmirror/internal/lock"
	"github.com/matheus3301/chatmirror/internal/puller"
	"github.com/matheus3301/chatmirror/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type idleSource struct{}

type idleSub struct{ ch chan puller.Delivery }

func (s idleSub) Deliveries() <-chan puller.Delivery { return s.ch }
func (idleSub) Err() error                           { return nil }
func (idleSub) Close() error                         { return nil }

func (idleSource) Open(context.Context, string, string) (puller.Subscription, error) {
	return idleSub{ch: make(chan puller.Delivery)}, nil
}

// shortHome points the instance base dir at a short /tmp path to stay under
// the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cm-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(instance.HomeEnv, dir)
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Fsync = "never"
	cfg.Pull.StopTimeout = config.Duration{Duration: time.Second}
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Platform: "slack", Endpoint: "amqp://localhost", Subscription: "slack-events", AutoStart: true},
		{Platform: "teams", Endpoint: "amqp://localhost", Subscription: "teams-events"},
	}
	return cfg
}

func newApp(name string, cfg *config.Config) *fx.App {
	return fx.New(
		Module(Params{InstanceName: name, Config: cfg, Logger: zap.NewNop(), Source: idleSource{}}),
		fx.NopLogger,
	)
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app := newApp("test", testConfig())
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph error = %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = app.Stop(ctx)
		}
	}()

	if pid, _ := lock.Holder(instance.LockDir("test")); pid != os.Getpid() {
		t.Errorf("lock holder = %d, want %d", pid, os.Getpid())
	}

	client, err := api.Dial(instance.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	st, err := client.Call(ctx, "GetStatus", nil)
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if st["instance"] != "test" || st["pulls_running"] != float64(1) {
		t.Errorf("status = %v", st)
	}

	resp, err := client.Call(ctx, "CheckPullStatus", map[string]any{"endpoint": "amqp://localhost", "subscription": "slack-events"})
	if err != nil {
		t.Fatalf("CheckPullStatus error = %v", err)
	}
	if resp["state"] != "RUNNING" {
		t.Errorf("auto-started pull state = %v", resp["state"])
	}

	resp, err = client.Call(ctx, "CheckPullStatus", map[string]any{"endpoint": "amqp://localhost", "subscription": "teams-events"})
	if err != nil {
		t.Fatal(err)
	}
	if resp["state"] != "NOT_STARTED" {
		t.Errorf("manual pull state = %v, want NOT_STARTED", resp["state"])
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	stopped = true

	if _, err := os.Stat(instance.SocketPath("test")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if pid, _ := lock.Holder(instance.LockDir("test")); pid != 0 {
		t.Errorf("lock still held by %d after stop", pid)
	}

	// Shutdown records the pull as STOPPED.
	s, err := indexstore.Open(indexstore.Options{DataDir: instance.IndexDir("test"), Fsync: indexstore.FsyncModeNever})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	rec, ok, err := status.Load(ctx, s, "slack-events")
	if err != nil || !ok {
		t.Fatalf("status.Load = %v, %v", ok, err)
	}
	if rec.State != status.Stopped {
		t.Errorf("persisted state = %s, want STOPPED", rec.State)
	}
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	shortHome(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := newApp("dup", testConfig())
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(ctx) }()

	cfg := testConfig()
	cfg.Metrics.Listen = ""
	second := newApp("dup", cfg)
	var held *lock.HeldError
	if err := second.Err(); !errors.As(err, &held) {
		t.Fatalf("second daemon error = %v, want HeldError", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	shortHome(t)
	cfg := testConfig()
	cfg.Backfill.Cron = "not a cron"
	cfg.Backfill.Conversations = []config.BackfillTarget{{Platform: "slack", ConversationID: "C1"}}

	app := newApp("badcfg", cfg)
	if app.Err() == nil {
		t.Fatal("expected fx error for invalid cron")
	}
}

// TestNewServerUsesParamsSocket verifies NewServer binds the socket override.
func TestNewServerUsesParamsSocket(t *testing.T) {
	home := shortHome(t)
	socketPath := filepath.Join(home, "d.sock")

	srv, err := NewServer(Params{InstanceName: "fxtest", SocketPath: socketPath}, zap.NewNop(), api.NewMirrorService(api.Deps{}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("SocketPath() = %q", srv.SocketPath())
	}
	srv.Stop(context.Background())
}
