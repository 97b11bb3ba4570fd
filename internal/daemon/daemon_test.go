package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/config"
	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/lock"
	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/uds"
)

// testConfig roots everything under a short /tmp dir so the socket path
// stays within the sun_path limit.
func testConfig(t *testing.T) model.Config {
	t.Helper()
	root, err := os.MkdirTemp("/tmp", "hd-daemon-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	cfg := config.Default(root)
	cfg.PollSeconds = 1
	cfg.Generate = model.GenerateConfig{
		RoutesDir:     filepath.Join(root, "routes"),
		ModelsDir:     filepath.Join(root, "models"),
		MigrationsDir: filepath.Join(root, "migrations"),
		PreviewDir:    filepath.Join(root, "preview"),
	}
	cfg.Jobs.JobsDir = filepath.Join(root, "jobs")
	cfg.Jobs.BaseDir = root
	cfg.HTTP.Addr = freeAddr(t)
	cfg.Daemon.ShutdownTimeoutSec = 5
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startDaemon(t *testing.T, cfg model.Config) (*Daemon, *uds.Client, <-chan error) {
	t.Helper()
	d := New(cfg, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	client := uds.NewClient(SocketPath(cfg))
	client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		_, err := client.Ping()
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon never answered ping")
	return d, client, done
}

func stopDaemon(t *testing.T, client *uds.Client, done <-chan error) {
	t.Helper()
	require.NoError(t, client.Shutdown())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	_, client, done := startDaemon(t, cfg)

	res, err := client.Submit(uds.SubmitParams{Doc: map[string]any{
		"type": "scaffold_route", "name": "ping", "method": "GET", "path": "/ping",
	}})
	require.NoError(t, err)
	assert.Equal(t, "scaffold_route", res.Type)

	require.Eventually(t, func() bool {
		report, err := client.Status()
		return err == nil && report.Queue.Done == 1
	}, 10*time.Second, 20*time.Millisecond)

	_, err = os.Stat(filepath.Join(cfg.Generate.PreviewDir, "routes", "ping.go"))
	assert.NoError(t, err, "dry run renders into the preview dir")

	n, err := countEvents(cfg, "task_done")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stopDaemon(t, client, done)

	_, err = os.Stat(SocketPath(cfg))
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
	m, err := metrics.Read(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ProcessedTotal)
	assert.NotNil(t, m.Heartbeat)
}

func TestDaemon_SubmitRawAndRejections(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.MaxConcurrency = 1
	_, client, done := startDaemon(t, cfg)
	defer stopDaemon(t, client, done)

	toggled, err := client.Pause()
	require.NoError(t, err)
	assert.Equal(t, uds.ToggleResult{Paused: true, Changed: true}, toggled)

	res, err := client.Submit(uds.SubmitParams{
		Raw: "type: run_migration\nfile: missing.sql\nextra: 1\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "run_migration", res.Type)
	assert.Len(t, res.Warnings, 1)

	_, err = client.Submit(uds.SubmitParams{Doc: map[string]any{"type": "bogus"}})
	detail, ok := uds.IsRejected(err)
	require.True(t, ok, "got %v", err)
	assert.NotEmpty(t, detail.Details)

	report, err := client.Status()
	require.NoError(t, err)
	assert.True(t, report.Status.Paused)
	assert.Equal(t, 1, report.Queue.Pending, "paused pool claims nothing")

	lint, err := client.Lint("type: job\nname: a\n")
	require.NoError(t, err)
	assert.False(t, lint.OK)
}

func TestDaemon_HTTPSurface(t *testing.T) {
	cfg := testConfig(t)
	_, client, done := startDaemon(t, cfg)
	defer stopDaemon(t, client, done)

	base := "http://" + cfg.HTTP.Addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/queue/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(base + "/queue/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status model.QueueStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Status.Paused)
	assert.Equal(t, 1, body.Status.MaxConcurrency)
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	cfg := testConfig(t)
	_, client, done := startDaemon(t, cfg)
	defer stopDaemon(t, client, done)

	other := New(cfg, zap.NewNop())
	err := other.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestDaemon_ContextCancelStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = false
	d := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := uds.NewClient(SocketPath(cfg))
	require.Eventually(t, func() bool {
		_, err := client.Ping()
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err := os.Stat(LockPath(cfg))
	assert.True(t, os.IsNotExist(err), "lock released")

	d.Shutdown() // idempotent
}

func TestDaemon_RecoversStaleClaimsOnStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = false
	require.NoError(t, os.MkdirAll(cfg.QueueDir, 0755))
	stale := "type: scaffold_route\nname: old\nmethod: GET\npath: /old\n_meta:\n  attempts: 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.QueueDir, "scaffold_route_1772366400.working.yaml"), []byte(stale), 0644))

	_, client, done := startDaemon(t, cfg)
	defer stopDaemon(t, client, done)

	require.Eventually(t, func() bool {
		report, err := client.Status()
		return err == nil && report.Queue.Done == 1 && report.Queue.Processing == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func countEvents(cfg model.Config, name string) (int, error) {
	return events.CountSince(cfg.Events.File, name, time.Time{})
}
