package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/heimdall/internal/config"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")

	path, err := Run(projectDir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if path != filepath.Join(projectDir, ConfigFile) {
		t.Errorf("config path: got %q", path)
	}

	expectedDirs := []string{
		"heimdall/queue",
		"heimdall/state",
		"generated/jobs",
		"generated/routes",
		"generated/models",
		"generated/preview",
		"migrations/generated",
	}
	for _, d := range expectedDirs {
		info, err := os.Stat(filepath.Join(projectDir, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_WritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()

	path, err := Run(projectDir, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# heimdall configuration")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "heimdall", cfg.RootDir)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestRun_Options(t *testing.T) {
	projectDir := t.TempDir()

	path, err := Run(projectDir, Options{RootDir: "var/hd", Live: true})
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "var/hd", cfg.RootDir)
	assert.Equal(t, filepath.Join("var/hd", "queue"), cfg.QueueDir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// The header comment survives the edit.
	assert.Contains(t, string(data), "# heimdall configuration")

	_, err = os.Stat(filepath.Join(projectDir, "var/hd/queue"))
	assert.NoError(t, err)
}

func TestRun_ExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	path := filepath.Join(projectDir, ConfigFile)
	if err := os.WriteFile(path, []byte("poll_seconds: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Run(projectDir, Options{})
	if err == nil {
		t.Fatal("expected error for existing config")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "poll_seconds: 9\n" {
		t.Errorf("existing config was modified: %q", data)
	}

	if _, err := Run(projectDir, Options{Force: true}); err != nil {
		t.Fatalf("Run with force: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollSeconds != 2 {
		t.Errorf("poll_seconds: got %d, want 2", cfg.PollSeconds)
	}
	// The replaced file is kept as a backup.
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}
