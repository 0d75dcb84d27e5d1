package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuropulse/internal/offline"
)

type fakeUpgrader struct {
	mu       sync.Mutex
	cfg      offline.Config
	upgrades []offline.Config
	err      error
}

func (f *fakeUpgrader) Config() offline.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeUpgrader) Upgrade(_ context.Context, cfg offline.Config) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.upgrades = append(f.upgrades, cfg)
	f.cfg = cfg
	return true, nil
}

func (f *fakeUpgrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upgrades)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeManifest(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCheckerUpgradesOnNewVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, path, `{"version":"v1","assets":["/"]}`)
	up := &fakeUpgrader{cfg: offline.Config{Version: "v1", Assets: []string{"/"}, NetworkFirstPrefix: "/api/"}}
	c := NewChecker(path, up, discardLogger())

	changed, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, up.count())

	writeManifest(t, path, `{"version":"v2","assets":["/","/app.js"]}`)
	changed, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	require.Equal(t, 1, up.count())
	assert.Equal(t, "v2", up.upgrades[0].Version)
	assert.Equal(t, []string{"/", "/app.js"}, up.upgrades[0].Assets)
	assert.Equal(t, "/api/", up.upgrades[0].NetworkFirstPrefix)
}

func TestCheckerTOMLManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.toml")
	writeManifest(t, path, "version = \"v9\"\nassets = [\"/\"]\n")
	up := &fakeUpgrader{cfg: offline.Config{Version: "v1"}}
	changed, err := NewChecker(path, up, discardLogger()).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCheckerErrors(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUpgrader{cfg: offline.Config{Version: "v1"}}
	_, err := NewChecker(filepath.Join(dir, "missing.json"), up, discardLogger()).Check(context.Background())
	assert.Error(t, err)

	path := filepath.Join(dir, "manifest.json")
	writeManifest(t, path, `{"version":"v2"}`)
	up.err = errors.New("install failed")
	_, err = NewChecker(path, up, discardLogger()).Check(context.Background())
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, path, `{"version":"v1"}`)
	up := &fakeUpgrader{cfg: offline.Config{Version: "v1"}}

	w, err := NewWatcher(NewChecker(path, up, discardLogger()), 20*time.Millisecond, discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeManifest(t, path, `{"version":"v2"}`)
	require.Eventually(t, func() bool { return up.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "v2", up.Config().Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSchedulerRunsCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, path, `{"version":"v2"}`)
	up := &fakeUpgrader{cfg: offline.Config{Version: "v1"}}

	s, err := NewScheduler("@every 1s", NewChecker(path, up, discardLogger()), discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return up.count() == 1 }, 4*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("not a schedule", NewChecker("x", &fakeUpgrader{}, nil), nil)
	assert.Error(t, err)
}
