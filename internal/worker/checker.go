// Package worker runs the background jobs that keep the offline cache on the
// newest asset manifest.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"neuropulse/internal/offline"
)

// Upgrader is satisfied by *offline.Manager.
type Upgrader interface {
	Config() offline.Config
	Upgrade(ctx context.Context, cfg offline.Config) (bool, error)
}

// Checker reloads the asset manifest and upgrades the cache when its version moved.
type Checker struct {
	path   string
	target Upgrader
	logger *slog.Logger

	mu sync.Mutex
}

func NewChecker(manifestPath string, target Upgrader, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{path: manifestPath, target: target, logger: logger}
}

// Path is the watched manifest file.
func (c *Checker) Path() string {
	return c.path
}

// Check runs one manifest comparison. Concurrent calls are serialized.
func (c *Checker) Check(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := offline.LoadManifest(c.path)
	if err != nil {
		return false, fmt.Errorf("check manifest: %w", err)
	}
	current := c.target.Config()
	if m.Version == current.Version {
		c.logger.Debug("manifest unchanged", "version", m.Version)
		return false, nil
	}
	c.logger.Info("manifest version changed", "from", current.Version, "to", m.Version)
	return c.target.Upgrade(ctx, m.Apply(current))
}
