// Package offline keeps versioned copies of the app shell so pages load
// without a network, and tells open pages when a new version takes over.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"neuropulse/internal/hub"
	"neuropulse/internal/models"
)

// State is the lifecycle position of the manager.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrInstallFailed wraps any failure to fetch or store the asset manifest.
var ErrInstallFailed = errors.New("install failed")

// Config is the cache version record plus fetch policy settings.
type Config struct {
	Version            string
	Assets             []string
	Origin             *url.URL
	NetworkFirstPrefix string
	OfflinePage        string
	SkipWaiting        bool
}

// Fetcher performs network requests; *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientSource enumerates open pages.
type ClientSource interface {
	MatchAll() []hub.Client
}

// Manager installs, activates and serves from the current cache region.
type Manager struct {
	storage Storage
	fetcher Fetcher
	clients ClientSource
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cfg   Config
	state State
}

// NewManager creates an idle manager for cfg.
func NewManager(cfg Config, storage Storage, fetcher Fetcher, clients ClientSource, logger *slog.Logger) (*Manager, error) {
	if cfg.Version == "" {
		return nil, errors.New("cache version required")
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, errors.New("cache origin required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: storage,
		fetcher: fetcher,
		clients: clients,
		logger:  logger,
		now:     time.Now,
		cfg:     cfg,
		state:   StateIdle,
	}, nil
}

// Version returns the version currently installed or being installed.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Version
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.Assets = append([]string(nil), m.cfg.Assets...)
	return cfg
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Install fetches every manifest asset into the region named by the version.
// Nothing is stored unless every asset fetch succeeds.
func (m *Manager) Install(ctx context.Context) error {
	cfg := m.Config()
	m.setState(StateInstalling)
	if err := m.installRegion(ctx, cfg); err != nil {
		m.setState(StateRedundant)
		return err
	}
	m.setState(StateInstalled)
	m.logger.Info("cache installed", "version", cfg.Version, "assets", len(cfg.Assets))
	if cfg.SkipWaiting {
		_, err := m.Activate(ctx)
		return err
	}
	return nil
}

func (m *Manager) installRegion(ctx context.Context, cfg Config) error {
	entries := make([]*Entry, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		target, err := cfg.Origin.Parse(asset)
		if err != nil {
			return fmt.Errorf("%w: asset %q: %v", ErrInstallFailed, asset, err)
		}
		entry, err := m.fetchEntry(ctx, target.String())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
		entries = append(entries, entry)
	}
	for _, e := range entries {
		if err := m.storage.Put(ctx, cfg.Version, e); err != nil {
			_ = m.storage.DeleteRegion(ctx, cfg.Version)
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, e.URL, err)
		}
	}
	return nil
}

func (m *Manager) fetchEntry(ctx context.Context, target string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return &Entry{
		URL:      cacheKey(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	}, nil
}

// Activate removes every region other than the current version and tells
// each open page an update is available. It returns the number of pages told.
func (m *Manager) Activate(ctx context.Context) (int, error) {
	version := m.Version()
	m.setState(StateActivating)

	regions, err := m.storage.Regions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list regions: %w", err)
	}
	for _, name := range regions {
		if name == version {
			continue
		}
		if err := m.storage.DeleteRegion(ctx, name); err != nil {
			return 0, fmt.Errorf("delete region %s: %w", name, err)
		}
		m.logger.Info("deleted stale cache region", "region", name)
	}
	m.setState(StateActive)

	notified := 0
	if m.clients != nil {
		msg := models.ClientMessage{Type: models.MessageUpdateAvailable, Version: version}
		for _, c := range m.clients.MatchAll() {
			if err := c.PostMessage(msg); err != nil {
				m.logger.Debug("update notice not delivered", "client", c.ID(), "error", err)
				continue
			}
			notified++
		}
	}
	m.logger.Info("cache activated", "version", version, "clients", notified)
	return notified, nil
}

// Upgrade installs cfg as a new version and activates it. The previous
// version keeps serving if the install fails. Same-version upgrades are no-ops.
func (m *Manager) Upgrade(ctx context.Context, cfg Config) (bool, error) {
	current := m.Config()
	if cfg.Version == "" || cfg.Version == current.Version {
		return false, nil
	}
	if cfg.Origin == nil {
		cfg.Origin = current.Origin
	}
	if err := m.installRegion(ctx, cfg); err != nil {
		m.logger.Warn("cache upgrade failed, keeping current version", "from", current.Version, "to", cfg.Version, "error", err)
		return false, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.state = StateInstalled
	m.mu.Unlock()
	if _, err := m.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// HandleMessage answers page messages; CHECK_UPDATE gets UPDATE_STATUS.
func (m *Manager) HandleMessage(c hub.Client, msg models.ClientMessage) {
	switch msg.Type {
	case models.MessageCheckUpdate:
		reply := models.ClientMessage{Type: models.MessageUpdateStatus, Version: m.Version()}
		if err := c.PostMessage(reply); err != nil {
			m.logger.Debug("update status not delivered", "client", c.ID(), "error", err)
		}
	default:
		m.logger.Debug("ignoring client message", "type", msg.Type, "client", c.ID())
	}
}

// cacheKey normalizes a URL for storage lookups.
func cacheKey(u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	if cp.Path == "" {
		cp.Path = "/"
	}
	cp.Scheme = strings.ToLower(cp.Scheme)
	cp.Host = strings.ToLower(cp.Host)
	return cp.String()
}
