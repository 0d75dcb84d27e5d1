package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neuropulse/internal/api"
	"neuropulse/internal/auth"
	"neuropulse/internal/config"
	"neuropulse/internal/conversation"
	"neuropulse/internal/hub"
	"neuropulse/internal/notify"
	"neuropulse/internal/offline"
	"neuropulse/internal/redis"
	"neuropulse/internal/render"
	"neuropulse/internal/service/ai"
	"neuropulse/internal/service/assistant"
	"neuropulse/internal/storage"
)

// localOrigin is the virtual origin used when assets are served from disk.
const localOrigin = "http://localhost"

// App holds every wired component of a running server.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	KV        storage.KV
	Store     *conversation.Store
	Auth      *auth.Service
	Assistant *assistant.Service
	Hub       *hub.Hub
	Offline   *offline.Manager
	Notify    *notify.Handler
	Renderer  *render.Renderer

	closers []func() error
}

// prepareDataDir creates the data directory and places a bare sqlite file name inside it.
func prepareDataDir(cfg *config.Config) error {
	dir := cfg.BasicConfig.DataDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dsn := cfg.Storage.DSN
	if strings.HasPrefix(strings.ToLower(cfg.Storage.Driver), "sqlite") &&
		dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && filepath.Dir(dsn) == "." {
		cfg.Storage.DSN = filepath.Join(dir, dsn)
	}
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Storage.Driver, "redis") || strings.EqualFold(cfg.Cache.Backend, "redis")
}

// NewApp wires the components described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := prepareDataDir(cfg); err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger}

	var rdb *redis.Client
	if needsRedis(cfg) {
		var err error
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		app.closers = append(app.closers, rdb.Close)
	}

	kv, closeKV, err := storage.New(cfg, rdb)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.KV = kv
	app.closers = append(app.closers, closeKV)

	app.Store = conversation.NewStore(kv, logger)
	if err := app.Store.Restore(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("restore conversations: %w", err)
	}

	cipher, err := auth.CipherFromEnv()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Auth = auth.NewService(kv, cipher, cfg.Provider.APIKey, logger)

	timeout := time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
	client := ai.NewClient(ai.Config{
		Endpoint:     cfg.Provider.Endpoint,
		Timeout:      timeout,
		IdleTimeout:  timeout,
		Catalog:      ai.CatalogFromConfig(cfg),
		DefaultModel: cfg.Provider.DefaultModel,
		Temperature:  cfg.Provider.Temperature,
		MaxTokens:    cfg.Provider.MaxTokens,
		SystemPrompt: cfg.Provider.SystemPrompt,
		Logger:       logger,
	})
	app.Assistant = assistant.NewService(assistant.Config{
		KV:                      kv,
		Credentials:             app.Auth,
		Client:                  client,
		Store:                   app.Store,
		AutocompleteModel:       cfg.Provider.AutocompleteModel,
		AutocompleteTemperature: cfg.Provider.AutocompleteTemperature,
		Logger:                  logger,
	})

	app.Hub = hub.New(logger, nil)
	app.Offline, err = newOfflineManager(cfg, rdb, app.Hub, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Hub.OnMessage(app.Offline.HandleMessage)

	app.Notify = notify.NewHandler(notify.Defaults{
		Title: cfg.Push.DefaultTitle,
		Body:  cfg.Push.DefaultBody,
		URL:   cfg.Push.DefaultURL,
		Tag:   cfg.Push.DefaultTag,
		Icon:  cfg.Push.Icon,
		Badge: cfg.Push.Badge,
	}, app.Hub, app.Hub, logger)

	if cfg.RenderHTML {
		app.Renderer = render.New("")
	}
	return app, nil
}

// newOfflineManager fronts either a remote origin or the local asset directory.
func newOfflineManager(cfg *config.Config, rdb *redis.Client, clients offline.ClientSource, logger *slog.Logger) (*offline.Manager, error) {
	var (
		origin  *url.URL
		fetcher offline.Fetcher
		err     error
	)
	remote := &http.Client{Timeout: 30 * time.Second}
	if cfg.Cache.Origin != "" {
		origin, err = url.Parse(cfg.Cache.Origin)
		if err != nil {
			return nil, fmt.Errorf("parse cache.origin: %w", err)
		}
		fetcher = remote
	} else {
		origin, _ = url.Parse(localOrigin)
		fetcher = offline.HandlerFetcher{
			Handler: http.FileServer(http.Dir(cfg.Cache.AssetDir)),
			Origin:  origin,
			Remote:  remote,
		}
	}

	var st offline.Storage = offline.NewMemoryStorage()
	if strings.EqualFold(cfg.Cache.Backend, "redis") {
		st = offline.NewRedisStorage(rdb, "")
	}

	return offline.NewManager(offline.Config{
		Version:            cfg.Cache.Version,
		Assets:             cfg.Cache.Assets,
		Origin:             origin,
		NetworkFirstPrefix: cfg.Cache.NetworkFirstPrefix,
		OfflinePage:        cfg.Cache.OfflinePage,
		SkipWaiting:        cfg.Cache.SkipWaiting,
	}, st, fetcher, clients, logger)
}

// StartCache installs and activates the configured asset version. A failed
// install is logged and the server keeps answering by pass-through.
func (a *App) StartCache(ctx context.Context) {
	if err := a.Offline.Install(ctx); err != nil {
		a.Logger.Warn("offline cache install failed, serving pass-through", "version", a.Offline.Version(), "error", err)
		return
	}
	if a.Offline.State() != offline.StateActive {
		if _, err := a.Offline.Activate(ctx); err != nil {
			a.Logger.Warn("offline cache activation failed", "error", err)
		}
	}
}

// Handler builds the HTTP route handler.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Assistant: a.Assistant,
		Auth:      a.Auth,
		Notify:    a.Notify,
		Offline:   a.Offline,
		Hub:       a.Hub,
		Renderer:  a.Renderer,
		Logger:    a.Logger,
	})
}

// Close releases storage handles in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore opens only the conversation store, for offline commands.
func openStore(ctx context.Context, cfg *config.Config) (*conversation.Store, func() error, error) {
	if err := prepareDataDir(cfg); err != nil {
		return nil, nil, err
	}
	var rdb *redis.Client
	if strings.EqualFold(cfg.Storage.Driver, "redis") {
		var err error
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			return nil, nil, fmt.Errorf("create redis client: %w", err)
		}
	}
	kv, closeKV, err := storage.New(cfg, rdb)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	closeAll := func() error {
		err := closeKV()
		if rdb != nil {
			if cerr := rdb.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}
	store := conversation.NewStore(kv, logger)
	if err := store.Restore(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("restore conversations: %w", err)
	}
	return store, closeAll, nil
}
