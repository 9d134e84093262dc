// Package app wires all vocaform subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithHistory, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocaform/internal/config"
	"github.com/MrWong99/vocaform/internal/events"
	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/handoff/sqlsink"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/internal/session"
	"github.com/MrWong99/vocaform/pkg/store"
	"github.com/MrWong99/vocaform/pkg/store/memory"
	"github.com/MrWong99/vocaform/pkg/store/postgres"
	storeredis "github.com/MrWong99/vocaform/pkg/store/redis"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	catalogue  *Catalogue
	store      store.Store
	history    handoff.History
	httpClient *http.Client
	redis      goredis.UniversalClient
	handoff    *handoff.Engine
	sessions   *SessionManager
	hub        *events.Hub
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHistory injects a handoff history instead of creating one from config.
func WithHistory(h handoff.History) Option {
	return func(a *App) { a.history = h }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCatalogue injects a tool catalogue instead of loading
// session.tool_files.
func WithCatalogue(c *Catalogue) Option {
	return func(a *App) { a.catalogue = c }
}

// WithHTTPClient sets the client used for API handoffs.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithRedis injects the client shared by the redis store and history.
func WithRedis(c goredis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// New creates an App by wiring all subsystems together. providers may be
// nil in remote speech mode.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if cfg.Speech.Mode == config.SpeechPCM && (providers.STT == nil || providers.TTS == nil) {
		return nil, errors.New("app: pcm speech mode needs stt and tts providers")
	}

	if a.catalogue == nil {
		c, err := LoadCatalogue(cfg.Session.ToolFiles)
		if err != nil {
			return nil, fmt.Errorf("app: load tools: %w", err)
		}
		a.catalogue = c
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initHandoff()

	a.sessions = NewSessionManager(session.Config{
		Store:       a.store,
		Handoff:     a.handoff,
		MaxAttempts: cfg.Session.MaxAttempts,
		FieldPause:  cfg.Session.FieldPause,
		Metrics:     a.metrics,
	}, cfg.Session.MaxSessions)

	a.hub = events.NewHub(
		events.WithSnapshot(func() any { return a.sessions.List() }),
		events.WithAcceptOptions(a.acceptOptions()),
	)

	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"tools", len(a.catalogue.List()),
		"store", cfg.Store.Backend,
		"history", cfg.Handoff.History,
		"speech", cfg.Speech.Mode,
	)
	return a, nil
}

// initStore connects the session store and the handoff history.
func (a *App) initStore(ctx context.Context) error {
	needRedis := (a.store == nil && a.cfg.Store.Backend == config.StoreRedis) ||
		(a.history == nil && a.cfg.Handoff.History == config.HistoryRedis)
	if needRedis && a.redis == nil {
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	if a.store == nil {
		switch a.cfg.Store.Backend {
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error { s.Close(); return nil })
		case config.StoreRedis:
			opts := []storeredis.Option{storeredis.WithTTL(a.cfg.Store.TTL)}
			if a.cfg.Redis.KeyPrefix != "" {
				opts = append(opts, storeredis.WithPrefix(a.cfg.Redis.KeyPrefix))
			}
			a.store = storeredis.New(a.redis, opts...)
		default:
			a.store = memory.New()
		}
	}

	if a.history == nil {
		switch a.cfg.Handoff.History {
		case config.HistoryRedis:
			a.history = handoff.NewRedisHistory(a.redis, a.cfg.Redis.KeyPrefix)
		default:
			a.history = handoff.NewMemoryHistory()
		}
	}
	return nil
}

// initHandoff builds the handoff engine with its HTTP and database sinks.
func (a *App) initHandoff() {
	dbSink := handoff.NewDatabaseSink()
	a.closers = append(a.closers, sqlsink.Register(dbSink))

	opts := []handoff.Option{
		handoff.WithHistory(a.history),
		handoff.WithAPISink(handoff.NewAPISink(a.httpClient).WithTimeout(a.cfg.Handoff.Timeout)),
		handoff.WithDatabaseSink(dbSink),
		handoff.WithMetrics(a.metrics),
	}
	if a.cfg.Handoff.RateLimit > 0 {
		opts = append(opts, handoff.WithRateLimit(a.cfg.Handoff.RateLimit, a.cfg.Handoff.Burst))
	}
	a.handoff = handoff.New(opts...)
}

// acceptOptions allows WebSocket upgrades from the configured origins.
func (a *App) acceptOptions() *websocket.AcceptOptions {
	if len(a.cfg.Server.AllowedOrigins) == 0 {
		return nil
	}
	return &websocket.AcceptOptions{OriginPatterns: a.cfg.Server.AllowedOrigins}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Run serves HTTP and forwards session events to /events subscribers until
// ctx is cancelled. It returns ctx.Err() on a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx, a.sessions.Events())
	})

	g.Go(func() error {
		slog.Info("server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return ctx.Err()
	}
	return err
}

// Shutdown cancels running sessions and closes every subsystem. Only the
// first call has any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.List()), "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
			if ctx.Err() != nil {
				shutdownErr = ctx.Err()
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
