// Package app wires the chatcache runtime: config, logging, the cache store,
// the chat server collaborators, HTTP health/metrics routes and the
// background loops that keep the cache in sync.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"chatcache/cmd/internal/store"
	"chatcache/cmd/internal/syncer"
	"chatcache/cmd/internal/transport"
)

// App owns the cache store, the orchestrator and its network collaborators.
type App struct {
	cfg Config
	log Logger

	st   store.Store
	pool *pgxpool.Pool
	reg  *prometheus.Registry

	client *transport.Client
	prober *transport.Prober
	live   *transport.LiveChannel
	orch   *syncer.Orchestrator

	flushKick chan struct{}
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg)
	}

	client, err := transport.NewClient(cfg.BaseURL, cfg.AccountID,
		transport.WithToken(cfg.Token),
		transport.WithLogger(log),
		transport.WithHTTPClient(&http.Client{Timeout: cfg.NetworkTimeout}),
	)
	if err != nil {
		return nil, err
	}
	prober := transport.NewProber(
		strings.TrimRight(cfg.BaseURL, "/")+cfg.ProbePath,
		transport.WithProbeTTL(cfg.ProbeTTL),
		transport.WithProbeLogger(log),
	)

	a := &App{
		cfg:       cfg,
		log:       log,
		client:    client,
		prober:    prober,
		flushKick: make(chan struct{}, 1),
	}

	if cfg.LiveURL != "" {
		a.live, err = transport.NewLiveChannel(transport.LiveConfig{
			URL:           cfg.LiveURL,
			AccountID:     cfg.AccountID,
			Token:         cfg.Token,
			Conversations: cfg.LiveConversations,
			Log:           log,
			OnConnect: func() {
				prober.Observe(true)
				a.kickFlush()
			},
			OnDisconnect: func(error) { prober.Observe(false) },
		})
		if err != nil {
			return nil, err
		}
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.orch, err = syncer.New(syncer.Config{
		Store:            a.st,
		Fetcher:          client,
		Sender:           client,
		Reachability:     prober,
		Log:              log,
		Metrics:          syncer.NewMetrics(a.reg),
		NewerLimit:       cfg.PageSize,
		FlushConcurrency: cfg.FlushConcurrency,
		NetworkTimeout:   cfg.NetworkTimeout,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// openStore decides between the PostgreSQL cache and the in-memory one.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.st = store.NewInMemoryStore()
		return nil
	}

	pool, st, err := openPostgresStore(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.pool, a.st = pool, st
	return nil
}

// Orchestrator exposes the sync orchestrator to the CLI.
func (a *App) Orchestrator() *syncer.Orchestrator { return a.orch }

// Config returns the resolved configuration.
func (a *App) Config() Config { return a.cfg }

// Key builds the cache key of a conversation of the configured account.
func (a *App) Key(token string) (store.ConversationKey, error) {
	key := store.ConversationKey{AccountID: a.cfg.AccountID, Token: strings.TrimSpace(token)}
	if !key.Valid() {
		return store.ConversationKey{}, store.OpError{Op: "app.Key", Kind: store.ErrInvalidInput}
	}
	return key, nil
}

// Close releases the live channel, the store and the pool behind it.
func (a *App) Close() error {
	var errs []error
	if a.live != nil {
		errs = append(errs, a.live.Close())
	}
	if a.st != nil {
		errs = append(errs, a.st.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

// Handler is the HTTP surface: health, readiness and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(mux, a.log)
}

// Run serves HTTP and runs the live, flush and retention loops until ctx is
// cancelled or the HTTP server fails. Store resources are closed on return.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"account_id", a.cfg.AccountID,
		"db_enabled", a.pool != nil,
		"live_enabled", a.live != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	if a.live != nil {
		g.Go(func() error {
			a.runLive(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.flushLoop(gctx)
		return nil
	})
	if a.cfg.RetentionKeep > 0 {
		g.Go(func() error {
			a.retentionLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) runLive(ctx context.Context) {
	if err := a.orch.RunLive(ctx, a.live); err != nil {
		a.log.Error("live.stopped", "err", err)
	}
}

func (a *App) kickFlush() {
	select {
	case a.flushKick <- struct{}{}:
	default:
	}
}

// flushLoop pushes pending sends on start, on every tick and whenever the
// live channel (re)connects.
func (a *App) flushLoop(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.cfg.FlushInterval, 30*time.Second))
	defer t.Stop()

	a.flush(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-a.flushKick:
		}
		a.flush(ctx)
	}
}

func (a *App) flush(ctx context.Context) {
	if _, err := a.orch.FlushPending(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("outbox.flush.fail", "err", err)
	}
}

func (a *App) retentionLoop(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.cfg.RetentionInterval, 10*time.Minute))
	defer t.Stop()

	for {
		a.enforceRetention(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// enforceRetention caps every cached conversation at RetentionKeep messages.
func (a *App) enforceRetention(ctx context.Context) {
	keys, err := a.st.Conversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("retention.list.fail", "err", err)
		}
		return
	}
	for _, key := range keys {
		if _, err := a.orch.EnforceRetention(ctx, key, a.cfg.RetentionKeep); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("retention.fail", "conversation", key.String(), "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
