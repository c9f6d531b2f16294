package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/config"
	"github.com/unixabg/dosi/internal/eventlog"
	"github.com/unixabg/dosi/internal/observability"
	"github.com/unixabg/dosi/internal/ratelimit"
	"github.com/unixabg/dosi/internal/registry"
	"github.com/unixabg/dosi/internal/scheduler"
	"github.com/unixabg/dosi/internal/server"
	"github.com/unixabg/dosi/internal/sessions"
	"github.com/unixabg/dosi/internal/treestore"
)

func main() {
	cfg := config.FromEnv()
	logger := server.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *logger); err != nil {
		logger.Fatal().Err(err).Msg("dosid exited")
	}
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := treestore.Open(cfg.Backend, cfg.DataRoot, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		return err
	}
	defer events.Close()

	reg, err := registry.New(store, registry.WithJournal(events), registry.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := scheduler.ReconcileJob(reg, logger)(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconcile failed")
	}

	if _, err := auth.LoadCredentials(cfg.CredentialsPath); err != nil {
		logger.Warn().Err(err).Str("path", cfg.CredentialsPath).Msg("operator login unavailable; run `dosictl passwd`")
	}
	hashKey, blockKey, err := auth.LoadOrCreateSecret(cfg.SecretPath)
	if err != nil {
		return err
	}
	sess := sessions.New(cfg.SessionsPath)
	limiter := ratelimit.New(cfg.RatePath)
	metrics := observability.NewMetrics(reg, server.Version, logger)

	sched := scheduler.New(logger)
	window := time.Duration(cfg.RateLoginWindowSec) * time.Second
	jobs := []struct {
		name, spec string
		fn         scheduler.Func
	}{
		{"reconcile", cfg.ReconcileSchedule, scheduler.ReconcileJob(reg, logger)},
		{"ratelimit-flush", "@every 1m", func(context.Context) error {
			limiter.Sweep(window)
			return limiter.Flush()
		}},
		{"session-prune", "@every 10m", func(context.Context) error {
			_, err := sess.Prune()
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	handler := server.NewRouter(cfg, server.Deps{
		Registry: reg,
		Events:   events,
		Auth:     auth.NewAuthenticator(cfg.CredentialsPath),
		Codec:    auth.NewSessionCodec(hashKey, blockKey, cfg.SessionTTL, cfg.SecureCookies),
		Sessions: sess,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   &logger,
	})
	srv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("backend", cfg.Backend).Str("data", cfg.DataRoot).Msgf("dosid listening on http://%s", cfg.Bind)
	events.Record("local", "Server started on "+cfg.Bind+".")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	_ = limiter.Flush()
	logger.Info().Msg("dosid stopped")
	return nil
}
