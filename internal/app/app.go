// Package app aggregates configuration and shared dependencies for the CLI
// commands.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pulsemarket/internal/config"
	"pulsemarket/internal/ingest"
	"pulsemarket/internal/oracle"
	"pulsemarket/internal/pipeline"
	"pulsemarket/internal/postsource"
	"pulsemarket/internal/rules"
	"pulsemarket/internal/scheduler"
	"pulsemarket/internal/scoring"
	"pulsemarket/internal/storage"
)

// App holds the application handle shared by CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newPostSource() *postsource.Client {
	return postsource.NewClient(postsource.Options{
		BaseURL:        a.Config.PostSource.BaseURL,
		BearerToken:    a.Config.PostSource.Token,
		Timeout:        a.Config.PostSource.RequestTimeout,
		RequestsPerSec: a.Config.PostSource.RequestsPerSec,
		UserAgent:      a.Config.PostSource.UserAgent,
	}, a.Logger)
}

func (a *App) newOracle() *oracle.Client {
	return oracle.NewClient(oracle.Options{
		Endpoint:  a.Config.Oracle.Endpoint,
		APIKey:    a.Config.Oracle.APIKey,
		ModelName: a.Config.Oracle.ModelName,
		Timeout:   a.Config.Oracle.RequestTimeout,
		UserAgent: a.Config.PostSource.UserAgent,
	}, a.Logger)
}

func (a *App) newOrchestrator(store *storage.Store, source postsource.Source, scorer oracle.Scorer) *pipeline.Orchestrator {
	ingestDispatcher := ingest.New(source, store, ingest.Options{
		MaxResults: a.Config.Pipeline.IngestBatch,
		Language:   a.Config.PostSource.Language,
	}, a.Logger)

	scoringDispatcher := scoring.New(scorer, store, a.Logger)

	return pipeline.New(store, ingestDispatcher, scoringDispatcher, pipeline.Options{
		MinRefreshInterval: a.Config.Pipeline.MinRefreshInterval,
		ScoreBatch:         a.Config.Pipeline.ScoreBatch,
		InterMarketDelay:   a.Config.Pipeline.InterMarketDelay,
		RateLimitCooldown:  a.Config.Pipeline.RateLimitCooldown,
	}, a.Logger)
}

// Run executes the long-running refresh service.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.RequireIngest(); err != nil {
		return err
	}
	if err := a.Config.RequireScoring(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		go a.serveMetrics(ctx, addr)
	}

	source := a.newPostSource()
	orchestrator := a.newOrchestrator(store, source, a.newOracle())
	synchronizer := rules.New(source, store, store, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	syncEvery := a.Config.Scheduler.RuleSyncEvery
	if syncEvery <= 0 {
		syncEvery = 1
	}
	tickCount := 0

	a.Logger.Info().Msg("starting refresh service")
	err = sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		unlock, proceed, lockErr := a.acquireLock(ctx, store)
		if lockErr != nil {
			return lockErr
		}
		if !proceed {
			a.Logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}

		if tickCount%syncEvery == 0 {
			if _, syncErr := synchronizer.Sync(ctx); syncErr != nil {
				a.Logger.Error().Err(syncErr).Msg("rule sync failed")
			}
		}
		tickCount++

		_, refreshErr := orchestrator.RefreshAll(ctx)
		return refreshErr
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

// Refresh runs a single refresh tick for one market and prints the result.
func (a *App) Refresh(ctx context.Context, marketID string) error {
	if err := a.Config.RequireIngest(); err != nil {
		return err
	}
	if err := a.Config.RequireScoring(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orchestrator := a.newOrchestrator(store, a.newPostSource(), a.newOracle())

	result, refreshErr := orchestrator.Refresh(ctx, marketID)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	return refreshErr
}

// SyncRules runs one rule reconciliation pass.
func (a *App) SyncRules(ctx context.Context) error {
	if err := a.Config.RequireIngest(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	source := a.newPostSource()
	result, err := rules.New(source, store, store, a.Logger).Sync(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "deleted: %d\nadded: %d\nfailed: %d\n", result.Deleted, result.Added, result.Failed)
	return nil
}

func (a *App) acquireLock(ctx context.Context, locker storage.AdvisoryLocker) (func(), bool, error) {
	key := a.Config.Scheduler.AdvisoryLockKey
	if key == 0 || locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (a *App) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.Logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error().Err(err).Msg("metrics listener failed")
	}
}

// ExportOptions hold parameters for exporting probability history.
type ExportOptions struct {
	MarketID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	MarketID string
	Limit    int
}
