package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"balance-guard/internal/alerting"
	"balance-guard/internal/api"
	"balance-guard/internal/config"
	"balance-guard/internal/fetcher"
	"balance-guard/internal/guard"
	"balance-guard/internal/metrics"
	"balance-guard/internal/policy"
	"balance-guard/internal/protection"
	"balance-guard/internal/provider"
	"balance-guard/internal/scheduler"
	"balance-guard/internal/service"
	"balance-guard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired protection stack for one command invocation.
type runtime struct {
	store      *storage.Store
	guard      *guard.Guard
	protection *protection.Middleware
	dispatcher *alerting.Dispatcher
	registry   *prometheus.Registry
}

// close waits for background work and drains queued notifications before
// releasing the database pool.
func (r *runtime) close(ctx context.Context) {
	r.guard.Wait()
	_ = r.dispatcher.Close(ctx)
	if r.store != nil {
		r.store.Close()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
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

func (a *App) newProviders(pol *policy.Policy) []provider.Provider {
	fincraClient := fetcher.NewFincra(fetcher.FincraOptions{
		BaseURL:    a.Config.Fincra.BaseURL,
		APIKey:     a.Config.Fincra.APIKey,
		BusinessID: a.Config.Fincra.BusinessID,
		Timeout:    a.Config.Fincra.RequestTimeout,
	}, a.Logger)

	krakenClient := fetcher.NewKraken(fetcher.KrakenOptions{
		BaseURL:        a.Config.Kraken.BaseURL,
		APIKey:         a.Config.Kraken.APIKey,
		APISecret:      a.Config.Kraken.APISecret,
		Timeout:        a.Config.Kraken.RequestTimeout,
		RequestsPerSec: a.Config.Kraken.RequestsPerSec,
	}, a.Logger)
	rates := fetcher.NewRateCache(krakenClient, a.Config.Kraken.RateCacheTTL, a.Logger)

	cacheOpts := provider.Options{
		CacheTTL:     a.Config.Guard.CacheTTL,
		FetchTimeout: a.Config.Guard.FetchTimeout,
	}
	return []provider.Provider{
		provider.NewFincra(fincraClient, pol, cacheOpts, a.Logger),
		provider.NewKraken(krakenClient, rates, pol, provider.KrakenOptions{
			Options:         cacheOpts,
			MonitoredAssets: a.Config.Kraken.MonitoredAssets,
		}, a.Logger),
	}
}

// newNotifiers builds the alert channels. A channel that fails to initialise
// is logged and left out; balance checks never depend on alert delivery.
func (a *App) newNotifiers() (alerting.EmailSender, []alerting.Notifier) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil, nil
	}

	var email alerting.EmailSender
	if cfg.Email.Enabled {
		sender, err := alerting.NewSMTPSender(alerting.EmailOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("email alerts disabled")
		} else {
			email = sender
		}
	}

	var notifiers []alerting.Notifier
	if cfg.Telegram.Enabled {
		tg, err := alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:    cfg.Telegram.BotToken,
			ChatIDs:     cfg.Telegram.AdminChatIDs,
			APIEndpoint: cfg.Telegram.APIEndpoint,
		}, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("telegram notifications disabled")
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	return email, notifiers
}

// build wires the protection stack. The database is optional: without it
// overrides are disabled, alert cooldowns live in memory and audit rows are
// only logged.
func (a *App) build(ctx context.Context) (*runtime, error) {
	pol, err := policy.New(a.Config.Guard)
	if err != nil {
		return nil, err
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil && a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}

	var (
		overrides storage.OverrideStore
		states    storage.AlertStateStore = storage.NewMemoryAlertStates()
		logs      storage.ProtectionLogStore
	)
	if store != nil {
		overrides, states, logs = store, store, store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; overrides disabled, audit rows logged only")
	}

	email, notifiers := a.newNotifiers()
	dispatcher := alerting.NewDispatcher(notifiers, alerting.DispatcherOptions{
		QueueSize: a.Config.Alerting.QueueSize,
	}, a.Logger)
	notifier := alerting.NewBalanceNotifier(states, pol, email, dispatcher, alerting.BalanceNotifierOptions{
		EmailTo: a.Config.Alerting.Email.To,
	}, a.Logger)

	g := guard.New(a.newProviders(pol), overrides, notifier, pol, guard.Options{}, a.Logger)

	return &runtime{
		store:      store,
		guard:      g,
		protection: protection.New(g, logs, a.Logger),
		dispatcher: dispatcher,
		registry:   metrics.Init(a.Logger),
	}, nil
}

// Run executes the long-running monitoring service and admin API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rt.close(closeCtx)
	}()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Cron:         a.Config.Scheduler.Cron,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	var locker storage.AdvisoryLocker
	if rt.store != nil {
		locker = rt.store
	}
	svc := service.New(sched, rt.guard, locker, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Msg("starting monitoring service")
		return svc.Run(gctx)
	})

	if a.Config.API.Enabled {
		server := api.New(api.Options{
			Listen:         a.Config.API.Listen,
			AllowedOrigins: a.Config.API.AllowedOrigins,
			ReadTimeout:    a.Config.API.ReadTimeout,
			WriteTimeout:   a.Config.API.WriteTimeout,
			Registry:       rt.registry,
		}, rt.guard, rt.protection, a.Logger)

		group.Go(server.Start)
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// ExportOptions hold parameters for exporting the protection audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
