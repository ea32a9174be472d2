package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"travel-price-alerts/internal/alerting"
	"travel-price-alerts/internal/config"
	"travel-price-alerts/internal/dispatcher"
	"travel-price-alerts/internal/evaluator"
	"travel-price-alerts/internal/fetcher"
	"travel-price-alerts/internal/metrics"
	"travel-price-alerts/internal/registry"
	"travel-price-alerts/internal/retry"
	"travel-price-alerts/internal/scheduler"
	"travel-price-alerts/internal/service"
	"travel-price-alerts/internal/storage"
	"travel-price-alerts/internal/version"
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

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return store, nil
}

// newSource builds the retrying adapter over every enabled source. The
// returned closer releases the quote cache.
func (a *App) newSource(ctx context.Context) (*fetcher.Adapter, func(), error) {
	cfg := a.Config
	closer := func() {}

	var cache fetcher.QuoteCache
	if cfg.Cache.Redis.Addr != "" && cfg.Cache.TTL > 0 {
		rc := fetcher.NewRedisCache(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		}, cfg.Cache.Redis.Prefix)
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return nil, nil, fmt.Errorf("connect redis quote cache: %w", err)
		}
		cache = rc
		closer = func() { _ = rc.Close() }
	}

	var sources []fetcher.Source
	if cfg.Sources.Static.Enabled {
		static := fetcher.NewStatic(cfg.Sources.Static.Currency, cfg.Sources.Static.Prices)
		rl := cfg.Sources.Static.RateLimit
		sources = append(sources, fetcher.NewLimited(static, rl.Requests, rl.Window))
	}
	if cfg.Sources.Skyscanner.Enabled {
		sc := cfg.Sources.Skyscanner
		userAgent := sc.UserAgent
		if userAgent == "" {
			userAgent = version.UserAgent()
		}
		sky := fetcher.NewSkyscanner(fetcher.SkyscannerOptions{
			BaseURL:   sc.BaseURL,
			APIKey:    sc.APIKey,
			Market:    sc.Market,
			Currency:  sc.Currency,
			Locale:    sc.Locale,
			Origin:    sc.Origin,
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: userAgent,
		}, a.Logger)
		sources = append(sources, fetcher.NewCachedLimited(sky, cache, cfg.Cache.TTL, fetcher.RateLimit{
			Requests: sc.RateLimit.Requests,
			Window:   sc.RateLimit.Window,
		}, a.Logger))
	}

	adapter := fetcher.NewAdapter(fetcher.AdapterOptions{
		Default: cfg.Sources.Default,
		Policy: retry.Policy{
			Attempts:  cfg.Fetch.Attempts,
			BaseDelay: cfg.Fetch.BaseDelay,
			MaxDelay:  cfg.Fetch.MaxDelay,
		},
		Timeout: cfg.Fetch.Timeout,
	}, a.Logger, sources...)
	return adapter, closer, nil
}

func (a *App) newRouter() *alerting.Router {
	ch := a.Config.Channels
	timeout := a.Config.Dispatch.SendTimeout

	var senders []alerting.Sender
	if ch.Email.Enabled {
		senders = append(senders, alerting.NewEmailSender(alerting.EmailOptions{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
		}, a.Logger))
	}
	if ch.SMS.Enabled {
		senders = append(senders, alerting.NewSMSSender(alerting.SMSOptions{
			AccountSID: ch.SMS.AccountSID,
			AuthToken:  ch.SMS.AuthToken,
			From:       ch.SMS.From,
			APIBase:    ch.SMS.APIBase,
			Timeout:    timeout,
		}, a.Logger))
	}
	if ch.Push.Enabled {
		senders = append(senders, alerting.NewPushSender(alerting.PushOptions{
			VAPIDPublicKey:  ch.Push.VAPIDPublicKey,
			VAPIDPrivateKey: ch.Push.VAPIDPrivateKey,
			Subscriber:      ch.Push.Subscriber,
			TTL:             time.Duration(ch.Push.TTL) * time.Second,
			Timeout:         timeout,
		}, a.Logger))
	}
	if ch.Telegram.Enabled {
		senders = append(senders, alerting.NewTelegramSender(ch.Telegram.BotToken, ch.Telegram.APIBase, timeout, a.Logger))
	}
	return alerting.NewRouter(senders...)
}

func (a *App) newEngine(store storage.Backend) (*evaluator.Engine, error) {
	policy, err := evaluator.ParsePolicy(a.Config.Evaluation.Policy)
	if err != nil {
		return nil, err
	}
	return evaluator.New(store, evaluator.Options{Policy: policy}, a.Logger), nil
}

func (a *App) newDispatcher(store storage.Backend, router *alerting.Router, m *metrics.Metrics) *dispatcher.Dispatcher {
	d := a.Config.Dispatch
	return dispatcher.New(store, router, dispatcher.Options{
		Policy: retry.Policy{
			Attempts:  d.MaxAttempts,
			BaseDelay: d.BaseDelay,
			MaxDelay:  d.MaxDelay,
		},
		SendTimeout:   d.SendTimeout,
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		SweepInterval: d.SweepInterval,
	}, a.Logger, m)
}

// engine is the wired pipeline shared by run and simulate.
type engine struct {
	store      storage.Backend
	service    *service.Service
	dispatcher *dispatcher.Dispatcher
	router     *alerting.Router
	close      func()
}

func (a *App) buildEngine(ctx context.Context, m *metrics.Metrics) (*engine, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	source, closeSource, err := a.newSource(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	eval, err := a.newEngine(store)
	if err != nil {
		closeSource()
		store.Close()
		return nil, err
	}

	router := a.newRouter()
	disp := a.newDispatcher(store, router, m)

	sc := a.Config.Scheduler
	opts := service.Options{
		Scheduler: scheduler.Options{
			Tick:            sc.Tick,
			DefaultInterval: sc.DefaultInterval,
			Jitter:          sc.Jitter,
			Workers:         sc.Workers,
			ResyncInterval:  sc.ResyncInterval,
			StartupDelay:    sc.StartupDelay,
			DrainTimeout:    sc.DrainTimeout,
		},
		Retention:     a.Config.History.Retention,
		MetricsListen: a.Config.Metrics.Listen,
		MetricsPath:   a.Config.Metrics.Path,
	}
	if a.Config.Database.Driver == config.DriverPostgres {
		opts.LockKey = sc.AdvisoryLockKey
		opts.EventsDSN = a.Config.Database.DSN
	}

	svc := service.New(store, source, eval, disp, opts, a.Logger, m)
	return &engine{
		store:      store,
		service:    svc,
		dispatcher: disp,
		router:     router,
		close: func() {
			closeSource()
			store.Close()
		},
	}, nil
}

// Run executes the long-running monitoring engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := a.buildEngine(ctx, metrics.New())
	if err != nil {
		return err
	}
	defer eng.close()

	channels := eng.router.Channels()
	if len(channels) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; fired alerts will be abandoned")
	}
	a.Logger.Info().
		Str("driver", a.Config.Database.Driver).
		Str("policy", a.Config.Evaluation.Policy).
		Interface("channels", channels).
		Msg("starting monitoring engine")

	err = eng.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring engine stopped")
	return nil
}

// Migrate applies the schema of the configured backend.
func (a *App) Migrate(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema migrated")
	return nil
}

// resolveDestination finds a destination by numeric id or by name.
func resolveDestination(ctx context.Context, store storage.DestinationStore, ref string) (storage.Destination, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.GetDestination(ctx, id)
	}
	dests, err := store.ListDestinations(ctx, false)
	if err != nil {
		return storage.Destination{}, err
	}
	for _, d := range dests {
		if strings.EqualFold(d.Name, ref) {
			return d, nil
		}
	}
	return storage.Destination{}, fmt.Errorf("destination %q: %w", ref, storage.ErrNotFound)
}

func (a *App) newRegistry(store storage.Backend) *registry.Registry {
	return registry.New(store, nil, a.Logger)
}

// ExportOptions hold parameters for exporting a destination's price history.
type ExportOptions struct {
	Destination string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Destination string
	Limit       int
}

// AlertInput carries the alert add flags.
type AlertInput struct {
	OwnerID     int64
	Destination string
	Threshold   string
	Direction   string
	Channel     string
	Cooldown    time.Duration
	Inactive    bool
}

// DestinationInput carries the destination add flags.
type DestinationInput struct {
	Name         string
	RouteKey     string
	Source       string
	PollInterval time.Duration
	Untracked    bool
}

// AttemptsOptions filter the attempts listing.
type AttemptsOptions struct {
	AlertID  int64
	Statuses []string
	Limit    int
}

// SimulateOptions describe one synthetic observation.
type SimulateOptions struct {
	Destination string
	Price       string
	Currency    string
	Dispatch    bool
}
