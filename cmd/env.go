package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/fetcher"
	"github.com/mybookshelf/pricewatch/internal/monitoring"
	"github.com/mybookshelf/pricewatch/internal/notify"
	"github.com/mybookshelf/pricewatch/internal/resilience"
	"github.com/mybookshelf/pricewatch/internal/store"
	"github.com/mybookshelf/pricewatch/internal/updater"
	"github.com/mybookshelf/pricewatch/internal/validation"
)

// initStore opens the configured backend without migrating it.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the store settings, opens the backend and applies
// the schema. Callers close the returned store.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// priceEnv holds everything the update and serve commands share.
type priceEnv struct {
	Store        store.Store
	Orchestrator *updater.Orchestrator
	Notifier     notify.Notifier
	Metrics      *monitoring.Metrics
	Checker      *monitoring.Checker
}

// Close releases the store.
func (pe *priceEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPriceEnv wires the store, fetcher, validation engine, notifiers and
// monitoring into an Orchestrator. mode is "update" or "serve".
func initPriceEnv(ctx context.Context, mode string, opts updater.Options) (*priceEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	engine, err := loadEngine(cfg.Validation.PolicyFile)
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	f := fetcher.NewAmazonFetcher(fetcher.AmazonOptions{
		BaseURL:       cfg.Fetcher.BaseURL,
		UserAgent:     cfg.Fetcher.UserAgent,
		Timeout:       time.Duration(cfg.Fetcher.TimeoutSecs) * time.Second,
		RatePerSecond: cfg.Fetcher.RatePerSecond,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.Fetcher.MaxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    8 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.Fetcher.BreakerThreshold,
			Cooldown:  time.Duration(cfg.Fetcher.BreakerCooldownSecs) * time.Second,
		},
	})

	var alertNotifier monitoring.AlertNotifier
	if _, none := notifier.(notify.Nop); !none {
		alertNotifier = notifier
	}

	metrics := monitoring.NewMetrics()
	checker := monitoring.NewChecker(
		monitoring.NewCollector(st),
		monitoring.NewAlerter(cfg.Monitoring, alertNotifier),
		cfg.Monitoring,
	)

	orch := updater.New(st, st, f, engine, notifier, opts, metrics, checker)

	return &priceEnv{
		Store:        st,
		Orchestrator: orch,
		Notifier:     notifier,
		Metrics:      metrics,
		Checker:      checker,
	}, nil
}

// passOptions maps the updater config onto orchestrator options.
func passOptions() updater.Options {
	return updater.Options{
		Limit:             cfg.Updater.Limit,
		Cutoff:            cfg.Updater.Cutoff(),
		Delay:             cfg.Updater.Delay(),
		MaxRunDuration:    cfg.Updater.MaxRun(),
		ApprovalThreshold: decimal.NewFromFloat(cfg.Approval.ThresholdPercent),
		DryRun:            cfg.Updater.DryRun,
	}
}

// loadEngine builds the validation engine from the built-in policy, or
// from path when one is configured.
func loadEngine(path string) (*validation.Engine, error) {
	if path == "" {
		return validation.NewEngine(validation.DefaultPolicy()), nil
	}
	p, err := validation.LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, eris.Wrapf(err, "policy %s", path)
	}
	zap.L().Info("validation policy loaded", zap.String("path", path))
	return validation.NewEngine(p), nil
}

// buildNotifier combines every configured delivery channel.
func buildNotifier() (notify.Notifier, error) {
	var ns []notify.Notifier

	if cfg.Notify.Email.Enabled() {
		email, err := notify.NewEmailNotifier(notify.EmailConfig{
			APIKey:  cfg.Notify.Email.APIKey,
			From:    cfg.Notify.Email.From,
			To:      cfg.Notify.Email.To,
			BaseURL: cfg.Notify.Email.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		ns = append(ns, email)
		zap.L().Info("email reports enabled", zap.Int("recipients", len(cfg.Notify.Email.To)))
	} else {
		zap.L().Debug("email not configured, reports will only be logged")
	}

	if cfg.Notify.Telegram.Enabled() {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		ns = append(ns, tg)
		zap.L().Info("telegram reports enabled")
	}

	return notify.Combine(ns...), nil
}
