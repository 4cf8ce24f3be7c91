package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/config"
	"github.com/mybookshelf/pricewatch/internal/model"
)

// Checker runs alert checks periodically and after every update pass.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, nil)
		}
	}
}

// ObserveRun evaluates alerts against a pass that just finished.
func (c *Checker) ObserveRun(ctx context.Context, summary model.RunSummary) {
	c.Check(ctx, &summary)
}

// Check collects a snapshot, evaluates it, and sends any alerts. When run
// is set it replaces the stored latest pass, which a dry run never writes.
// Returns the alerts that were triggered.
func (c *Checker) Check(ctx context.Context, run *model.RunSummary) []model.Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return nil
	}
	if run != nil {
		snap.LastRun = run
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
