package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/config"
	"github.com/mybookshelf/pricewatch/internal/model"
)

// minProcessedForRate is the smallest pass whose rates are worth alerting on.
const minProcessedForRate = 5

// AlertNotifier delivers alerts through a notification channel.
type AlertNotifier interface {
	NotifyAlert(ctx context.Context, alert model.Alert) error
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook and notifier when thresholds are breached.
type Alerter struct {
	cfg      config.MonitoringConfig
	client   *http.Client
	notifier AlertNotifier
	nowFunc  func() time.Time
}

// NewAlerter creates a new Alerter. notifier may be nil.
func NewAlerter(cfg config.MonitoringConfig, notifier AlertNotifier) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		notifier: notifier,
		nowFunc:  time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []model.Alert {
	var alerts []model.Alert
	now := a.nowFunc().UTC()

	if run := snap.LastRun; run != nil {
		stats := run.Statistics

		if !run.Success {
			alerts = append(alerts, model.Alert{
				Type:      model.AlertRunFailed,
				Severity:  model.SeverityHigh,
				Message:   fmt.Sprintf("Price update run failed: %s", run.Message),
				Details:   map[string]any{"started_at": run.StartedAt, "errors": len(stats.Errors)},
				Timestamp: now,
			})
		}

		processed := stats.Processed()
		if processed >= minProcessedForRate && run.SuccessRate < a.cfg.SuccessRateThreshold {
			alerts = append(alerts, model.Alert{
				Type:     model.AlertLowSuccessRate,
				Severity: model.SeverityHigh,
				Message: fmt.Sprintf("Price update success rate %.1f%% is below %.1f%% (%d errors / %d processed)",
					run.SuccessRate, a.cfg.SuccessRateThreshold, stats.ErrorItems, processed),
				Details: map[string]any{
					"success_rate": run.SuccessRate,
					"threshold":    a.cfg.SuccessRateThreshold,
					"errors":       stats.ErrorItems,
					"processed":    processed,
				},
				Timestamp: now,
			})
		}

		if stats.TotalItems >= minProcessedForRate {
			rejectRate := 100 - run.ValidationRate
			if rejectRate > a.cfg.RejectionRateThreshold {
				alerts = append(alerts, model.Alert{
					Type:     model.AlertHighRejections,
					Severity: model.SeverityMedium,
					Message: fmt.Sprintf("%d of %d observed prices were rejected by validation (%.1f%%)",
						stats.RejectedPriceChanges, stats.TotalItems, rejectRate),
					Details: map[string]any{
						"rejected":       stats.RejectedPriceChanges,
						"total":          stats.TotalItems,
						"rejection_rate": rejectRate,
						"threshold":      a.cfg.RejectionRateThreshold,
					},
					Timestamp: now,
				})
			}
		}
	}

	if a.cfg.MaxRunAgeHours > 0 {
		maxAge := time.Duration(a.cfg.MaxRunAgeHours) * time.Hour
		if snap.LastRun == nil || now.Sub(snap.LastRun.StartedAt) > maxAge {
			last := "never"
			if snap.LastRun != nil {
				last = snap.LastRun.StartedAt.UTC().Format(time.RFC3339)
			}
			alerts = append(alerts, model.Alert{
				Type:      model.AlertRunOverdue,
				Severity:  model.SeverityHigh,
				Message:   fmt.Sprintf("No price update run in the last %dh (last run: %s)", a.cfg.MaxRunAgeHours, last),
				Details:   map[string]any{"last_run": last, "max_age_hours": a.cfg.MaxRunAgeHours},
				Timestamp: now,
			})
		}
	}

	if a.cfg.ApprovalBacklogThreshold > 0 && snap.PendingApprovals > a.cfg.ApprovalBacklogThreshold {
		alerts = append(alerts, model.Alert{
			Type:      model.AlertApprovalBacklog,
			Severity:  model.SeverityMedium,
			Message:   fmt.Sprintf("%d price changes are awaiting review (threshold %d)", snap.PendingApprovals, a.cfg.ApprovalBacklogThreshold),
			Details:   map[string]any{"pending": snap.PendingApprovals, "threshold": a.cfg.ApprovalBacklogThreshold},
			Timestamp: now,
		})
	}

	if snap.PermanentlySkipped > a.cfg.PermanentSkipThreshold {
		alerts = append(alerts, model.Alert{
			Type:     model.AlertPermanentSkips,
			Severity: model.SeverityLow,
			Message: fmt.Sprintf("%d items reached %d failed attempts and are no longer refreshed",
				snap.PermanentlySkipped, model.MaxFailedAttempts),
			Details:   map[string]any{"items": snap.PermanentlySkipped},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL and notifier.
// Returns the number of alerts delivered through at least one channel.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []model.Alert) int {
	if len(alerts) == 0 || (a.cfg.WebhookURL == "" && a.notifier == nil) {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		delivered := false
		if a.cfg.WebhookURL != "" {
			if err := a.sendWebhook(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to send alert webhook",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if a.notifier != nil {
			if err := a.notifier.NotifyAlert(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to notify alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if delivered {
			zap.L().Info("monitoring: alert sent",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
			)
			sent++
		}
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
