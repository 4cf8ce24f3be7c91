package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// Metrics exports update pass results to Prometheus on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	passes        *prometheus.CounterVec
	items         *prometheus.CounterVec
	priceChanges  prometheus.Counter
	passDuration  prometheus.Histogram
	lastPass      prometheus.Gauge
	successRate   prometheus.Gauge
	pendingReview prometheus.Gauge
}

// NewMetrics creates and registers the pass metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_passes_total",
			Help: "Update passes by result",
		}, []string{"result"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_items_total",
			Help: "Items handled by update passes, by outcome",
		}, []string{"outcome"}),
		priceChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_price_changes_total",
			Help: "Price changes applied by update passes",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_pass_duration_seconds",
			Help:    "Update pass duration",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
		}),
		lastPass: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pricewatch_last_pass_timestamp_seconds",
			Help: "Unix time the last update pass finished",
		}),
		successRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pricewatch_last_pass_success_rate",
			Help: "Success rate percentage of the last update pass",
		}),
		pendingReview: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pricewatch_pending_approvals",
			Help: "Price changes awaiting review",
		}),
	}
}

// ObserveRun records a finished pass.
func (m *Metrics) ObserveRun(_ context.Context, s model.RunSummary) {
	result := "success"
	switch {
	case !s.Success:
		result = "failure"
	case s.Truncated:
		result = "truncated"
	}
	m.passes.WithLabelValues(result).Inc()

	st := s.Statistics
	for outcome, n := range map[string]int{
		"updated":      st.UpdatedItems,
		"unchanged":    st.UnchangedItems,
		"error":        st.ErrorItems,
		"skipped":      st.SkippedItems,
		"rejected":     st.RejectedPriceChanges,
		"queued":       st.QueuedForApproval,
		"out_of_stock": st.OutOfStockItems,
		"failed_write": st.FailedUpdates,
	} {
		if n > 0 {
			m.items.WithLabelValues(outcome).Add(float64(n))
		}
	}
	m.priceChanges.Add(float64(st.PriceIncreases + st.PriceDecreases))
	m.passDuration.Observe(s.DurationSeconds)
	m.lastPass.Set(float64(s.FinishedAt.Unix()))
	m.successRate.Set(s.SuccessRate)
}

// SetPendingApprovals records the current review backlog.
func (m *Metrics) SetPendingApprovals(n int) {
	m.pendingReview.Set(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
