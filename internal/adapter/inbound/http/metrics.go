// Package http exposes the daemon's health and Prometheus metrics
// endpoints.
package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. It implements the
// projection pipeline's metrics interface.
type Metrics struct {
	EventsTotal     prometheus.Counter
	ListRefreshes   prometheus.Counter
	BansTotal       prometheus.Counter
	ACLUpdatesTotal prometheus.Counter
	RedactionsTotal prometheus.Counter
	SyncDuration    prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EventsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "events_total",
			Help:      "Total push events processed for protected rooms",
		}),
		ListRefreshes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "list_refreshes_total",
			Help:      "Total policy list state refreshes",
		}),
		BansTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "bans_total",
			Help:      "Total member bans issued",
		}),
		ACLUpdatesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "acl_updates_total",
			Help:      "Total server ACL state events written",
		}),
		RedactionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "redactions_total",
			Help:      "Total messages redacted",
		}),
		SyncDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "sync_duration_seconds",
			Help:      "Duration of full policy sync runs",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordEvent()       { m.EventsTotal.Inc() }
func (m *Metrics) RecordListRefresh() { m.ListRefreshes.Inc() }
func (m *Metrics) RecordBan()         { m.BansTotal.Inc() }
func (m *Metrics) RecordACLUpdate()   { m.ACLUpdatesTotal.Inc() }

func (m *Metrics) RecordRedactions(count int) {
	m.RedactionsTotal.Add(float64(count))
}

func (m *Metrics) ObserveSyncDuration(d time.Duration) {
	m.SyncDuration.Observe(d.Seconds())
}
