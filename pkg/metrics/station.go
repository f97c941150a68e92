package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StationMetrics records claim/release activity and snapshot refreshes for one agent.
type StationMetrics struct {
	claims          *prometheus.CounterVec
	conflicts       prometheus.Counter
	releases        *prometheus.CounterVec
	ordersSubmitted *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	refreshSkipped  prometheus.Counter
	busEvents       *prometheus.CounterVec
}

// NewStationMetrics registers the agent metrics on the provided registerer.
func NewStationMetrics(reg prometheus.Registerer) *StationMetrics {
	if reg == nil {
		return &StationMetrics{}
	}
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_claims_total",
		Help: "Station claim attempts by outcome.",
	}, []string{"outcome"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "station_claim_conflicts_total",
		Help: "Claims rejected because another session holds the station.",
	})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_releases_total",
		Help: "Station release attempts by outcome.",
	}, []string{"outcome"})
	orders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Order submissions by outcome.",
	}, []string{"outcome"})
	refreshDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_refresh_duration_seconds",
		Help:    "Duration of inventory snapshot refreshes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	refreshSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_refresh_skipped_total",
		Help: "Refresh triggers skipped because a recent refresh already ran.",
	})
	busEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_total",
		Help: "Cross-tab bus events by type and disposition.",
	}, []string{"type", "disposition"})
	reg.MustRegister(claims, conflicts, releases, orders, refreshDuration, refreshSkipped, busEvents)
	return &StationMetrics{
		claims:          claims,
		conflicts:       conflicts,
		releases:        releases,
		ordersSubmitted: orders,
		refreshDuration: refreshDuration,
		refreshSkipped:  refreshSkipped,
		busEvents:       busEvents,
	}
}

// IncClaim increments the claim counter for the given outcome.
func (m *StationMetrics) IncClaim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncConflict counts a claim rejected with a station conflict.
func (m *StationMetrics) IncConflict() {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Inc()
}

// IncRelease increments the release counter for the given outcome.
func (m *StationMetrics) IncRelease(outcome string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncOrder increments the submission counter for the given outcome.
func (m *StationMetrics) IncOrder(outcome string) {
	if m == nil || m.ordersSubmitted == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveRefresh records the duration of a completed snapshot refresh.
func (m *StationMetrics) ObserveRefresh(duration time.Duration) {
	if m == nil || m.refreshDuration == nil {
		return
	}
	m.refreshDuration.Observe(duration.Seconds())
}

// IncRefreshSkipped counts a refresh trigger collapsed by recency de-duplication.
func (m *StationMetrics) IncRefreshSkipped() {
	if m == nil || m.refreshSkipped == nil {
		return
	}
	m.refreshSkipped.Inc()
}

// IncBusEvent counts a bus event with its disposition (handled, duplicate, ignored).
func (m *StationMetrics) IncBusEvent(eventType, disposition string) {
	if m == nil || m.busEvents == nil {
		return
	}
	m.busEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(disposition)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
