// Package metrics exposes the Prometheus collectors of the telemetry core:
// cache evictions, dispatch queue depth and drops, the active-roster gauge,
// and per-session outbound overflow/close counts. The dispatch collectors
// and the active-roster gauge are updated at runtime; the cache-eviction
// counter and the session connected/closed collectors are registered and
// exported, but no component updates them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dispatch groups the collectors the dispatch pool updates.
type Dispatch struct {
	QueueDepth      prometheus.Gauge
	DroppedEvents   prometheus.Counter
	SessionOverflow prometheus.Counter
}

// Cache groups the sample-cache collectors. The sample cache does not
// increment Evictions.
type Cache struct {
	Evictions *prometheus.CounterVec
}

// Session groups the session collectors plus the active-roster gauge, which
// the activity tracker sets after each sweep. The session loop does not
// update Connected or Closed.
type Session struct {
	Connected   prometheus.Gauge
	Closed      *prometheus.CounterVec
	ActiveCount prometheus.Gauge
}

// Registry bundles every collector set the core registers at startup,
// following 99souls-ariadne's pattern of a custom prometheus.Registry
// rather than relying on the global default registry.
type Registry struct {
	reg     *prometheus.Registry
	Dispatch Dispatch
	Cache    Cache
	Session  Session
}

// New constructs and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Dispatch: Dispatch{
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vitalstream",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Current number of events buffered across all dispatch shards.",
			}),
			DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "dispatch",
				Name:      "dropped_events_total",
				Help:      "Events dropped under backpressure (drop-oldest-per-key).",
			}),
			SessionOverflow: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "dispatch",
				Name:      "session_overflow_total",
				Help:      "Outbound sends dropped because a session's buffer was saturated.",
			}),
		},
		Cache: Cache{
			Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Ring-buffer evictions per param type.",
			}, []string{"param_type"}),
		},
		Session: Session{
			Connected: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vitalstream",
				Subsystem: "session",
				Name:      "connected",
				Help:      "Currently connected client sessions.",
			}),
			Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "session",
				Name:      "closed_total",
				Help:      "Sessions closed, labelled by reason.",
			}, []string{"reason"}),
			ActiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vitalstream",
				Subsystem: "activity",
				Name:      "active_roster_size",
				Help:      "Number of (patient, param) pairs currently ACTIVE.",
			}),
		},
	}

	reg.MustRegister(
		r.Dispatch.QueueDepth,
		r.Dispatch.DroppedEvents,
		r.Dispatch.SessionOverflow,
		r.Cache.Evictions,
		r.Session.Connected,
		r.Session.Closed,
		r.Session.ActiveCount,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
