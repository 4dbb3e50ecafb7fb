// Package activity tracks device liveness per (patient, parameter): every
// ingest marks the pair live; a ticker-driven sweeper flips stale pairs to
// inactive independent of traffic.
package activity

import (
	"sort"
	"strings"
	"sync"
	"time"

	"vitalstream/internal/logging"
	"vitalstream/internal/model"
)

type key struct {
	patient string
	param   model.ParamType
}

// State is one (patient, param) liveness entry. Entries are never deleted:
// cheap to keep, and deletion would lose "seen before" memory across short
// outages.
type State struct {
	Active     bool
	LastUpdate time.Time
}

// Tracker is the activity state machine described in spec.md §4.4.
type Tracker struct {
	mu        sync.Mutex
	entries   map[key]*State
	threshold time.Duration
	now       func() time.Time
	log       *logging.Logger
	gauge     ActiveGauge
}

// ActiveGauge receives the size of the active roster after each sweep.
// Satisfied by a prometheus.Gauge; kept as a narrow interface so the tracker
// has no hard prometheus dependency in its core logic.
type ActiveGauge interface {
	Set(v float64)
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithClock overrides the tracker's time source; used by tests to control
// sweep timing deterministically.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger attaches a logger for the sweeper's roster log line.
func WithLogger(log *logging.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithActiveGauge wires a Prometheus gauge tracking the active roster size.
func WithActiveGauge(gauge ActiveGauge) Option {
	return func(t *Tracker) {
		if gauge != nil {
			t.gauge = gauge
		}
	}
}

// New constructs a Tracker with the given inactivity threshold T.
func New(threshold time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[key]*State),
		threshold: threshold,
		now:       time.Now,
		log:       logging.L(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkLive records a fresh ingest for (patient, param): the pair transitions
// to ACTIVE (from nil or INACTIVE) and last_update advances. last_update
// never moves backwards: an ingest older than the stored mark still
// reactivates the pair but leaves last_update unchanged.
func (t *Tracker) MarkLive(patient string, param model.ParamType, ts time.Time) {
	k := key{patient: patient, param: param}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		e = &State{}
		t.entries[k] = e
	}
	if ts.After(e.LastUpdate) {
		e.LastUpdate = ts
	}
	e.Active = true
}

// Get returns the current liveness state for (patient, param). The zero
// value (inactive, zero LastUpdate) is returned for a pair never ingested.
func (t *Tracker) Get(patient string, param model.ParamType) State {
	k := key{patient: patient, param: param}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[k]; ok {
		return *e
	}
	return State{}
}

// Inactive filters params to those not currently ACTIVE for patient; used by
// the Session Loop's get_parameters subscribe gate.
func (t *Tracker) Inactive(patient string, params []model.ParamType) []model.ParamType {
	var inactive []model.ParamType
	for _, p := range params {
		if !t.Get(patient, p).Active {
			inactive = append(inactive, p)
		}
	}
	return inactive
}

// Sweep scans every tracked entry once, transitioning any whose last update
// exceeds the inactivity threshold to INACTIVE, then logs the active roster
// grouped by patient and updates the active-roster gauge. Returns the number
// of entries transitioned this sweep (for tests).
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	//1.- Copy-then-iterate so the sweep never holds the lock across logging.
	type rosterEntry struct {
		patient string
		param   model.ParamType
		active  bool
	}
	roster := make([]rosterEntry, 0, len(t.entries))
	transitioned := 0
	for k, e := range t.entries {
		if e.Active && now.Sub(e.LastUpdate) > t.threshold {
			e.Active = false
			transitioned++
		}
		roster = append(roster, rosterEntry{patient: k.patient, param: k.param, active: e.Active})
	}
	t.mu.Unlock()

	grouped := make(map[string][]string)
	activeCount := 0
	for _, r := range roster {
		if !r.active {
			continue
		}
		activeCount++
		grouped[r.patient] = append(grouped[r.patient], string(r.param))
	}

	if t.gauge != nil {
		t.gauge.Set(float64(activeCount))
	}

	if t.log != nil {
		patients := make([]string, 0, len(grouped))
		for p := range grouped {
			patients = append(patients, p)
		}
		sort.Strings(patients)
		lines := make([]string, 0, len(patients))
		for _, p := range patients {
			sort.Strings(grouped[p])
			lines = append(lines, p+": "+strings.Join(grouped[p], ", "))
		}
		t.log.Debug("active parameter roster",
			logging.Int("active_pairs", activeCount), logging.Strings("roster", lines))
	}

	return transitioned
}

// Run starts the ticker-driven sweeper loop; it returns when ctx-equivalent
// stop channel is closed. Call in its own goroutine.
func (t *Tracker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.threshold)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-stop:
			return
		}
	}
}
