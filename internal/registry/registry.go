// Package registry maintains the three-level subscription index that binds
// (patient, parameter) pairs to the set of client sessions currently
// interested in them, with prune-on-empty bookkeeping so a quiet patient
// leaves no trace in the map.
package registry

import (
	"sync"

	"vitalstream/internal/model"
)

// Session is the minimal handle the registry needs: something it can key a
// set on and can hand back to a dispatcher for delivery. internal/session's
// concrete Session type satisfies this.
type Session interface {
	ID() string
}

type paramSet map[Session]struct{}

// Registry is the patient -> param -> session-set subscription index.
// A single lock protects the whole structure; it is held only for
// structural mutation and for taking a snapshot, never across a send.
type Registry struct {
	mu    sync.Mutex
	byPat map[string]map[model.ParamType]paramSet
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byPat: make(map[string]map[model.ParamType]paramSet)}
}

// Subscribe adds session to every (patient, param) pair named, creating
// intermediate maps as needed.
func (r *Registry) Subscribe(patient string, params []model.ParamType, session Session) {
	if session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byParam, ok := r.byPat[patient]
	if !ok {
		byParam = make(map[model.ParamType]paramSet)
		r.byPat[patient] = byParam
	}
	for _, p := range params {
		set, ok := byParam[p]
		if !ok {
			set = make(paramSet)
			byParam[p] = set
		}
		set[session] = struct{}{}
	}
}

// Unsubscribe removes session from the named params under patient. An empty
// params slice removes session from every param currently tracked for that
// patient. After each removal, empty inner sets and empty patient maps are
// pruned. Unsubscribing a session twice, or one never subscribed, is a
// no-op.
func (r *Registry) Unsubscribe(patient string, params []model.ParamType, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byParam, ok := r.byPat[patient]
	if !ok {
		return
	}

	targets := params
	if len(targets) == 0 {
		//1.- No params named: unsubscribe from everything tracked for this patient.
		targets = make([]model.ParamType, 0, len(byParam))
		for p := range byParam {
			targets = append(targets, p)
		}
	}

	for _, p := range targets {
		set, ok := byParam[p]
		if !ok {
			continue
		}
		delete(set, session)
		if len(set) == 0 {
			//2.- Prune the empty inner set so "any subscribers?" stays O(1).
			delete(byParam, p)
		}
	}
	if len(byParam) == 0 {
		//3.- Prune the patient key once its last param set is gone.
		delete(r.byPat, patient)
	}
}

// UnsubscribeAll removes session from every (patient, param) pair it holds
// across the whole registry. Used on session disconnect.
func (r *Registry) UnsubscribeAll(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for patient, byParam := range r.byPat {
		for p, set := range byParam {
			if _, ok := set[session]; !ok {
				continue
			}
			delete(set, session)
			if len(set) == 0 {
				delete(byParam, p)
			}
		}
		if len(byParam) == 0 {
			delete(r.byPat, patient)
		}
	}
}

// Subscribers returns a snapshot copy of the sessions subscribed to
// (patient, param), so callers can iterate without holding the registry
// lock and without racing a concurrent unsubscribe.
func (r *Registry) Subscribers(patient string, param model.ParamType) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	byParam, ok := r.byPat[patient]
	if !ok {
		return nil
	}
	set, ok := byParam[param]
	if !ok {
		return nil
	}
	out := make([]Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// HasAny is the O(1) predicate the CDC Decoder's enqueue gate consults
// before producing a DispatchEvent. It is an optimisation, not a
// correctness boundary — the dispatcher must still tolerate a false
// positive (zero subscribers by the time it runs).
func (r *Registry) HasAny(patient string, param model.ParamType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byParam, ok := r.byPat[patient]
	if !ok {
		return false
	}
	set, ok := byParam[param]
	return ok && len(set) > 0
}
