// Package cache holds the most recent decoded samples per (patient,
// parameter), bounded to a small ring so a burst of arrivals during a slow
// dispatch still keeps exact-timestamp lookups available for recent events.
package cache

import (
	"sync"
	"time"

	"vitalstream/internal/model"
)

// Capacity is the per-(patient, param) ring buffer size. Spec-fixed at 10.
const Capacity = 10

type key struct {
	patient string
	param   model.ParamType
}

// entry is the per-(patient, param) ring buffer plus its own mutex. No
// global lock guards the cache: each entry serialises its own readers and
// writers, never holding its lock across a network send.
type entry struct {
	mu         sync.Mutex
	samples    []model.Sample
	lastUpdate time.Time
}

// SampleCache is the bounded per-(patient, parameter) sample store.
type SampleCache struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// New constructs an empty SampleCache.
func New() *SampleCache {
	return &SampleCache{entries: make(map[key]*entry)}
}

func (c *SampleCache) entryFor(patient string, param model.ParamType) *entry {
	k := key{patient: patient, param: param}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	//1.- Upgrade to the write lock only on the (rare) first-touch path.
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[k]; ok {
		return e
	}
	e = &entry{}
	c.entries[k] = e
	return e
}

// Update appends a decoded sample to the ring for (patient, param), evicting
// the oldest entry once the ring is at capacity, and records the sample's
// CollectionTS as the last-update mark reported by LastUpdate.
func (c *SampleCache) Update(patient string, param model.ParamType, sample model.Sample) {
	e := c.entryFor(patient, param)

	e.mu.Lock()
	defer e.mu.Unlock()
	//1.- Append in arrival order; arrival order need not match collection_ts order.
	e.samples = append(e.samples, sample)
	if len(e.samples) > Capacity {
		//2.- Evict the oldest sample to keep the ring bounded.
		e.samples = e.samples[len(e.samples)-Capacity:]
	}
	e.lastUpdate = sample.CollectionTS
}

// Get returns the Sample for (patient, param). With no target timestamp it
// returns the newest sample. With a target timestamp it scans newest→oldest
// for an exact match; on no match it falls back to the newest sample — this
// fallback is intentional (spec.md §4.2): it keeps the pipeline live when
// the cache races ahead of a dispatch rather than surfacing no data at all.
func (c *SampleCache) Get(patient string, param model.ParamType, target *time.Time) (model.Sample, bool) {
	e := c.entryFor(patient, param)

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return model.Sample{}, false
	}
	if target == nil {
		return e.samples[len(e.samples)-1], true
	}
	for i := len(e.samples) - 1; i >= 0; i-- {
		if e.samples[i].CollectionTS.Equal(*target) {
			return e.samples[i], true
		}
	}
	//1.- No exact match: fall back to newest rather than reporting absence.
	return e.samples[len(e.samples)-1], true
}

// LastUpdate returns the stored last-update timestamp for (patient, param),
// or the zero Time if the pair has never been seen.
func (c *SampleCache) LastUpdate(patient string, param model.ParamType) time.Time {
	e := c.entryFor(patient, param)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUpdate
}

// Len reports the current ring depth for (patient, param); used by tests to
// assert the ring-bound invariant.
func (c *SampleCache) Len(patient string, param model.ParamType) int {
	e := c.entryFor(patient, param)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}
