package cache

import (
	"sync"
	"testing"
	"time"

	"vitalstream/internal/model"
)

func sampleAt(t int64) model.Sample {
	return model.Sample{
		Payload:      model.BreathCyclePayload{Fields: map[string]any{"t": t}},
		CollectionTS: time.Unix(t, 0).UTC(),
	}
}

func TestUpdateAndGetNewest(t *testing.T) {
	c := New()
	for i := int64(1); i <= 3; i++ {
		c.Update("1", model.ParamECG, sampleAt(i))
	}
	got, ok := c.Get("1", model.ParamECG, nil)
	if !ok {
		t.Fatalf("expected a sample, got none")
	}
	if got.CollectionTS.Unix() != 3 {
		t.Fatalf("expected newest sample at t=3, got t=%d", got.CollectionTS.Unix())
	}
}

func TestRingEvictionScenarioS6(t *testing.T) {
	c := New()
	for i := int64(1); i <= 15; i++ {
		c.Update("1", model.ParamECG, sampleAt(i))
	}
	if n := c.Len("1", model.ParamECG); n != Capacity {
		t.Fatalf("expected ring bound %d, got %d", Capacity, n)
	}

	newest, _ := c.Get("1", model.ParamECG, nil)
	if newest.CollectionTS.Unix() != 15 {
		t.Fatalf("expected newest sample t=15, got t=%d", newest.CollectionTS.Unix())
	}

	evictedTarget := time.Unix(3, 0).UTC()
	fallback, ok := c.Get("1", model.ParamECG, &evictedTarget)
	if !ok {
		t.Fatalf("expected fallback sample, got none")
	}
	if fallback.CollectionTS.Unix() != 15 {
		t.Fatalf("expected evicted lookup to fall back to newest (t=15), got t=%d", fallback.CollectionTS.Unix())
	}

	presentTarget := time.Unix(10, 0).UTC()
	exact, ok := c.Get("1", model.ParamECG, &presentTarget)
	if !ok {
		t.Fatalf("expected exact-match sample, got none")
	}
	if exact.CollectionTS.Unix() != 10 {
		t.Fatalf("expected exact match t=10, got t=%d", exact.CollectionTS.Unix())
	}
}

func TestGetOnEmptyCacheReturnsFalse(t *testing.T) {
	c := New()
	if _, ok := c.Get("unknown", model.ParamECG, nil); ok {
		t.Fatalf("expected no sample for unseen key")
	}
}

func TestLastUpdateDefaultsToZero(t *testing.T) {
	c := New()
	if !c.LastUpdate("1", model.ParamECG).IsZero() {
		t.Fatalf("expected zero time for unseen key")
	}
	c.Update("1", model.ParamECG, sampleAt(5))
	if c.LastUpdate("1", model.ParamECG).Unix() != 5 {
		t.Fatalf("expected last update to reflect latest ingest")
	}
}

func TestConcurrentUpdatesStayWithinRingBound(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := int64(1); i <= 50; i++ {
				c.Update("1", model.ParamPressureFlow, sampleAt(int64(g)*1000+i))
			}
		}(g)
	}
	wg.Wait()
	if n := c.Len("1", model.ParamPressureFlow); n != Capacity {
		t.Fatalf("expected ring bound %d under concurrent writers, got %d", Capacity, n)
	}
}

func TestDistinctParamsDoNotShareRings(t *testing.T) {
	c := New()
	c.Update("1", model.ParamECG, sampleAt(1))
	if c.Len("1", model.ParamPressureFlow) != 0 {
		t.Fatalf("expected distinct param types to have independent rings")
	}
}
