package dispatch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"vitalstream/internal/cache"
	"vitalstream/internal/model"
	"vitalstream/internal/registry"
)

type fakeSink struct {
	id      string
	mu      sync.Mutex
	frames  []Frame
	accept  bool
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id, accept: true} }

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) Send(frame Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) received() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFanOutScenarioS4(t *testing.T) {
	c := cache.New()
	r := registry.New()
	ts := time.Unix(1000, 0).UTC()
	c.Update("5", model.ParamECG, model.Sample{
		Payload:      model.ECGPayload{ECG: model.WaveformChannel{Values: []float64{1}}},
		CollectionTS: ts,
	})

	sinks := []*fakeSink{newFakeSink("a"), newFakeSink("b"), newFakeSink("c")}
	for _, s := range sinks {
		r.Subscribe("5", []model.ParamType{model.ParamECG}, s)
	}

	pool := New(2, 100, c, r)
	pool.Start()
	defer pool.Stop()

	pool.Enqueue(Event{Patient: "5", Param: model.ParamECG, CollectionTS: ts})

	waitFor(t, func() bool {
		for _, s := range sinks {
			if len(s.received()) != 1 {
				return false
			}
		}
		return true
	})

	var first []byte
	for _, s := range sinks {
		frames := s.received()
		raw, err := Decode(frames[0])
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if first == nil {
			first = raw
		} else if string(raw) != string(first) {
			t.Fatalf("expected identical frames across subscribers")
		}
	}

	var decoded map[string]any
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded["type"] != "get_parameters" {
		t.Fatalf("unexpected frame type: %v", decoded["type"])
	}
	if decoded["timestamp"] != float64(1000) {
		t.Fatalf("expected numeric seconds-since-epoch timestamp 1000.0, got %v (%T)", decoded["timestamp"], decoded["timestamp"])
	}
}

func TestDeliverDropsWithoutCacheEntry(t *testing.T) {
	c := cache.New()
	r := registry.New()
	sink := newFakeSink("a")
	r.Subscribe("1", []model.ParamType{model.ParamECG}, sink)

	pool := New(1, 10, c, r)
	pool.Start()
	defer pool.Stop()

	pool.Enqueue(Event{Patient: "1", Param: model.ParamECG, CollectionTS: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if len(sink.received()) != 0 {
		t.Fatalf("expected no frame delivered when cache has no matching entry")
	}
}

func TestDeliverToleratesZeroSubscribersAtDeliveryTime(t *testing.T) {
	c := cache.New()
	r := registry.New()
	ts := time.Now()
	c.Update("1", model.ParamECG, model.Sample{Payload: model.ECGPayload{}, CollectionTS: ts})

	pool := New(1, 10, c, r)
	pool.Start()
	defer pool.Stop()

	// No subscribers registered at all: delivery must not panic or block.
	pool.Enqueue(Event{Patient: "1", Param: model.ParamECG, CollectionTS: ts})
	time.Sleep(50 * time.Millisecond)
}

func TestShardPushDropsOldestForSameKeyUnderOverflow(t *testing.T) {
	sh := newShard(2)
	sh.push(Event{Patient: "1", Param: model.ParamECG, CollectionTS: time.Unix(1, 0)})
	sh.push(Event{Patient: "2", Param: model.ParamECG, CollectionTS: time.Unix(2, 0)})
	dropped := sh.push(Event{Patient: "1", Param: model.ParamECG, CollectionTS: time.Unix(3, 0)})
	if !dropped {
		t.Fatalf("expected overflow to report a drop")
	}

	ev, ok := sh.pop()
	if !ok || ev.Patient != "2" {
		t.Fatalf("expected patient 2's event to survive, got %+v ok=%v", ev, ok)
	}
	ev, ok = sh.pop()
	if !ok || ev.Patient != "1" || ev.CollectionTS.Unix() != 3 {
		t.Fatalf("expected patient 1's newest event to survive, got %+v ok=%v", ev, ok)
	}
}

func TestSanitiseEncodesInvalidUTF8AsBase64(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	out := sanitise(map[string]any{"blob": invalid})
	m := out.(map[string]any)
	if _, ok := m["blob"].(string); !ok {
		t.Fatalf("expected invalid utf8 bytes encoded as string, got %T", m["blob"])
	}
}
