package cdc

import (
	"sync/atomic"
	"testing"
	"time"

	"vitalstream/internal/activity"
	"vitalstream/internal/cache"
	"vitalstream/internal/dispatch"
	"vitalstream/internal/logging"
	"vitalstream/internal/model"
	"vitalstream/internal/registry"
)

func newTestDecoder() (*Decoder, *cache.SampleCache, *activity.Tracker, *registry.Registry) {
	c := cache.New()
	tr := activity.New(20 * time.Second)
	r := registry.New()
	pool := dispatch.New(1, 10, c, r)
	pool.Start()
	return New(c, tr, r, pool, logging.NewTestLogger()), c, tr, r
}

func TestHandleRoundTripScenarioS1(t *testing.T) {
	d, c, tr, _ := newTestDecoder()

	row := Row{
		Table: "pressure_flow_params",
		Columns: map[string]any{
			"patient_id":      "42",
			"collection_time": 1000.0,
			"parameters": map[string]any{
				"pressure": map[string]any{"values": []any{1.0, 2.0}},
				"flow":     map[string]any{"values": []any{3.0, 4.0}},
			},
		},
	}
	d.Handle(row)

	sample, ok := c.Get("42", model.ParamPressureFlow, nil)
	if !ok {
		t.Fatalf("expected sample in cache after ingest")
	}
	payload, ok := sample.Payload.(model.PressureFlowPayload)
	if !ok {
		t.Fatalf("expected PressureFlowPayload, got %T", sample.Payload)
	}
	if payload.Pressure.Values[0] != 1.0 || payload.Flow.Values[1] != 4.0 {
		t.Fatalf("unexpected decoded payload: %+v", payload)
	}
	if !tr.Get("42", model.ParamPressureFlow).Active {
		t.Fatalf("expected activity marked live after ingest")
	}
}

func TestHandleDropsRowMissingPatientID(t *testing.T) {
	d, c, _, _ := newTestDecoder()
	row := Row{
		Table: "ecg_params",
		Columns: map[string]any{
			"collection_time": 1.0,
			"parameters":      map[string]any{},
		},
	}
	d.Handle(row) // must not panic
	if _, ok := c.Get("anything", model.ParamECG, nil); ok {
		t.Fatalf("expected no sample stored for a row missing patient_id")
	}
}

func TestHandleDropsRowWithBadParameterShape(t *testing.T) {
	d, c, _, _ := newTestDecoder()
	row := Row{
		Table: "ecg_params",
		Columns: map[string]any{
			"patient_id":      "1",
			"collection_time": 1.0,
			"parameters":      12345, // unrecognised shape
		},
	}
	d.Handle(row)
	if _, ok := c.Get("1", model.ParamECG, nil); ok {
		t.Fatalf("expected row dropped, not cached, on decode failure")
	}
}

func TestHandleEnqueuesOnlyWhenSubscribed(t *testing.T) {
	d, c, _, r := newTestDecoder()
	ts := 5.0
	row := Row{
		Table: "mepap_sensor_params",
		Columns: map[string]any{
			"patient_id":      "9",
			"collection_time": ts,
			"parameters":      `{"state":"ok"}`,
		},
	}

	// No subscribers yet: ingest must still update the cache and activity,
	// the gate just skips enqueueing a dispatch event.
	d.Handle(row)
	if _, ok := c.Get("9", model.ParamMePAP, nil); !ok {
		t.Fatalf("expected cache updated regardless of subscriber presence")
	}

	sink := &fakeSink{id: "s", accept: true}
	r.Subscribe("9", []model.ParamType{model.ParamMePAP}, sink)
	d.Handle(row)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sink.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&sink.sent); got != 1 {
		t.Fatalf("expected exactly one frame dispatched once a subscriber exists, got %d", got)
	}
}

type fakeSink struct {
	id     string
	accept bool
	sent   int32
}

func (f *fakeSink) ID() string { return f.id }
func (f *fakeSink) Send(dispatch.Frame) bool {
	atomic.AddInt32(&f.sent, 1)
	return f.accept
}
