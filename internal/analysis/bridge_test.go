package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"vitalstream/internal/config"
	"vitalstream/internal/logging"
)

type fakeEngine struct{}

func (fakeEngine) Run(ctx context.Context, req Request) (Result, error) {
	points := make([]Point, 0, len(req.DeltaPEEP)+1)
	for _, dp := range req.DeltaPEEP {
		points = append(points, Point{DeltaPEEP: dp, PEEP: dp + 5})
	}
	points = append(points, Point{DeltaPEEP: "baseline", PEEP: 5})
	return Result{Points: points}, nil
}

func validRequest() Request {
	pressure := make([]float64, SampleCount)
	flow := make([]float64, SampleCount)
	return Request{Patient: "1", PressureData: pressure, FlowData: flow, DeltaPEEP: []float64{2, 4}, SamplingRate: 125}
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Analysis{PoolSize: 2, RedisAddr: mr.Addr(), AcquireWait: 2 * time.Second}
	b := New(cfg, fakeEngine{}, logging.NewTestLogger())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAnalyzeScenarioValidation(t *testing.T) {
	b := newTestBridge(t)

	req := validRequest()
	req.PressureData = req.PressureData[:100]

	var progressCalls []Progress
	_, err := b.Analyze(context.Background(), "bad-length", req, time.Second, func(p Progress) {
		progressCalls = append(progressCalls, p)
	})
	if err == nil {
		t.Fatalf("expected validation error for wrong-length pressureData")
	}
	if len(progressCalls) != 0 {
		t.Fatalf("expected no progress frames emitted before validation passes")
	}
}

func TestAnalyzeEndToEndProgressSequence(t *testing.T) {
	b := newTestBridge(t)

	var progressCalls []Progress
	result, err := b.Analyze(context.Background(), "analysis-1", validRequest(), 2*time.Second, func(p Progress) {
		progressCalls = append(progressCalls, p)
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(progressCalls) != 3 {
		t.Fatalf("expected 3 progress frames (10%%, 20%%, 100%%), got %d", len(progressCalls))
	}
	if progressCalls[0].Percent != 10 || progressCalls[1].Percent != 20 || progressCalls[2].Percent != 100 {
		t.Fatalf("unexpected progress sequence: %+v", progressCalls)
	}
	if len(result.Points) != 3 {
		t.Fatalf("expected 2 delta_peep points plus trailing baseline, got %d", len(result.Points))
	}
	if result.Points[len(result.Points)-1].DeltaPEEP != "baseline" {
		t.Fatalf("expected trailing baseline point, got %+v", result.Points[len(result.Points)-1])
	}
}
