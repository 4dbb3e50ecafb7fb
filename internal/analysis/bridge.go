// Package analysis bridges deltaPEEP analysis requests to the external
// numeric engine pool over Redis/asynq, adapting asynq's push-based handler
// model into a pull/await API keyed by request id (spec.md §6 Analysis
// Bridge). The engine itself is out of process; Engine is the narrow seam a
// real adapter plugs into.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"vitalstream/internal/config"
	"vitalstream/internal/logging"
)

const taskType = "analysis:run"

// SampleCount is the exact waveform length the original MATLAB adapter
// requires; pressureData and flowData must each carry exactly this many
// samples (spec.md §6).
const SampleCount = 2501

// Request carries one deltaPEEP analysis job.
type Request struct {
	Patient      string    `json:"patient"`
	PressureData []float64 `json:"pressure_data"`
	FlowData     []float64 `json:"flow_data"`
	DeltaPEEP    []float64 `json:"delta_peep"`
	SamplingRate int       `json:"sampling_rate"`
}

// Validate enforces the fixed-length waveform contract.
func (r Request) Validate() error {
	if len(r.PressureData) != SampleCount {
		return fmt.Errorf("pressureData must carry exactly %d samples, got %d", SampleCount, len(r.PressureData))
	}
	if len(r.FlowData) != SampleCount {
		return fmt.Errorf("flowData must carry exactly %d samples, got %d", SampleCount, len(r.FlowData))
	}
	if len(r.DeltaPEEP) == 0 {
		return fmt.Errorf("deltaPEEP must carry at least one value")
	}
	return nil
}

// Waveforms holds the two predicted curves returned per delta_peep value.
type Waveforms struct {
	PPredictOD []float64 `json:"P_predict_OD"`
	VPredictOD []float64 `json:"V_predict_OD"`
}

// Parameters holds the scalar fit outputs returned per delta_peep value.
type Parameters struct {
	OD     float64 `json:"OD"`
	K2     float64 `json:"K2"`
	K2End  float64 `json:"K2end"`
	Cdyn   float64 `json:"Cdyn"`
	Vfrc   float64 `json:"Vfrc"`
	MVPower float64 `json:"MVpower"`
}

// Point is one entry of the result list: one per requested delta_peep value,
// plus a trailing entry whose DeltaPEEP is the literal string "baseline".
type Point struct {
	DeltaPEEP  any        `json:"deltaPEEP"`
	PEEP       float64    `json:"PEEP"`
	Waveforms  Waveforms  `json:"waveforms"`
	Parameters Parameters `json:"parameters"`
}

// Result is the full engine response for one request.
type Result struct {
	Points []Point `json:"points"`
}

// Engine is the seam a concrete MATLAB-pool adapter implements. Bridge never
// talks to the engine directly; it runs Engine.Run inside an asynq handler
// so PoolSize maps onto the handler's concurrency.
type Engine interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// UnavailableEngine is the default Engine until a real MATLAB-pool adapter
// is wired in; the numeric method itself is out of scope for this system
// (spec.md §4.7).
type UnavailableEngine struct{}

func (UnavailableEngine) Run(ctx context.Context, req Request) (Result, error) {
	return Result{}, fmt.Errorf("analysis engine not configured")
}

// Progress is one of the three staged progress notifications a caller
// receives while a request is in flight (spec.md §6: 10%, 20%, 100%).
type Progress struct {
	AnalysisID string
	Status     string
	Code       int
	Message    string
	Percent    int
	Data       *Result
}

// Bridge adapts the push-based asynq handler model into a synchronous
// Analyze call, grounded on the AsynqQueueClient pattern of bridging tasks
// through an internal channel keyed by request id.
type Bridge struct {
	client  *asynq.Client
	srv     *asynq.Server
	log     *logging.Logger
	mu      sync.Mutex
	waiters map[string]chan asynqResult
}

type asynqResult struct {
	result Result
	err    error
}

// New constructs a Bridge backed by Redis/asynq, running the engine inside
// an in-process handler pool sized to cfg.PoolSize.
func New(cfg config.Analysis, engine Engine, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.L()
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	b := &Bridge{
		client:  asynq.NewClient(redisOpt),
		log:     log,
		waiters: make(map[string]chan asynqResult),
	}

	b.srv = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.PoolSize,
		Queues:      map[string]int{"analysis": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			log.Error("analysis task failed", logging.Error(err))
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskType, b.handle(engine))

	go func() {
		if err := b.srv.Run(mux); err != nil {
			log.Error("analysis asynq server exited", logging.Error(err))
		}
	}()

	return b
}

func (b *Bridge) handle(engine Engine) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var envelope struct {
			ID  string  `json:"id"`
			Req Request `json:"req"`
		}
		if err := json.Unmarshal(t.Payload(), &envelope); err != nil {
			return fmt.Errorf("decode analysis task payload: %w", err)
		}

		result, err := engine.Run(ctx, envelope.Req)

		b.mu.Lock()
		ch, ok := b.waiters[envelope.ID]
		delete(b.waiters, envelope.ID)
		b.mu.Unlock()
		if ok {
			ch <- asynqResult{result: result, err: err}
		}
		return err
	}
}

// Analyze enqueues req and blocks until the engine pool returns a result or
// acquireWait elapses, reporting progress frames as they become available.
// Progress percentages follow the original service's three-stage sequence:
// 10% and 20% once validation passes (before the job is enqueued), 100% with
// the final result. A request that fails validation emits no progress.
func (b *Bridge) Analyze(ctx context.Context, analysisID string, req Request, acquireWait time.Duration, progress func(Progress)) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	b.log.Info("analysis job enqueued",
		logging.String("analysis_id", analysisID),
		logging.String(logging.TraceIDField, logging.TraceIDFromContext(ctx)))
	progress(Progress{AnalysisID: analysisID, Status: "processing", Code: 10, Message: "Analysis started", Percent: 10})
	progress(Progress{AnalysisID: analysisID, Status: "processing", Code: 20, Message: "Data validation passed", Percent: 20})

	payload, err := json.Marshal(struct {
		ID  string  `json:"id"`
		Req Request `json:"req"`
	}{ID: analysisID, Req: req})
	if err != nil {
		return Result{}, fmt.Errorf("encode analysis task: %w", err)
	}

	resCh := make(chan asynqResult, 1)
	b.mu.Lock()
	b.waiters[analysisID] = resCh
	b.mu.Unlock()

	if _, err := b.client.Enqueue(asynq.NewTask(taskType, payload), asynq.Queue("analysis")); err != nil {
		b.mu.Lock()
		delete(b.waiters, analysisID)
		b.mu.Unlock()
		return Result{}, fmt.Errorf("enqueue analysis task: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, acquireWait)
	defer cancel()

	select {
	case res := <-resCh:
		if res.err != nil {
			return Result{}, res.err
		}
		progress(Progress{AnalysisID: analysisID, Status: "success", Code: 100, Message: "Analysis completed", Percent: 100, Data: &res.result})
		return res.result, nil
	case <-waitCtx.Done():
		b.mu.Lock()
		delete(b.waiters, analysisID)
		b.mu.Unlock()
		return Result{}, fmt.Errorf("analysis engine pool: %w", waitCtx.Err())
	}
}

// Close releases the asynq client and server resources.
func (b *Bridge) Close() error {
	b.srv.Shutdown()
	return b.client.Close()
}
