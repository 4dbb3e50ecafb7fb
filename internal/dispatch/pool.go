// Package dispatch reads newly-ingested samples out of the cache and fans
// them out to subscribed sessions through a bounded, sharded worker pool so
// a single slow client can never stall the pipeline.
package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
	"unicode/utf8"

	"vitalstream/internal/activity"
	"vitalstream/internal/cache"
	"vitalstream/internal/logging"
	"vitalstream/internal/metrics"
	"vitalstream/internal/model"
	"vitalstream/internal/registry"
)

// Event is a pointer into the cache, not a copy of the payload. It is
// enqueued only if the registry currently reports a subscriber for
// (patient, param); the dispatcher must still tolerate zero subscribers by
// delivery time (spec.md §4.5's "not a correctness boundary" note).
type Event struct {
	Patient      string
	Param        model.ParamType
	CollectionTS time.Time
}

func (e Event) shardKey() uint32 {
	h := fnv.New32a()
	h.Write([]byte(e.Patient))
	h.Write([]byte(e.Param))
	return h.Sum32()
}

// Sink is what a subscribed session exposes to the dispatch pool: identity
// for registry bookkeeping, plus a non-blocking send of one outbound frame.
type Sink interface {
	registry.Session
	Send(Frame) bool
}

// shard is a manually-managed bounded FIFO so overflow can drop the oldest
// event for the same (patient, param) rather than the newest-arriving one,
// per spec.md §4.5. A buffered notify channel wakes the worker immediately;
// a ticker is the fallback so shutdown still drains within one tick even if
// a notify is missed.
type shard struct {
	mu       sync.Mutex
	items    []Event
	capacity int
	notify   chan struct{}
}

func newShard(capacity int) *shard {
	return &shard{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (s *shard) push(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.capacity {
		idx := -1
		for i, existing := range s.items {
			if existing.Patient == ev.Patient && existing.Param == ev.Param {
				idx = i
				break
			}
		}
		if idx == -1 {
			//1.- No older event for this key queued: drop the oldest overall
			// rather than block the decoder (documented choice).
			idx = 0
		}
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		dropped = true
	}
	s.items = append(s.items, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *shard) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Event{}, false
	}
	ev := s.items[0]
	s.items = s.items[1:]
	return ev, true
}

// Pool is the bounded event queue plus fixed-size sharded worker pool.
type Pool struct {
	shards   []*shard
	cache    *cache.SampleCache
	registry *registry.Registry
	log      *logging.Logger
	metrics  *metrics.Dispatch

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger attaches a logger for delivery-path diagnostics.
func WithLogger(log *logging.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetrics wires Prometheus collectors for queue depth and drop counts.
func WithMetrics(m *metrics.Dispatch) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New constructs a Pool with workers shards, each bounded to
// queueCapacity/workers events.
func New(workers, queueCapacity int, c *cache.SampleCache, r *registry.Registry, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	perShard := queueCapacity / workers
	if perShard <= 0 {
		perShard = 1
	}
	shards := make([]*shard, workers)
	for i := range shards {
		shards[i] = newShard(perShard)
	}
	p := &Pool{
		shards:   shards,
		cache:    c,
		registry: r,
		log:      logging.L(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue admits a DispatchEvent, routing it by hash(patient, param) to a
// single shard so per-key ordering is preserved without a global lock.
func (p *Pool) Enqueue(ev Event) {
	sh := p.shards[int(ev.shardKey())%len(p.shards)]
	if dropped := sh.push(ev); dropped && p.metrics != nil {
		p.metrics.DroppedEvents.Inc()
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.depth()))
	}
}

func (p *Pool) depth() int {
	total := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		total += len(sh.items)
		sh.mu.Unlock()
	}
	return total
}

// Start launches one goroutine per shard. Call Stop to drain and exit.
func (p *Pool) Start() {
	for i := range p.shards {
		p.wg.Add(1)
		go p.runShard(i)
	}
}

// Stop signals every shard worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

const pollInterval = 200 * time.Millisecond

func (p *Pool) runShard(idx int) {
	defer p.wg.Done()
	sh := p.shards[idx]
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.drain(sh)
			return
		case <-sh.notify:
			p.drain(sh)
		case <-ticker.C:
			p.drain(sh)
		}
	}
}

func (p *Pool) drain(sh *shard) {
	for {
		ev, ok := sh.pop()
		if !ok {
			return
		}
		p.deliver(ev)
	}
}

// outboundFrame is the wire shape for a get_parameters push (spec.md §6).
type outboundFrame struct {
	Type      string  `json:"type"`
	ParamType string  `json:"param_type"`
	Status    string  `json:"status"`
	Code      int     `json:"code"`
	Message   string  `json:"message"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

func (p *Pool) deliver(ev Event) {
	target := ev.CollectionTS
	sample, ok := p.cache.Get(ev.Patient, ev.Param, &target)
	if !ok {
		//1.- Cache has nothing for this key yet; a later event will cover it.
		return
	}

	subscribers := p.registry.Subscribers(ev.Patient, ev.Param)
	if len(subscribers) == 0 {
		//2.- Zero subscribers by delivery time is expected, not an error
		// (spec.md §4.5's gate-soundness note).
		return
	}

	frame := outboundFrame{
		Type:      "get_parameters",
		ParamType: string(ev.Param),
		Status:    "success",
		Code:      200,
		Message:   "Data fetched successfully",
		Data:      sanitise(sample.Payload),
		Timestamp: sample.UnixSeconds(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		p.log.Error("failed to marshal dispatch frame", logging.Error(err), logging.String("patient", ev.Patient))
		return
	}
	wireFrame := compressFrame(raw)

	for _, sub := range subscribers {
		sink, ok := sub.(Sink)
		if !ok {
			continue
		}
		if !sink.Send(wireFrame) && p.metrics != nil {
			p.metrics.SessionOverflow.Inc()
		}
	}
}

// sanitise recursively replaces byte-string keys/values with UTF-8 strings
// and base64-encodes bytes that are not valid UTF-8, per spec.md §4.5 step
// 3. Our model types are already coerced at decode time, so this mostly
// guards payload shapes (map[string]any) built by hand or from a future
// decoder that has not gone through the same normalisation.
func sanitise(payload any) any {
	switch v := payload.(type) {
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return base64.StdEncoding.EncodeToString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = sanitise(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitise(item)
		}
		return out
	default:
		return v
	}
}

// HasAny exposes the registry gate the CDC Decoder consults before
// producing an Event; kept here so callers do not need a direct import of
// internal/registry just to test the enqueue gate.
func HasAny(r *registry.Registry, patient string, param model.ParamType) bool {
	return r.HasAny(patient, param)
}

// MarkLiveAndGate is a convenience used by the CDC Decoder: marks activity
// live for (patient, param) and reports whether the event should be
// enqueued at all (i.e. whether any session is currently subscribed).
func MarkLiveAndGate(tr *activity.Tracker, r *registry.Registry, patient string, param model.ParamType, ts time.Time) bool {
	tr.MarkLive(patient, param, ts)
	return r.HasAny(patient, param)
}
