// Package cdc consumes the replication-log stream and normalises each
// row-insert event into a typed sample, updating the shared cache, activity
// tracker, and dispatch queue. Decode faults are row-local: they are logged
// and the row is dropped, never aborting the stream (spec.md §4.1, §7).
package cdc

import (
	"fmt"
	"time"

	"vitalstream/internal/activity"
	"vitalstream/internal/cache"
	"vitalstream/internal/dispatch"
	"vitalstream/internal/logging"
	"vitalstream/internal/model"
	"vitalstream/internal/registry"
)

// Row is one decoded replication row, already split into the generic
// columns every table carries plus the table-specific parameter columns
// handed to the per-table normaliser. Table drivers (mysql_source.go)
// translate the underlying replication library's row representation into
// this shape before calling Decoder.Handle.
type Row struct {
	Table     string
	Columns   map[string]any
}

// Decoder owns the shared state the pipeline mutates on every ingest: the
// sample cache, the activity tracker, the subscription registry (consulted
// only for the enqueue gate), and the dispatch pool.
type Decoder struct {
	cache    *cache.SampleCache
	activity *activity.Tracker
	registry *registry.Registry
	pool     *dispatch.Pool
	log      *logging.Logger
}

// New constructs a Decoder wired to the shared pipeline state.
func New(c *cache.SampleCache, tr *activity.Tracker, r *registry.Registry, p *dispatch.Pool, log *logging.Logger) *Decoder {
	if log == nil {
		log = logging.L()
	}
	return &Decoder{cache: c, activity: tr, registry: r, pool: p, log: log}
}

// Handle processes one replication row end-to-end: extract identity
// columns, normalise the parameter payload for its table, update the cache,
// mark activity live, and enqueue a dispatch event iff a subscriber is
// currently interested. Any error is row-local and already logged by the
// time Handle returns.
func (d *Decoder) Handle(row Row) {
	patientID, ts, err := extractIdentity(row.Columns)
	if err != nil {
		//1.- Missing identity fields: log and drop the row, continue streaming.
		d.log.Warn("dropping row: missing identity fields",
			logging.String("table", row.Table), logging.Error(err))
		return
	}

	paramType, ok := model.Tables[row.Table]
	if !ok {
		d.log.Warn("dropping row: unrecognised table", logging.String("table", row.Table))
		return
	}

	payload, err := normalise(row.Table, row.Columns)
	if err != nil {
		d.log.Warn("dropping row: normalisation failed",
			logging.String("table", row.Table), logging.String("patient_id", patientID), logging.Error(err))
		return
	}

	sample := model.Sample{Payload: payload, CollectionTS: ts}
	d.cache.Update(patientID, paramType, sample)

	shouldEnqueue := dispatch.MarkLiveAndGate(d.activity, d.registry, patientID, paramType, ts)
	if shouldEnqueue {
		d.pool.Enqueue(dispatch.Event{Patient: patientID, Param: paramType, CollectionTS: ts})
	}
}

func extractIdentity(columns map[string]any) (patientID string, ts time.Time, err error) {
	rawPatient, ok := columns["patient_id"]
	if !ok {
		return "", time.Time{}, fmt.Errorf("missing patient_id")
	}
	patientID = fmt.Sprintf("%v", rawPatient)

	rawTS, ok := columns["collection_time"]
	if !ok {
		return "", time.Time{}, fmt.Errorf("missing collection_time")
	}
	ts, err = coerceTimestamp(rawTS)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("collection_time: %w", err)
	}
	return patientID, ts, nil
}

func coerceTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case float64:
		return time.Unix(0, int64(v*1e9)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected collection_time type %T", raw)
	}
}

func normalise(table string, columns map[string]any) (model.ParamPayload, error) {
	switch table {
	case "pressure_flow_params":
		return model.DecodePressureFlow(columns["parameters"])
	case "ecg_params":
		return model.DecodeECG(columns["parameters"])
	case "ella_sensor_params":
		return model.DecodeBreathCycle(columns["parameters"])
	case "mepap_sensor_params":
		return model.DecodeMePAP(columns["parameters"])
	case "ecg_model_output":
		return model.DecodeECGModelOutput(columns["analysis_data"], columns["vitals_data"])
	case "photodiode_params":
		return model.DecodePhotodiode(columns["parameters"])
	default:
		return nil, fmt.Errorf("no normaliser registered for table %q", table)
	}
}
