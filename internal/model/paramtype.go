// Package model defines the typed patient-parameter data shapes the rest of
// the telemetry core operates on: the closed ParamType enumeration, the
// per-type payload variants, and the Sample envelope the cache stores.
package model

import (
	"sort"
	"time"
)

// ParamType is the closed, extensible enumeration of telemetry channels the
// CDC Decoder recognises. Each variant has a fixed normalised payload shape.
type ParamType string

const (
	ParamPressureFlow  ParamType = "pressure_flow"
	ParamECG           ParamType = "ECG"
	ParamBreathCycle   ParamType = "breath_cycle"
	ParamMePAP         ParamType = "MePAP"
	ParamECGQRSInfo    ParamType = "ECG_QRS_INFO"
	ParamPhotodiode    ParamType = "photodiode"
)

// Tables maps the upstream replication table name to the ParamType it feeds.
// The CDC decoder drops rows from any table not listed here; the replication
// source itself filters to the configured REPL_ALLOWED_TABLES, whose default
// names the same six tables.
var Tables = map[string]ParamType{
	"pressure_flow_params": ParamPressureFlow,
	"ecg_params":           ParamECG,
	"ella_sensor_params":   ParamBreathCycle,
	"mepap_sensor_params":  ParamMePAP,
	"ecg_model_output":     ParamECGQRSInfo,
	"photodiode_params":    ParamPhotodiode,
}

// AllowedTableNames returns the table allow-list in a stable order, suitable
// for handing to a replication source's only_tables filter.
func AllowedTableNames() []string {
	names := make([]string, 0, len(Tables))
	for name := range Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Valid reports whether t is one of the known ParamType variants.
func (t ParamType) Valid() bool {
	switch t {
	case ParamPressureFlow, ParamECG, ParamBreathCycle, ParamMePAP, ParamECGQRSInfo, ParamPhotodiode:
		return true
	default:
		return false
	}
}

func (t ParamType) String() string {
	return string(t)
}

// ParamPayload is implemented by each ParamType's typed payload struct. It
// carries no behaviour beyond the marker method; callers type-switch on the
// concrete type when they need field access, and JSON-encode it as-is when
// assembling an outbound frame.
type ParamPayload interface {
	paramPayload()
}

// PressureFlowPayload is the typed shape of a pressure_flow_params row.
type PressureFlowPayload struct {
	Pressure WaveformChannel `json:"pressure"`
	Flow     WaveformChannel `json:"flow"`
}

func (PressureFlowPayload) paramPayload() {}

// WaveformChannel is a single named waveform with its sample unit.
type WaveformChannel struct {
	Unit   string    `json:"unit,omitempty"`
	Values []float64 `json:"values"`
}

// ECGPayload is the four-channel ECG bundle: ecg, emg, impedance, eeg. This
// is the fuller decoder variant (see the CDC decoder's per-table
// normaliser); the single-channel predecessor is not modelled.
type ECGPayload struct {
	ECG       WaveformChannel `json:"ecg"`
	EMG       WaveformChannel `json:"emg"`
	Impedance WaveformChannel `json:"impedance"`
	EEG       WaveformChannel `json:"eeg"`
}

func (ECGPayload) paramPayload() {}

// BreathCyclePayload is the normalised ella_sensor_params shape. The source
// table carries a loosely structured JSON document; Fields retains whatever
// keys survive normalisation without forcing a fixed schema the device
// protocol does not itself guarantee.
type BreathCyclePayload struct {
	Fields map[string]any `json:"fields"`
}

func (BreathCyclePayload) paramPayload() {}

// MePAPPayload is the normalised mepap_sensor_params shape.
type MePAPPayload struct {
	Fields map[string]any `json:"fields"`
}

func (MePAPPayload) paramPayload() {}

// ECGModelOutputPayload combines the independently-normalised analysis and
// vitals documents from ecg_model_output into one bundle.
type ECGModelOutputPayload struct {
	Analysis map[string]any `json:"analysis"`
	Vitals   map[string]any `json:"vitals"`
}

func (ECGModelOutputPayload) paramPayload() {}

// PhotodiodePayload is the normalised photodiode_params shape.
type PhotodiodePayload struct {
	Fields map[string]any `json:"fields"`
}

func (PhotodiodePayload) paramPayload() {}

// Sample is one decoded, timestamped payload for one (patient, param). It is
// immutable once constructed; CollectionTS is the upstream device
// timestamp, never arrival time.
type Sample struct {
	Payload      ParamPayload
	CollectionTS time.Time
}

// UnixSeconds renders CollectionTS as the numeric seconds-since-epoch the
// wire protocol uses for timestamps.
func (s Sample) UnixSeconds() float64 {
	return float64(s.CollectionTS.UnixNano()) / 1e9
}
