package model

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a row-local normalisation fault: a malformed parameter
// blob that should be logged and dropped, never one that aborts the stream.
type DecodeError struct {
	Table  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Table, e.Reason)
}

// coerceText normalises a raw column value that arrives as []byte or string
// into a string; any other type reports false. This is
// the single helper spec.md §9 asks for: the rest of the decoder only ever
// sees well-typed data after calling it.
func coerceText(raw any) (string, bool) {
	switch v := raw.(type) {
	case []byte:
		return string(v), true
	case string:
		return v, true
	default:
		return "", false
	}
}

// coerceMap normalises a raw parameter column into a map[string]any,
// accepting an already-structured map, a JSON text string, or JSON bytes.
// Keys and leaf string values nested inside are themselves coerced from
// bytes to UTF-8 text. Returns an error when the shape is unrecognised.
func coerceMap(table string, raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return normaliseLeaves(v), nil
	case []byte:
		return decodeJSONMap(table, string(v))
	case string:
		return decodeJSONMap(table, v)
	default:
		return nil, &DecodeError{Table: table, Reason: fmt.Sprintf("unrecognised parameter shape %T", raw)}
	}
}

func decodeJSONMap(table, text string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &DecodeError{Table: table, Reason: "invalid JSON: " + err.Error()}
	}
	return normaliseLeaves(parsed), nil
}

// normaliseLeaves walks a decoded map and coerces any []byte leaves (keys or
// values) to UTF-8 strings, recursing into nested maps and slices so the
// rest of the system never has to special-case bytes again.
func normaliseLeaves(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normaliseValue(v)
	}
	return out
}

func normaliseValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case map[string]any:
		return normaliseLeaves(val)
	case []any:
		normalised := make([]any, len(val))
		for i, item := range val {
			normalised[i] = normaliseValue(item)
		}
		return normalised
	default:
		return val
	}
}

// floatValues extracts a "values" numeric array from a normalised map as
// 64-bit floats, preserving order. Accepts []float64 (already typed) or
// []any holding json.Number/float64/int leaves.
func floatValues(m map[string]any, key string) ([]float64, error) {
	raw, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("missing %q", key)
	}
	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, item := range v {
			f, err := toFloat64(item)
			if err != nil {
				return nil, fmt.Errorf("%q[%d]: %w", key, i, err)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%q has unexpected type %T", key, raw)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := coerceText(v); ok {
			return s
		}
	}
	return ""
}

func waveformChannel(m map[string]any, key string) (WaveformChannel, error) {
	raw, ok := m[key]
	if !ok {
		return WaveformChannel{}, fmt.Errorf("missing channel %q", key)
	}
	channelMap, ok := raw.(map[string]any)
	if !ok {
		return WaveformChannel{}, fmt.Errorf("channel %q has unexpected shape %T", key, raw)
	}
	values, err := floatValues(channelMap, "values")
	if err != nil {
		return WaveformChannel{}, fmt.Errorf("channel %q: %w", key, err)
	}
	return WaveformChannel{Unit: stringField(channelMap, "unit"), Values: values}, nil
}

// DecodePressureFlow normalises a pressure_flow_params row's raw parameter
// column into a typed payload.
func DecodePressureFlow(raw any) (PressureFlowPayload, error) {
	m, err := coerceMap("pressure_flow_params", raw)
	if err != nil {
		return PressureFlowPayload{}, err
	}
	pressure, err := waveformChannel(m, "pressure")
	if err != nil {
		return PressureFlowPayload{}, &DecodeError{Table: "pressure_flow_params", Reason: err.Error()}
	}
	flow, err := waveformChannel(m, "flow")
	if err != nil {
		return PressureFlowPayload{}, &DecodeError{Table: "pressure_flow_params", Reason: err.Error()}
	}
	return PressureFlowPayload{Pressure: pressure, Flow: flow}, nil
}

// DecodeECG normalises an ecg_params row into the four-channel bundle
// (ecg, emg, impedance, eeg) — the fuller decoder variant per spec.md §9.
func DecodeECG(raw any) (ECGPayload, error) {
	m, err := coerceMap("ecg_params", raw)
	if err != nil {
		return ECGPayload{}, err
	}
	out := ECGPayload{}
	for _, ch := range []struct {
		name string
		dst  *WaveformChannel
	}{
		{"ecg", &out.ECG},
		{"emg", &out.EMG},
		{"impedance", &out.Impedance},
		{"eeg", &out.EEG},
	} {
		channel, err := waveformChannel(m, ch.name)
		if err != nil {
			return ECGPayload{}, &DecodeError{Table: "ecg_params", Reason: err.Error()}
		}
		*ch.dst = channel
	}
	return out, nil
}

// DecodeBreathCycle normalises an ella_sensor_params row.
func DecodeBreathCycle(raw any) (BreathCyclePayload, error) {
	m, err := coerceMap("ella_sensor_params", raw)
	if err != nil {
		return BreathCyclePayload{}, err
	}
	return BreathCyclePayload{Fields: m}, nil
}

// DecodeMePAP normalises a mepap_sensor_params row.
func DecodeMePAP(raw any) (MePAPPayload, error) {
	m, err := coerceMap("mepap_sensor_params", raw)
	if err != nil {
		return MePAPPayload{}, err
	}
	return MePAPPayload{Fields: m}, nil
}

// DecodeECGModelOutput normalises an ecg_model_output row's two independent
// JSON-shaped columns into one combined bundle.
func DecodeECGModelOutput(rawAnalysis, rawVitals any) (ECGModelOutputPayload, error) {
	analysis, err := coerceMap("ecg_model_output", rawAnalysis)
	if err != nil {
		return ECGModelOutputPayload{}, err
	}
	vitals, err := coerceMap("ecg_model_output", rawVitals)
	if err != nil {
		return ECGModelOutputPayload{}, err
	}
	return ECGModelOutputPayload{Analysis: analysis, Vitals: vitals}, nil
}

// DecodePhotodiode normalises a photodiode_params row.
func DecodePhotodiode(raw any) (PhotodiodePayload, error) {
	m, err := coerceMap("photodiode_params", raw)
	if err != nil {
		return PhotodiodePayload{}, err
	}
	return PhotodiodePayload{Fields: m}, nil
}
