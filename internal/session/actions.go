package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"vitalstream/internal/analysis"
	"vitalstream/internal/logging"
	"vitalstream/internal/model"
	"vitalstream/internal/snapshotstore"
)

func (s *Session) dispatchAction(ctx context.Context, action string, raw []byte) {
	switch action {
	case "get_patients":
		s.handleGetPatients(ctx)
	case "get_parameters":
		s.handleGetParameters(raw)
	case "analyze_deltaPEEP":
		s.handleAnalyzeDeltaPEEP(ctx, raw)
	case "stop":
		s.handleStop()
	case "deepseek_chat":
		s.handleDeepseekChat(ctx, raw)
	case "store_peep_snapshot":
		s.handleStorePeepSnapshot(ctx, raw)
	default:
		s.log.Debug("dropping unrecognised action", logging.String("action", action))
	}
}

func (s *Session) handleGetPatients(ctx context.Context) {
	list, err := s.deps.Patients.List(ctx)
	if err != nil {
		s.sendJSON(failureFrame("get_patient_list", 500, "failed to load patient directory"))
		return
	}
	s.sendJSON(map[string]any{
		"type":    "get_patient_list",
		"status":  "success",
		"code":    200,
		"message": "Patients fetched successfully",
		"data":    list,
	})
}

type getParametersRequest struct {
	PatientID string            `json:"patient_id"`
	ParamType []model.ParamType `json:"param_type"`
}

func (s *Session) handleGetParameters(raw []byte) {
	var req getParametersRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.PatientID == "" || len(req.ParamType) == 0 {
		s.sendJSON(failureFrame("get_parameters", 400, "invalid params: patient_id and param_type are required"))
		return
	}

	if inactive := s.deps.Activity.Inactive(req.PatientID, req.ParamType); len(inactive) > 0 {
		names := make([]string, len(inactive))
		for i, p := range inactive {
			names[i] = string(p)
		}
		s.log.Debug("rejecting get_parameters for inactive params",
			logging.String("patient_id", req.PatientID), logging.Strings("inactive", names))
		s.sendJSON(map[string]any{
			"type":    "get_parameters",
			"status":  "failure",
			"code":    400,
			"message": "Current device not connected: " + req.PatientID + " -- " + strings.Join(names, ", ") + " inactive",
			"data":    inactive,
		})
		return
	}

	s.deps.Registry.Subscribe(req.PatientID, req.ParamType, s)
	s.sendJSON(map[string]any{
		"type":    "get_parameters",
		"status":  "success",
		"code":    200,
		"message": "subscribed",
	})
}

type analyzeRequest struct {
	PatientID    string    `json:"patient_id"`
	PressureData []float64 `json:"pressureData"`
	FlowData     []float64 `json:"flowData"`
	DeltaPEEP    []float64 `json:"deltaPEEP"`
}

func (s *Session) handleAnalyzeDeltaPEEP(ctx context.Context, raw []byte) {
	var req analyzeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendJSON(failureFrame("analyze_deltaPEEP", 400, "invalid JSON payload"))
		return
	}

	analysisID := uuid.NewString()
	breq := analysis.Request{
		Patient:      req.PatientID,
		PressureData: req.PressureData,
		FlowData:     req.FlowData,
		DeltaPEEP:    req.DeltaPEEP,
		SamplingRate: 125,
	}
	if err := breq.Validate(); err != nil {
		s.sendJSON(failureFrame("analyze_deltaPEEP", 400, "invalid params: "+err.Error()))
		return
	}

	_, err := s.deps.Analysis.Analyze(ctx, analysisID, breq, s.deps.AcquireWait, func(p analysis.Progress) {
		frame := map[string]any{
			"type":        "analyze_deltaPEEP",
			"status":      p.Status,
			"code":        p.Code,
			"message":     p.Message,
			"analysis_id": p.AnalysisID,
		}
		if p.Data != nil {
			frame["data"] = p.Data
		}
		s.sendJSON(frame)
	})
	if err != nil {
		s.sendJSON(map[string]any{
			"type":        "analyze_deltaPEEP",
			"status":      "failure",
			"code":        500,
			"message":     "Analysis failed: " + err.Error(),
			"analysis_id": analysisID,
		})
	}
}

func (s *Session) handleStop() {
	s.deps.Registry.UnsubscribeAll(s)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Session) handleDeepseekChat(ctx context.Context, raw []byte) {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
		s.sendJSON(failureFrame("deepseek_response", 400, "message is required"))
		return
	}

	// The per-action context is cancelled as soon as dispatchAction returns;
	// the async reply keeps its values (trace id) but not its cancellation.
	chatCtx := context.WithoutCancel(ctx)
	go func() {
		reply, err := s.deps.Chat.Complete(chatCtx, req.Message)
		if err != nil {
			s.sendJSON(map[string]any{
				"type": "deepseek_response", "status": "failure", "code": 500,
				"message": "chat request failed: " + err.Error(),
			})
			return
		}
		s.sendJSON(map[string]any{
			"type": "deepseek_response", "status": "success", "code": 200,
			"message": "Success", "data": reply, "timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}()
}

type storeSnapshotRequest struct {
	PatientID          string   `json:"patient_id"`
	RecordTime         string   `json:"record_time"`
	AvgCurrentPEEP     *float64 `json:"avg_current_peep"`
	AvgRecommendedPEEP *float64 `json:"avg_recommended_peep"`
}

func (s *Session) handleStorePeepSnapshot(ctx context.Context, raw []byte) {
	var req storeSnapshotRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.PatientID == "" {
		s.sendJSON(failureFrame("peep_history", 400, "patient_id is required"))
		return
	}

	if req.AvgCurrentPEEP != nil || req.AvgRecommendedPEEP != nil {
		recordTime, err := time.Parse(time.RFC3339, req.RecordTime)
		if err != nil {
			s.sendJSON(failureFrame("peep_history", 400, "record_time must be ISO-8601 Z"))
			return
		}
		snap := snapshotstore.Snapshot{
			Patient:            req.PatientID,
			RecordTime:         recordTime,
			AvgCurrentPEEP:     req.AvgCurrentPEEP,
			AvgRecommendedPEEP: req.AvgRecommendedPEEP,
		}
		if err := s.deps.Snapshots.Upsert(ctx, snap); err != nil {
			s.sendJSON(failureFrame("peep_history", 500, "failed to store snapshot"))
			return
		}
	}

	history, err := s.deps.Snapshots.History(ctx, req.PatientID, time.Now())
	if err != nil {
		s.sendJSON(failureFrame("peep_history", 500, "failed to load history"))
		return
	}

	times := make([]string, len(history))
	current := make([]*float64, len(history))
	recommended := make([]*float64, len(history))
	for i, h := range history {
		times[i] = h.RecordTime.UTC().Format(time.RFC3339)
		current[i] = h.AvgCurrentPEEP
		recommended[i] = h.AvgRecommendedPEEP
	}

	s.sendJSON(map[string]any{
		"type":    "peep_history",
		"status":  "success",
		"code":    200,
		"message": "history fetched successfully",
		"data": map[string]any{
			"times":       times,
			"current":     current,
			"recommended": recommended,
		},
	})
}

func failureFrame(frameType string, code int, message string) map[string]any {
	return map[string]any{
		"type":    frameType,
		"status":  "failure",
		"code":    code,
		"message": message,
	}
}
