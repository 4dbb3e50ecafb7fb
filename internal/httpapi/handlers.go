// Package httpapi exposes the REST surface that shares the process with
// the websocket core: patient directory reads/writes and PEEP history,
// plus a Prometheus /metrics endpoint (spec.md §6 HTTP surface — "non-core,
// specified only because it shares the process"). Grounded on the teacher's
// Options/HandlerSet construction pattern.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vitalstream/internal/logging"
	"vitalstream/internal/metrics"
	"vitalstream/internal/patients"
	"vitalstream/internal/snapshotstore"
)

// Options configures the HandlerSet.
type Options struct {
	Logger    *logging.Logger
	Patients  *patients.Repository
	Snapshots *snapshotstore.Store
	Metrics   *metrics.Registry
}

// HandlerSet bundles the REST handlers.
type HandlerSet struct {
	logger    *logging.Logger
	patients  *patients.Repository
	snapshots *snapshotstore.Store
	metrics   *metrics.Registry
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &HandlerSet{
		logger:    logger,
		patients:  opts.Patients,
		snapshots: opts.Snapshots,
		metrics:   opts.Metrics,
	}
}

// Register attaches all handlers to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	mux.HandleFunc("/patients", h.patientsHandler())
	mux.HandleFunc("/patients/", h.patientByIDHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
}

func (h *HandlerSet) patientsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		list, err := h.patients.List(r.Context())
		if err != nil {
			h.logger.Error("list patients failed", logging.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// patientByIDHandler dispatches /patients/{id}, /patients/{id}/records[...]
// and /patients/{id}/peep_history by trimming the matched prefix, following
// the teacher's flat-mux-plus-manual-prefix-split style rather than pulling
// in a router dependency for three subpaths.
func (h *HandlerSet) patientByIDHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/patients/")
		if rest == "" {
			http.NotFound(w, r)
			return
		}
		segments := strings.SplitN(rest, "/", 2)
		patientID := segments[0]

		if len(segments) == 1 {
			h.handlePatientRecord(w, r, patientID)
			return
		}

		switch segments[1] {
		case "peep_history":
			h.handlePeepHistory(w, r, patientID)
		default:
			// /records and /records/{id} are intentionally out of scope: the
			// spec names them only as a non-core surface and the underlying
			// clinical-record store has no concrete schema in this system.
			http.NotFound(w, r)
		}
	}
}

func (h *HandlerSet) handlePatientRecord(w http.ResponseWriter, r *http.Request, patientID string) {
	switch r.Method {
	case http.MethodGet:
		rec, err := h.patients.Get(r.Context(), patientID)
		if err == patients.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			h.logger.Error("get patient failed", logging.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		var rec patients.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		rec.PatientID = patientID
		err := h.patients.Update(r.Context(), rec)
		if err == patients.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			h.logger.Error("update patient failed", logging.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HandlerSet) handlePeepHistory(w http.ResponseWriter, r *http.Request, patientID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history, err := h.snapshots.History(r.Context(), patientID, time.Now())
	if err != nil {
		h.logger.Error("peep history query failed", logging.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
