package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vitalstream/internal/activity"
	"vitalstream/internal/cache"
	"vitalstream/internal/dispatch"
	"vitalstream/internal/logging"
	"vitalstream/internal/model"
	"vitalstream/internal/registry"
)

func TestSessionRejectsOverCapacityWithCloseCode(t *testing.T) {
	deps := Deps{
		Cache:    cache.New(),
		Registry: registry.New(),
		Activity: activity.New(20 * time.Second),
		Log:      logging.NewTestLogger(),
	}
	mgr := NewManager(deps, 1)
	srv := httptest.NewServer(http.HandlerFunc(mgr.ServeHTTP))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	time.Sleep(20 * time.Millisecond) // let the server register the connected count

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, closeOverloaded) {
		t.Fatalf("expected second connection to be closed with code %d once at capacity, got %v", closeOverloaded, err)
	}
}

func newTestSession() (*Session, *registry.Registry, *activity.Tracker) {
	r := registry.New()
	tr := activity.New(20 * time.Second)
	s := &Session{
		id:   "sess-1",
		send: make(chan dispatch.Frame, 4),
		deps: Deps{Registry: r, Activity: tr, Log: logging.NewTestLogger()},
		log:  logging.NewTestLogger(),
	}
	return s, r, tr
}

func (s *Session) readFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-s.send:
		raw, err := dispatch.Decode(frame)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return decoded
	case <-time.After(time.Second):
		t.Fatalf("expected a reply frame")
		return nil
	}
}

func TestGetParametersRejectsInactiveParams(t *testing.T) {
	s, _, _ := newTestSession()

	req := getParametersRequest{PatientID: "7", ParamType: []model.ParamType{model.ParamECG}}
	raw, _ := json.Marshal(req)
	s.handleGetParameters(raw)

	reply := s.readFrame(t)
	if reply["status"] != "failure" {
		t.Fatalf("expected failure status for inactive param, got %+v", reply)
	}
	if reply["code"] != float64(400) {
		t.Fatalf("expected code 400 for inactive param, got %+v", reply)
	}
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "ECG") {
		t.Fatalf("expected message to name the inactive param, got %q", msg)
	}
}

func TestGetParametersSubscribesWhenActive(t *testing.T) {
	s, r, tr := newTestSession()
	tr.MarkLive("7", model.ParamECG, time.Now())

	req := getParametersRequest{PatientID: "7", ParamType: []model.ParamType{model.ParamECG}}
	raw, _ := json.Marshal(req)
	s.handleGetParameters(raw)

	reply := s.readFrame(t)
	if reply["status"] != "success" {
		t.Fatalf("expected success status, got %+v", reply)
	}
	if !r.HasAny("7", model.ParamECG) {
		t.Fatalf("expected session subscribed after get_parameters")
	}
}

func TestStopUnsubscribesFromEverything(t *testing.T) {
	s, r, _ := newTestSession()
	r.Subscribe("7", []model.ParamType{model.ParamECG}, s)

	s.handleStop()

	if r.HasAny("7", model.ParamECG) {
		t.Fatalf("expected stop to remove every subscription")
	}
}
