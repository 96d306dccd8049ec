package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProbe struct {
	name string
	err  error
}

func (p stubProbe) Name() string                  { return p.name }
func (p stubProbe) Check(ctx context.Context) error { return p.err }

type panicProbe struct{}

func (panicProbe) Name() string                  { return "panicky" }
func (panicProbe) Check(ctx context.Context) error { panic("probe blew up") }

func checkHealth(t *testing.T, s *Server) (int, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	return w.Result().StatusCode, body
}

func TestHandleHealth_NoProbes(t *testing.T) {
	s := testServer(t)
	status, body := checkHealth(t, s)
	if status != http.StatusOK {
		t.Errorf("status = %d", status)
	}
	if body.Status != "healthy" {
		t.Errorf("body status = %q", body.Status)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	s := testServer(t)
	s.HealthProbes = []HealthProbe{
		stubProbe{name: "database"},
		stubProbe{name: "effects-queue"},
	}

	status, body := checkHealth(t, s)
	if status != http.StatusOK {
		t.Errorf("status = %d", status)
	}
	if len(body.Components) != 2 {
		t.Fatalf("components = %v", body.Components)
	}
	for name, comp := range body.Components {
		if comp.Status != "healthy" {
			t.Errorf("component %s = %+v", name, comp)
		}
	}
}

func TestHandleHealth_OneUnhealthy(t *testing.T) {
	s := testServer(t)
	s.HealthProbes = []HealthProbe{
		stubProbe{name: "database"},
		stubProbe{name: "effects-queue", err: errors.New("queue unreachable")},
	}

	status, body := checkHealth(t, s)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body.Status != "unhealthy" {
		t.Errorf("overall status = %q", body.Status)
	}
	if body.Components["database"].Status != "healthy" {
		t.Errorf("database = %+v", body.Components["database"])
	}
	queue := body.Components["effects-queue"]
	if queue.Status != "unhealthy" || queue.Message != "queue unreachable" {
		t.Errorf("effects-queue = %+v", queue)
	}
}

func TestHandleHealth_ProbePanicIsContained(t *testing.T) {
	s := testServer(t)
	s.HealthProbes = []HealthProbe{panicProbe{}}

	status, body := checkHealth(t, s)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body.Components["panicky"].Status != "unhealthy" {
		t.Errorf("panicky = %+v", body.Components["panicky"])
	}
}
