package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealth() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("catalog", true, "reconciled")

	if len(healthChecker.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(healthChecker.components))
	}
	comp := healthChecker.components["catalog"]
	if !comp.Healthy || comp.Message != "reconciled" {
		t.Errorf("unexpected component state: %+v", comp)
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("agentapi", true, "serving")
	UpdateComponent("agentapi", false, "listener closed")

	comp := healthChecker.components["agentapi"]
	if comp.Healthy {
		t.Error("expected component to be unhealthy after update")
	}
	if comp.Message != "listener closed" {
		t.Errorf("unexpected message: %s", comp.Message)
	}
}

func TestGetHealth_Unhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("catalog", true, "")
	RegisterComponent("sshcache", false, "redis unreachable")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", health.Status)
	}
	if health.Components["sshcache"] != "unhealthy: redis unreachable" {
		t.Errorf("unexpected sshcache status: %s", health.Components["sshcache"])
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealth()

	RegisterComponent("catalog", true, "")
	RegisterComponent("agentapi", true, "")

	readiness := GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected ready, got %s (%s)", readiness.Status, readiness.Message)
	}
}

func TestGetReadiness_NothingRegistered(t *testing.T) {
	resetHealth()

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready before any component registers, got %s", readiness.Status)
	}
}

func TestGetReadiness_ComponentUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("catalog", false, "startup reconcile running")
	RegisterComponent("agentapi", true, "")

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", readiness.Status)
	}
	if readiness.Components["catalog"] != "not ready: startup reconcile running" {
		t.Errorf("unexpected catalog status: %s", readiness.Components["catalog"])
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealth()
	RegisterComponent("catalog", true, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %s", status.Status)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth()
	RegisterComponent("catalog", false, "broken")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestSetVersion(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	RegisterComponent("catalog", true, "")

	health := GetHealth()
	if health.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", health.Version)
	}
}
