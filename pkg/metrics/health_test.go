package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterComponent(t *testing.T) {
	reset()

	RegisterComponent("fleet", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["fleet"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}

	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	reset()
	SetVersion("1.0.0")

	RegisterComponent("supervisor", true, "")
	RegisterComponent("fleet", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}

	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	reset()

	RegisterComponent("supervisor", true, "")
	RegisterComponent("fleet", false, "rollback in progress")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["fleet"] != "unhealthy: rollback in progress" {
		t.Errorf("unexpected fleet status: %s", health.Components["fleet"])
	}
}

func TestGetReadiness(t *testing.T) {
	reset()

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready' before registration, got '%s'", readiness.Status)
	}

	RegisterComponent("supervisor", true, "")
	RegisterComponent("fleet", true, "")

	readiness = GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}

	UpdateComponent("fleet", false, "member down")
	readiness = GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready' with fleet down, got '%s'", readiness.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	reset()
	RegisterComponent("supervisor", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected 'healthy', got '%s'", health.Status)
	}

	UpdateComponent("supervisor", false, "loop stalled")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRoutes(t *testing.T) {
	reset()
	RegisterComponent("supervisor", true, "")

	srv := httptest.NewServer(Routes())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/health", "/live"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
