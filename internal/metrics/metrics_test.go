package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorExposesRegisteredMetrics(t *testing.T) {
	c := NewCollector()
	c.SessionsStarted.Inc()
	c.BackendsBanned.Add(2)
	c.ActiveSessions.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"chainproxy_sessions_started_total 1",
		"chainproxy_backends_banned_total 2",
		"chainproxy_active_sessions 3",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", name, body)
		}
	}
}

func TestNewCollectorIndependentRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.SessionsStarted.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "chainproxy_sessions_started_total 1") {
		t.Error("expected second collector's registry to be independent of the first")
	}
}
