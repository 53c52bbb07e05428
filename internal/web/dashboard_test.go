package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDashboard(t *testing.T) {
	rec := httptest.NewRecorder()
	Dashboard("/events")(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `location.host + "/events"`) {
		t.Errorf("WebSocket path not substituted")
	}
	if strings.Contains(body, "{{WS_PATH}}") {
		t.Errorf("Placeholder left in page")
	}
}
