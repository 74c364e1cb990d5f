package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"parkdog.im/internal/logging"
)

type staticSource Snapshot

func (s staticSource) Snapshot() Snapshot { return Snapshot(s) }

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		ready bool
	}{
		{"realtime", "websocket_connected", true},
		{"fallback", "http_fallback", true},
		{"connecting", "websocket_connecting", false},
		{"disconnected", "disconnected", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker("parkdog-chat", staticSource{Mode: tt.mode, OutboxPending: 2})
			status := h.Check(context.Background())
			if status.Ready != tt.ready {
				t.Errorf("Expected ready=%v, got %v", tt.ready, status.Ready)
			}
			if status.OutboxPending != 2 {
				t.Errorf("Expected outbox_pending 2, got %d", status.OutboxPending)
			}
			if status.Service != "parkdog-chat" {
				t.Errorf("Unexpected service %q", status.Service)
			}
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	source := staticSource{Mode: "http_fallback", Connection: "reconnecting", ReconnectAttempts: 3}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	srv := NewServer(":0", NewChecker("parkdog-chat", source), metrics, logging.Discard())

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["mode"] != "http_fallback" || body["connection"] != "reconnecting" {
		t.Errorf("Unexpected body %v", body)
	}
	if body["reconnect_attempts"] != float64(3) {
		t.Errorf("Expected reconnect_attempts 3, got %v", body["reconnect_attempts"])
	}

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected ready, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Body.String() != "metrics" {
		t.Errorf("Expected metrics handler, got %q", w.Body.String())
	}

	notReady := NewServer(":0", NewChecker("parkdog-chat", staticSource{Mode: "disconnected"}), nil, logging.Discard())
	w = httptest.NewRecorder()
	notReady.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}
