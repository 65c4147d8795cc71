package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gofiber/fiber/v2"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
	"github.com/tusharkarmokar24-ai/AeroView/internal/services"
)

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return "Temperatures were comfortable all morning.", nil
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(ctx context.Context) error {
	return p.err
}

func setupTestApp(t *testing.T) (*fiber.App, *services.PebbleSessionStore, *stubGenerator) {
	t.Helper()

	store, err := services.OpenPebbleSessionStore("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gen := &stubGenerator{}
	ingestService := services.NewIngestService(store, gen, services.DefaultSummaryThreshold)
	ingestService.SetClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	handler := NewLogHandler(ingestService)

	app := fiber.New()
	app.Post("/api/brain", handler.Ingest)
	app.Post("/api/logs", handler.Ingest)
	app.Get("/api/machines/:machineID/sessions", handler.ListSessions)
	app.Get("/api/machines/:machineID/sessions/:day", handler.GetSession)

	return app, store, gen
}

func postLog(t *testing.T, app *fiber.App, path, body string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Failed to parse response %q: %v", string(raw), err)
	}
	return resp.StatusCode, result
}

// TestLogHandler_Ingest tests the device ingest endpoint
func TestLogHandler_Ingest(t *testing.T) {
	app, store, _ := setupTestApp(t)

	status, body := postLog(t, app, "/api/brain", `{"machineID":"envBot_01","data":{"temp":24.1,"hum":51.0}}`)
	if status != 200 {
		t.Fatalf("Expected status 200, got %d (%v)", status, body)
	}
	if body["ok"] != true {
		t.Errorf("Expected ok=true, got %v", body)
	}

	session, err := store.GetSession(context.Background(), "envBot_01", "2024-05-01")
	if err != nil {
		t.Fatalf("Expected session to exist: %v", err)
	}
	if len(session.Logs) != 1 {
		t.Errorf("Expected 1 log entry, got %d", len(session.Logs))
	}
}

func TestLogHandler_IngestWithoutContentType(t *testing.T) {
	app, _, _ := setupTestApp(t)

	req := httptest.NewRequest("POST", "/api/logs", strings.NewReader(`{"machineID":"envBot_01","data":{"temp":20,"hum":40}}`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestLogHandler_IngestErrors(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		expectedError string
	}{
		{name: "malformed json", body: `{"machineID":`, expectedError: "unexpected end of JSON input"},
		{name: "empty body", body: ``, expectedError: "unexpected end of JSON input"},
		{name: "missing data", body: `{"machineID":"envBot_01"}`, expectedError: "data is required"},
		{name: "missing machineID", body: `{"data":{"temp":1,"hum":2}}`, expectedError: "machineID is required"},
		{name: "forbidden characters", body: `{"machineID":"env$Bot","data":{"temp":1,"hum":2}}`, expectedError: "machineID must not contain"},
		{name: "non-numeric temp", body: `{"machineID":"envBot_01","data":{"temp":"warm","hum":2}}`, expectedError: "temp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, store, _ := setupTestApp(t)

			status, body := postLog(t, app, "/api/brain", tt.body)
			if status != 500 {
				t.Errorf("Expected status 500, got %d", status)
			}
			msg, _ := body["error"].(string)
			if !strings.Contains(msg, tt.expectedError) {
				t.Errorf("Expected error containing %q, got %v", tt.expectedError, body)
			}

			days, err := store.ListSessionDays(context.Background(), "envBot_01")
			if err != nil {
				t.Fatalf("ListSessionDays failed: %v", err)
			}
			if len(days) != 0 {
				t.Errorf("No session may be created, got %v", days)
			}
		})
	}
}

func TestLogHandler_SummaryFlow(t *testing.T) {
	app, store, gen := setupTestApp(t)

	readings := []string{
		`{"machineID":"envBot_01","data":{"temp":20,"hum":50}}`,
		`{"machineID":"envBot_01","data":{"temp":22,"hum":55}}`,
		`{"machineID":"envBot_01","data":{"temp":24,"hum":45}}`,
		`{"machineID":"envBot_01","data":{"temp":26,"hum":60}}`,
		`{"machineID":"envBot_01","data":{"temp":28,"hum":65}}`,
	}

	for i, body := range readings {
		status, resp := postLog(t, app, "/api/brain", body)
		if status != 200 {
			t.Fatalf("Reading %d: expected status 200, got %d (%v)", i+1, status, resp)
		}
	}

	if len(gen.prompts) != 1 {
		t.Fatalf("Expected exactly one generation call, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "23.0") || !strings.Contains(gen.prompts[0], "52.5") {
		t.Errorf("Unexpected prompt %q", gen.prompts[0])
	}

	session, err := store.GetSession(context.Background(), "envBot_01", "2024-05-01")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Summary != "Temperatures were comfortable all morning." {
		t.Errorf("Unexpected summary %q", session.Summary)
	}
}

func TestLogHandler_GenerationFailure(t *testing.T) {
	app, _, gen := setupTestApp(t)
	gen.err = errors.New("model overloaded")

	for i := 0; i < 3; i++ {
		postLog(t, app, "/api/brain", `{"machineID":"envBot_01","data":{"temp":20,"hum":50}}`)
	}

	status, body := postLog(t, app, "/api/brain", `{"machineID":"envBot_01","data":{"temp":20,"hum":50}}`)
	if status != 500 {
		t.Errorf("Expected status 500, got %d", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "model overloaded") {
		t.Errorf("Expected generation error message, got %v", body)
	}
}

func TestLogHandler_SessionReads(t *testing.T) {
	app, _, _ := setupTestApp(t)

	postLog(t, app, "/api/logs", `{"machineID":"envBot_01","data":{"temp":20,"hum":50}}`)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{name: "list sessions", path: "/api/machines/envBot_01/sessions", expectedStatus: 200},
		{name: "get session", path: "/api/machines/envBot_01/sessions/2024-05-01", expectedStatus: 200},
		{name: "missing session", path: "/api/machines/envBot_01/sessions/2024-04-30", expectedStatus: 404},
		{name: "malformed day", path: "/api/machines/envBot_01/sessions/yesterday", expectedStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			if err != nil {
				t.Fatalf("Failed to send request: %v", err)
			}
			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
		})
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/machines/envBot_01/sessions", nil))
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	var list models.SessionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode session list: %v", err)
	}
	if len(list.Days) != 1 || list.Days[0] != "2024-05-01" {
		t.Errorf("Unexpected days %v", list.Days)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/machines/envBot_01/sessions/2024-05-01", nil))
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	var session models.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if session.StartTime != "2024-05-01T12:00:00.000Z" || len(session.Logs) != 1 {
		t.Errorf("Unexpected session %+v", session)
	}
}

// TestHealthHandler tests the health check endpoint
func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		store          Pinger
		redis          Pinger
		expectedStatus int
		expectedHealth string
	}{
		{name: "healthy without redis", store: stubPinger{}, expectedStatus: 200, expectedHealth: "healthy"},
		{name: "healthy with redis", store: stubPinger{}, redis: stubPinger{}, expectedStatus: 200, expectedHealth: "healthy"},
		{name: "redis down", store: stubPinger{}, redis: stubPinger{err: errors.New("refused")}, expectedStatus: 200, expectedHealth: "degraded"},
		{name: "store down", store: stubPinger{err: errors.New("closed")}, expectedStatus: 503, expectedHealth: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/health", NewHealthHandler(tt.store, tt.redis).Handle)

			resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
			if err != nil {
				t.Fatalf("Failed to send request: %v", err)
			}
			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}

			var result map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if result["status"] != tt.expectedHealth {
				t.Errorf("Expected status %q, got %v", tt.expectedHealth, result["status"])
			}
			if _, ok := result["timestamp"]; !ok {
				t.Error("Expected timestamp field")
			}
		})
	}
}

func TestLogHandler_GetSessionFromCache(t *testing.T) {
	store, err := services.OpenPebbleSessionStore("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ingestService := services.NewIngestService(store, &stubGenerator{}, services.DefaultSummaryThreshold)
	ingestService.SetClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	sessionCache := services.NewSessionCache(store, time.Minute)
	sessionCache.SetClock(func() time.Time {
		return time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	})

	handler := NewLogHandler(ingestService)
	handler.SetSessionCache(sessionCache)

	app := fiber.New()
	app.Post("/api/brain", handler.Ingest)
	app.Get("/api/machines/:machineID/sessions/:day", handler.GetSession)

	postLog(t, app, "/api/brain", `{"machineID":"envBot_01","data":{"temp":20,"hum":50}}`)

	getStatus := func() int {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/machines/envBot_01/sessions/2024-05-01", nil))
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		return resp.StatusCode
	}

	if status := getStatus(); status != 200 {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if sessionCache.ItemCount() != 1 {
		t.Errorf("Expected settled session to be cached, got %d entries", sessionCache.ItemCount())
	}

	if _, err := sessionCache.DeleteSessionsBefore(context.Background(), "2024-05-02"); err != nil {
		t.Fatalf("DeleteSessionsBefore failed: %v", err)
	}
	if status := getStatus(); status != 404 {
		t.Errorf("Expected status 404 after retention, got %d", status)
	}
}
