package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/christippett/7apps-in-7minutes/internal/broker"
	"github.com/christippett/7apps-in-7minutes/internal/buildsvc"
	"github.com/christippett/7apps-in-7minutes/internal/domain"
	"github.com/christippett/7apps-in-7minutes/internal/orchestrator"
	"github.com/christippett/7apps-in-7minutes/internal/registry"
)

type stubBuilds struct {
	active []domain.BuildRef
	builds map[string]domain.BuildRef
}

func (s *stubBuilds) Trigger(_ context.Context, subs map[string]string) (domain.BuildRef, error) {
	return domain.BuildRef{ID: "b-new", Status: domain.BuildQueued, Substitutions: subs, CreateTime: time.Now().UTC()}, nil
}

func (s *stubBuilds) GetBuild(_ context.Context, id string) (domain.BuildRef, error) {
	build, ok := s.builds[id]
	if !ok {
		return domain.BuildRef{}, fmt.Errorf("build %s: %w", id, buildsvc.ErrBuildNotFound)
	}
	return build, nil
}

func (s *stubBuilds) ListActive(context.Context) ([]domain.BuildRef, error) {
	return s.active, nil
}

func (s *stubBuilds) StreamLogs(context.Context, string, string, func(line string)) error {
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, builds *stubBuilds, apps []domain.Application, opts Options) (*Router, *broker.Broker) {
	t.Helper()
	reg, err := registry.Load(apps)
	if err != nil {
		t.Fatalf("registry load failed: %v", err)
	}
	events := broker.New(10, discard())
	orch := orchestrator.New(reg, builds, events, nil, discard(), orchestrator.Options{
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Second,
	})
	t.Cleanup(orch.Shutdown)
	return NewRouter(discard(), reg, orch, builds, events, opts), events
}

func TestAppsReturnsFleetSnapshot(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{}, []domain.Application{
		{Name: "run", Title: "Cloud Run", URL: "https://run.example.com", Version: "v1"},
		{Name: "gke", Title: "Kubernetes", URL: "https://gke.example.com"},
	}, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apps", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Apps     []domain.Application            `json:"apps"`
		Versions map[string][]domain.Application `json:"versions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Apps) != 2 || payload.Apps[0].Name != "run" {
		t.Fatalf("unexpected apps payload: %+v", payload.Apps)
	}
	if len(payload.Versions[registry.UnknownVersion]) != 1 {
		t.Fatalf("expected gke grouped under unknown, got %v", payload.Versions)
	}
}

func TestDeployRejectsUnknownFields(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{}, nil, Options{})

	body := strings.NewReader(`{"gradient": "sunset", "surprise": true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}
}

func TestDeployStartsRollout(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{}, nil, Options{})

	body := strings.NewReader(`{"gradient": "Ocean Sunset", "font": "Inter"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID != "b-new" {
		t.Fatalf("expected triggered build id, got %q", payload.ID)
	}
	if !strings.HasPrefix(payload.Version, "ocean-sunset-") {
		t.Fatalf("expected gradient slug version, got %q", payload.Version)
	}
}

func TestDeployConflictsWhenBuildActive(t *testing.T) {
	builds := &stubBuilds{
		active: []domain.BuildRef{{
			ID:            "existing",
			Status:        domain.BuildWorking,
			Substitutions: map[string]string{domain.VersionSubstitution: "v-live"},
		}},
		builds: map[string]domain.BuildRef{"existing": {ID: "existing", Status: domain.BuildWorking}},
	}
	router, _ := newTestRouter(t, builds, nil, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{}`)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a build is active, got %d", rec.Code)
	}
	var payload struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID != "existing" || payload.Version != "v-live" {
		t.Fatalf("expected existing job in conflict body, got %+v", payload)
	}
}

func TestGetBuildNotFound(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{builds: map[string]domain.BuildRef{}}, nil, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeployRequiresTokenWhenConfigured(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{}, nil, Options{AuthToken: "sekret"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestEventStreamEchoesInboundText(t *testing.T) {
	router, _ := newTestRouter(t, &stubBuilds{}, nil, Options{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Topic != domain.TopicEcho || msg.Data["text"] != "ping" {
		t.Fatalf("expected echo of inbound text, got %+v", msg)
	}
}

func TestSSEStreamReplaysLogHistory(t *testing.T) {
	router, events := newTestRouter(t, &stubBuilds{}, nil, Options{})
	events.Send(domain.TopicLog, map[string]any{"text": "earlier output"})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read sse frame: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("expected data frame, got %q", line)
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg); err != nil {
		t.Fatalf("decode sse payload: %v", err)
	}
	if msg.Topic != domain.TopicLog || msg.Data["text"] != "earlier output" {
		t.Fatalf("expected replayed log line, got %+v", msg)
	}
}

func TestEventStreamReplaysLogHistory(t *testing.T) {
	router, events := newTestRouter(t, &stubBuilds{}, nil, Options{})
	events.Send(domain.TopicLog, map[string]any{"text": "earlier output"})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Topic != domain.TopicLog || msg.Data["text"] != "earlier output" {
		t.Fatalf("expected replayed log line, got %+v", msg)
	}
}
