// Package httpx exposes the dashboard API: fleet snapshots, deploy
// requests, build lookups and the live event stream.
package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
	"github.com/gorilla/websocket"

	"github.com/christippett/7apps-in-7minutes/internal/broker"
	"github.com/christippett/7apps-in-7minutes/internal/buildsvc"
	"github.com/christippett/7apps-in-7minutes/internal/domain"
	"github.com/christippett/7apps-in-7minutes/internal/orchestrator"
	"github.com/christippett/7apps-in-7minutes/internal/registry"
)

// Router wires HTTP endpoints to the orchestrator and broker.
type Router struct {
	mux      *chi.Mux
	logger   *slog.Logger
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	builds   orchestrator.BuildService
	broker   *broker.Broker
	upgrader websocket.Upgrader
	token    string
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	AuthToken      string // optional bearer token required on POST /deploy
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, reg *registry.Registry, orch *orchestrator.Orchestrator, builds orchestrator.BuildService, b *broker.Broker, opts Options) *Router {
	r := &Router{
		mux:      chi.NewRouter(),
		logger:   logger,
		registry: reg,
		orch:     orch,
		builds:   builds,
		broker:   b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		token: strings.TrimSpace(opts.AuthToken),
	}

	if len(opts.AllowedOrigins) > 0 {
		r.mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	r.mux.Use(
		middleware.RequestID,
		middleware.RealIP,
		httplog.RequestLogger(logger, &httplog.Options{}),
		middleware.Recoverer,
	)

	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Get("/apps", r.handleApps)
	r.mux.Get("/builds/{id}", r.handleGetBuild)
	r.mux.Post("/deploy", r.requireToken(r.handleDeploy))
	r.mux.Get("/ws", r.handleEvents)
	r.mux.Get("/events", r.handleEventsSSE)

	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleApps returns the fleet snapshot in display order, grouped versions
// included.
func (r *Router) handleApps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"apps":     r.registry.All(),
		"versions": r.registry.Versions(),
	})
}

// handleDeploy starts a rollout. When one is already in flight the response
// is 409 Conflict carrying the existing job, which the dashboard attaches to.
func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var theme domain.Theme
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&theme); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request parameters")
		return
	}

	version, build, inProgress, err := r.orch.Deploy(req.Context(), theme)
	if err != nil {
		var trigger *buildsvc.TriggerError
		if errors.As(err, &trigger) {
			r.logger.Error("build trigger rejected", "status", trigger.StatusCode, "message", trigger.Message)
			writeError(w, http.StatusBadGateway, "unable to trigger deployment: "+trigger.Message)
			return
		}
		r.logger.Error("deploy failed", "error", err)
		writeError(w, http.StatusBadGateway, "unable to trigger deployment")
		return
	}

	status := http.StatusOK
	if inProgress {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"id":          build.ID,
		"version":     version,
		"create_time": build.CreateTime.Format(time.RFC3339),
	})
}

func (r *Router) handleGetBuild(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	build, err := r.builds.GetBuild(req.Context(), id)
	if err != nil {
		if errors.Is(err, buildsvc.ErrBuildNotFound) {
			writeError(w, http.StatusNotFound, "build not found")
			return
		}
		r.logger.Error("build lookup failed", "build_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "build service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleEvents upgrades to a websocket, registers the connection with the
// broker (replaying buffered logs) and echoes inbound text for liveness.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := broker.NewWSClient(conn, r.logger)
	r.broker.Connect(client)
	r.logger.Debug("websocket connected", "remote", req.RemoteAddr)

	go func() {
		defer func() {
			r.broker.Disconnect(client)
			client.Close()
			r.logger.Debug("websocket disconnected", "remote", req.RemoteAddr)
		}()
		for {
			kind, text, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				r.broker.Send(domain.TopicEcho, map[string]any{"text": string(text)})
			}
		}
	}()
}

// handleEventsSSE serves the event stream over Server-Sent Events for
// observers that cannot hold a websocket open. One-directional: no echo.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := broker.NewSSEClient(w, flusher, r.logger)
	r.broker.Connect(client)
	defer func() {
		r.broker.Disconnect(client)
		client.Close()
	}()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// requireToken enforces the optional boundary token with a constant-time
// comparison. With no token configured the endpoint is open.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token == "" {
			next(w, req)
			return
		}
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, req)
	}
}
