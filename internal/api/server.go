// Package api exposes the orchestrator over a localhost-only REST surface:
// chi router, a token + loopback security middleware, a concurrency
// limiter, and an audit log.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-orchestrator/internal/config"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/lane"
	"tachyon-orchestrator/internal/orchestrator"
	"tachyon-orchestrator/internal/security"
)

// ControlServer is the localhost REST control plane in front of one
// Orchestrator.
type ControlServer struct {
	orch       *orchestrator.Orchestrator
	cfg        *config.Manager
	audit      *security.AuditLogger
	log        *slog.Logger
	router     *chi.Mux
	activeReqs int64
}

// NewControlServer builds a ControlServer; call Start to actually listen.
func NewControlServer(orch *orchestrator.Orchestrator, cfg *config.Manager, audit *security.AuditLogger, logger *slog.Logger) *ControlServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ControlServer{
		orch:   orch,
		cfg:    cfg,
		audit:  audit,
		log:    logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetControlAPIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "Overloaded "+r.URL.Path, http.StatusTooManyRequests, "Max Concurrent Reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins listening on 127.0.0.1:port in the background. It is a
// no-op if the control API is disabled in persisted settings.
func (s *ControlServer) Start(port int) {
	if !s.cfg.GetEnableControlAPI() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.log.Info("control server listening", "addr", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("control server failed to bind", "error", err)
			return
		}
		if err := http.Serve(conn, s.router); err != nil {
			s.log.Error("control server stopped", "error", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/intents", s.handleSubmit)
	s.router.Get("/v1/intents/{id}", s.handleGetIntent)
	s.router.Post("/v1/intents/{id}/control", s.handleControl)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Post("/v1/pause", s.handlePauseAll)
	s.router.Post("/v1/resume", s.handleResumeAll)
	s.router.Get("/v1/events", s.handleEvents)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableControlAPI() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusServiceUnavailable, "Control API Disabled")
			http.Error(w, "Control API Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, http.StatusForbidden, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Tachyon-Token")
		if token != s.cfg.GetAPIToken() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusUnauthorized, "Invalid Token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, http.StatusOK, "Authorized")
		next.ServeHTTP(w, r)
	})
}

// SubmitRequest is the wire shape of a new download request.
type SubmitRequest struct {
	SourceURL      string `json:"source_url"`
	DestPath       string `json:"dest_path"`
	Priority       int    `json:"priority"`
	ExpectedSize   int64  `json:"expected_size"` // -1 if unknown
	ExpectedDigest string `json:"expected_digest,omitempty"`
	DigestAlgo     string `json:"digest_algo,omitempty"`
}

// SubmitResponse returns the id the intent was stored under.
type SubmitResponse struct {
	IntentID string `json:"intent_id"`
}

// ControlRequest carries a per-intent control action.
type ControlRequest struct {
	Action string `json:"action"` // "cancel" or "reset_dead_letter"
}

func (s *ControlServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExpectedSize == 0 {
		req.ExpectedSize = -1
	}

	id, err := s.orch.Submit(journal.Intent{
		SourceURL:      req.SourceURL,
		DestPath:       req.DestPath,
		Priority:       req.Priority,
		ExpectedSize:   req.ExpectedSize,
		ExpectedDigest: req.ExpectedDigest,
		DigestAlgo:     req.DigestAlgo,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SubmitResponse{IntentID: id})
}

func (s *ControlServer) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	intent, err := s.orch.Get(id)
	if err != nil {
		http.Error(w, "intent not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(intent)
}

func (s *ControlServer) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "cancel":
		err = s.orch.Cancel(id)
	case "reset_dead_letter":
		err = s.orch.ResetDeadLetter(id)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	s.orch.PauseAll()
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	s.orch.ResumeAll()
	w.WriteHeader(http.StatusOK)
}

// StatusResponse is a point-in-time view of the scheduler for dashboards.
type StatusResponse struct {
	Paused bool         `json:"paused"`
	Slots  []slotStatus `json:"slots"`
}

type slotStatus struct {
	State    string `json:"state"`
	IntentID string `json:"intent_id,omitempty"`
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Snapshot()
	resp := StatusResponse{Paused: s.orch.Paused(), Slots: make([]slotStatus, len(snap))}
	for i, slot := range snap {
		resp.Slots[i] = slotStatus{State: slotStateName(slot.State), IntentID: slot.IntentID}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func slotStateName(s lane.SlotState) string {
	switch s {
	case lane.SlotIdle:
		return "idle"
	case lane.SlotRunning:
		return "running"
	case lane.SlotPreempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// handleEvents streams the orchestrator's event bus as server-sent events
// until the client disconnects.
func (s *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.orch.Subscribe()
	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "data: %s\n\n", b)
			bw.Flush()
			flusher.Flush()
		}
	}
}
