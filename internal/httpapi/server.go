// Package httpapi exposes the chat and memory inspection endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/protocol"
)

// Orchestrator is the per-turn entry point the server drives.
type Orchestrator interface {
	OnMessage(ctx context.Context, userID, text string) (memory.Reply, error)
	Retrieve(ctx context.Context, userID, query string) memory.Bundle
}

type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	stores       *memory.Stores
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator Orchestrator, stores *memory.Stores, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		stores:       stores,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up; non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/memory/facts", s.handleListFacts)
	r.Delete("/v1/memory/facts", s.handleDeactivateFact)
	r.Get("/v1/memory/episodes", s.handleListEpisodes)
	r.Post("/v1/memory/retrieve", s.handleRetrieve)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.stores.Mode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness is store reachability; a trivial count exercises the pool.
	if _, err := s.stores.Episodes.Count(r.Context(), "readyz-probe"); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.stores.Mode,
	})
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.orchestrator.OnMessage(r.Context(), req.UserID, req.Message)
	if err != nil {
		if memory.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
		return
	}
	if r.URL.Query().Get("include_bundle") != "true" {
		reply.Bundle = nil
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.BufferIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.BufferIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.BufferIdleTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				UserID:    userID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		msg := parsed.(protocol.UserMessage)
		if msg.UserID != userID {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				UserID:    userID,
				Code:      "user_mismatch",
				Retryable: false,
				Detail:    "message user_id differs from connection user_id",
			})
			continue
		}

		reply, err := s.orchestrator.OnMessage(r.Context(), userID, msg.Text)
		if err != nil {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				UserID:    userID,
				Code:      "generation_failed",
				Retryable: true,
				Detail:    err.Error(),
			})
			continue
		}

		out := protocol.AssistantReply{
			Type:   protocol.TypeAssistantReply,
			UserID: userID,
			Text:   reply.Text,
		}
		if msg.IncludeBundle && reply.Bundle != nil {
			if raw, err := json.Marshal(reply.Bundle); err == nil {
				out.Bundle = raw
			}
		}
		if !s.writeWS(conn, out) {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg) == nil
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	minImportance := 0.0
	if raw := r.URL.Query().Get("min_importance"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			respondError(w, http.StatusBadRequest, "invalid_min_importance", "min_importance must be in [0,1]")
			return
		}
		minImportance = v
	}

	facts, err := s.stores.Facts.ListActive(r.Context(), userID, minImportance)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"facts":   facts,
		"count":   len(facts),
	})
}

type deactivateRequest struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Key      string `json:"key"`
}

func (s *Server) handleDeactivateFact(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Key) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and key are required")
		return
	}
	cat, err := memory.ParseCategory(req.Category)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_category", err.Error())
		return
	}

	if err := s.stores.Facts.Deactivate(r.Context(), req.UserID, cat, req.Key); err != nil {
		if errors.Is(err, memory.ErrFactNotFound) {
			respondError(w, http.StatusNotFound, "fact_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 100 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1,100]")
			return
		}
		limit = v
	}

	episodes, err := s.stores.Episodes.Recent(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	total, err := s.stores.Episodes.Count(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"episodes": episodes,
		"total":    total,
	})
}

type retrieveRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and query are required")
		return
	}
	respondJSON(w, http.StatusOK, s.orchestrator.Retrieve(r.Context(), req.UserID, req.Query))
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
