// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/tenant"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/tenants", s.handleRegisterTenant)
		r.Get("/tenants", s.handleListTenants)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/", s.handleGetTenant)
			r.Get("/stats", s.handleTenantStats)
			r.Post("/compact", s.handleCompactTenant)
		})
		r.Get("/metrics", s.handleMetrics)
	})

	s.router.Get("/ws/{tenantID}", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerTenantRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Dimension       int             `json:"dimension"`
	Vocabulary      json.RawMessage `json:"vocabulary,omitempty"`
	DeadlineMS      int64           `json:"deadline_ms,omitempty"`
	ExpectedEntries int             `json:"expected_entries,omitempty"`
}

type tenantResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Dimension   int           `json:"dimension"`
	Vocabulary  store.Payload `json:"vocabulary,omitempty"`
	DeadlineMS  int64         `json:"deadline_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Sessions    int           `json:"sessions"`
}

func (s *Server) tenantResponse(rec *store.TenantRecord) tenantResponse {
	return tenantResponse{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Dimension:   rec.Dimension,
		Vocabulary:  rec.Vocabulary,
		DeadlineMS:  rec.Deadline.Milliseconds(),
		CreatedAt:   rec.CreatedAt,
		Sessions:    s.deps.Sessions.Count(rec.ID),
	}
}

func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var req registerTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nemerr.Wrap(err, nemerr.CodeServerRequestInvalid, "decoding request body"))
		return
	}

	var vocab store.Payload
	if len(req.Vocabulary) > 0 {
		decoded, err := store.DecodePayload(req.Vocabulary)
		if err != nil {
			s.writeError(w, err)
			return
		}
		vocab = decoded
	}

	rec, err := s.deps.Tenants.Register(r.Context(), tenant.Registration{
		ID:              req.ID,
		Name:            req.Name,
		Description:     req.Description,
		Dimension:       req.Dimension,
		Vocabulary:      vocab,
		Deadline:        time.Duration(req.DeadlineMS) * time.Millisecond,
		ExpectedEntries: req.ExpectedEntries,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.tenantResponse(rec))
}

func (s *Server) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	recs := s.deps.Tenants.List()
	out := make([]tenantResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.tenantResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Tenants.Get(chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tenantResponse(rec))
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	stats, err := s.deps.Vectors.Stats(tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCompactTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	removed, ran, err := s.deps.Retention.Compact(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ran":     ran,
		"removed": removed,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"dispatch": s.deps.Coordinator.Metrics(),
		"sessions": s.deps.Sessions.Count(""),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := nemerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{
		Code:    string(nemerr.CodeOf(err)),
		Message: err.Error(),
	})
}
