// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/entity"
	"github.com/soothill/miio-bridge/pkg/logger"
)

// EntityView is an entity's description plus its current state.
type EntityView struct {
	entity.Info
	Available bool          `json:"available"`
	State     *entity.State `json:"state,omitempty"`
}

// CommandRequest is the body of an entity command.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// SnapshotView is the JSON form of a poll result.
type SnapshotView struct {
	Status   string         `json:"status"`
	Values   map[string]any `json:"values,omitempty"`
	Updated  time.Time      `json:"updated,omitempty"`
	Polled   time.Time      `json:"polled,omitempty"`
	Failures int            `json:"consecutive_failures"`
	Error    string         `json:"error,omitempty"`
}

func snapshotView(s *coordinator.Snapshot) SnapshotView {
	v := SnapshotView{
		Status:   s.Status.String(),
		Values:   s.Values,
		Updated:  s.Updated,
		Polled:   s.Polled,
		Failures: s.Failures,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, writeErr := w.Write([]byte("NOT READY: " + err.Error())); writeErr != nil {
				logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Statuses()
	respondJSON(w, r, http.StatusOK, map[string]any{
		"devices": statuses,
		"total":   len(statuses),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.registry.Entities(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	views := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, viewOf(e))
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"entities": views,
		"total":    len(views),
	})
}

func viewOf(e entity.Entity) EntityView {
	v := EntityView{Info: e.Info()}
	if st, err := e.State(); err == nil {
		v.Available = true
		v.State = &st
	}
	return v
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	snap, err := s.registry.Refresh(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	status := http.StatusOK
	if !snap.Available() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, r, status, snapshotView(snap))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Command == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_body", "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	id, entityName := chi.URLParam(r, "id"), chi.URLParam(r, "entity")
	if err := s.registry.Execute(ctx, id, entityName, req.Command, req.Params); err != nil {
		respondErr(w, r, err)
		return
	}

	e, err := s.registry.Entity(id, entityName)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, r, http.StatusAccepted, viewOf(e))
}

// respondJSON writes payload as JSON with the given status.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}
