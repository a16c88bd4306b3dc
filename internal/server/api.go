// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"modelfetch/pkg/modelfetch"
)

// SearchRequest is the request body for a model search.
type SearchRequest struct {
	Query   string            `json:"query"`
	Source  string            `json:"source,omitempty"` // empty = all sources
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// SearchResponse carries merged results across sources.
type SearchResponse struct {
	Entries []modelfetch.Entry `json:"entries"`
	Count   int                `json:"count"`
}

// DownloadResponse is returned when a download is accepted.
type DownloadResponse struct {
	Handle string         `json:"handle"`
	Job    modelfetch.Job `json:"job"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSearch runs an aggregate (or single-source) model search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: query", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	entries, err := s.orch.Search(ctx, req.Query, modelfetch.Source(req.Source), req.Limit, req.Filters)
	if err != nil {
		if errors.Is(err, modelfetch.ErrConfiguration) {
			writeError(w, http.StatusBadRequest, "Unknown source", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Search failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{Entries: entries, Count: len(entries)})
}

// handleStartDownload starts a new download job for the posted entry.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var entry modelfetch.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if entry.Name == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: name", "")
		return
	}
	if entry.Source == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: source", "")
		return
	}

	handle, err := s.orch.Download(entry, nil)
	if err != nil {
		if errors.Is(err, modelfetch.ErrConflict) {
			// A non-terminal job already owns this name. Return it so clients
			// can attach instead of erroring out.
			job, _ := s.orch.Status(entry.Name)
			writeJSON(w, http.StatusConflict, map[string]any{
				"job":     job,
				"message": "Download already in progress",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start download", err.Error())
		return
	}

	job, _ := s.orch.Status(entry.Name)
	writeJSON(w, http.StatusAccepted, DownloadResponse{Handle: handle, Job: job})
}

// handleListJobs returns all tracked jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.orch.ListStatuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job by model name.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Missing job name", "")
		return
	}

	job, ok := s.orch.Status(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests cancellation of a job. The response is immediate;
// the job reaches the cancelled state asynchronously.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Missing job name", "")
		return
	}

	if err := s.orch.Cancel(name); err != nil {
		writeError(w, http.StatusNotFound, "Job not found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Cancellation requested",
	})
}

// handleCleanupJobs drops bookkeeping for terminal jobs.
func (s *Server) handleCleanupJobs(w http.ResponseWriter, r *http.Request) {
	n := s.orch.CleanupCompleted()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": n,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
