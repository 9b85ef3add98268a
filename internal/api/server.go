// Package api exposes lead scoring over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/storage"
)

const (
	maxRequestBodySize = 8 << 20 // 8MB, inline page bodies included
	maxBatchItems      = 100
)

// Processor runs the scoring chain.
type Processor interface {
	ProcessItem(ctx context.Context, it pipeline.Item) pipeline.Outcome
	RunItems(ctx context.Context, items []pipeline.Item) []pipeline.Outcome
}

// Deps holds what the HTTP and MCP surfaces need.
type Deps struct {
	Store    *storage.Store
	Pipeline Processor
	Composer pipeline.Composer // optional; compose endpoints answer 503 without it
	// ModelsDir is listed by GET /models; ActiveModel is the version serving
	// requests.
	ModelsDir   string
	ActiveModel string
	Token       string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/leads/score", handleScore(deps))
		r.Post("/leads/batch", handleBatch(deps))
		r.Get("/leads", handleListLeads(deps))
		r.Get("/leads/{key}", handleGetLead(deps))
		r.Delete("/leads/{key}", handleDeleteLead(deps))
		r.Post("/leads/{key}/compose", handleCompose(deps))
		r.Post("/leads/{key}/message/status", handleMessageStatus(deps))
		r.Get("/models", handleModels(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
