package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/ingest"
	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/model"
	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/storage"
)

// ScoreRequest scores one company. Content is scored as given; without it the
// server fetches URL.
type ScoreRequest struct {
	URL     string                  `json:"url"`
	Content *lead.RawCompanyContent `json:"content,omitempty"`
	Compose bool                    `json:"compose,omitempty"`
}

func (r ScoreRequest) item() (pipeline.Item, error) {
	it := pipeline.Item{URL: r.URL, Content: r.Content}
	if it.URL == "" && it.Content != nil {
		it.URL = it.Content.URL
	}
	if it.URL == "" {
		return it, errors.New("url is required")
	}
	return it, nil
}

// BatchRequest scores several companies in one call.
type BatchRequest struct {
	Items []pipeline.Item `json:"items"`
	URLs  []string        `json:"urls"`
}

func handleScore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScoreRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := req.item()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			id, err := ingest.Enqueue(r.Context(), deps.Store, it)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
			return
		}

		out := deps.Pipeline.ProcessItem(r.Context(), it)
		if out.Status == pipeline.StatusFailed {
			httpError(w, http.StatusUnprocessableEntity, "pipeline_error", "%v", out.Err)
			return
		}
		if req.Compose && deps.Composer != nil {
			l, err := pipeline.ComposeForLead(r.Context(), deps.Store, deps.Composer, out.Lead.Key)
			if err != nil {
				out.Warnings = append(out.Warnings, err)
			} else {
				out.Lead = &l
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		items := req.Items
		for _, u := range req.URLs {
			items = append(items, pipeline.Item{URL: u})
		}
		if len(items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items or urls is required")
			return
		}
		if len(items) > maxBatchItems {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d items per batch, got %d", maxBatchItems, len(items))
			return
		}
		for i, it := range items {
			if it.URL == "" && (it.Content == nil || it.Content.URL == "") {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "item %d: url is required", i)
				return
			}
		}

		outcomes := deps.Pipeline.RunItems(r.Context(), items)
		writeJSON(w, http.StatusOK, map[string]any{
			"outcomes": outcomes,
			"summary":  pipeline.Summary(outcomes),
		})
	}
}

func handleListLeads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := storage.ListOptions{
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if s := r.URL.Query().Get("min_score"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < 0 || v > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "min_score must be a number in [0,1]")
				return
			}
			opts.MinScore = v
		}
		switch sort := r.URL.Query().Get("sort"); sort {
		case "", "recent":
		case "score":
			opts.ByScore = true
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown sort %q (want score or recent)", sort)
			return
		}
		opts.Industry = r.URL.Query().Get("industry")
		for _, t := range r.URL.Query()["tech"] {
			opts.Technologies = append(opts.Technologies, strings.Split(t, ",")...)
		}
		if v := r.URL.Query().Get("outreach"); v != "" {
			st, err := lead.ParseMessageStatus(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			opts.MessageStatus = st
		}
		csvOut := r.URL.Query().Get("format") == "csv"
		if csvOut {
			opts.Limit, opts.Offset = -1, 0
		}

		leads, err := deps.Store.ListLeads(r.Context(), opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list leads: %v", err)
			return
		}
		if csvOut {
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="leads_export.csv"`)
			if err := aggregate.WriteCSV(w, leads); err != nil {
				slog.Warn("api: writing lead export", "error", err)
			}
			return
		}
		total, err := deps.Store.CountLeads(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count leads: %v", err)
			return
		}
		if leads == nil {
			leads = []lead.Lead{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"leads": leads, "total": total})
	}
}

// leadKey canonicalizes the {key} path parameter, which may be a URL or a
// bare domain.
func leadKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := aggregate.CanonicalKey(chi.URLParam(r, "key"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return "", false
	}
	return key, true
}

func handleGetLead(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := leadKey(w, r)
		if !ok {
			return
		}
		l, err := deps.Store.GetLeadByKey(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "lead %s not found", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get lead: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

func handleDeleteLead(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := leadKey(w, r)
		if !ok {
			return
		}
		err := deps.Store.DeleteLead(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "lead %s not found", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete lead: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCompose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Composer == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "outreach composer not configured")
			return
		}
		key, ok := leadKey(w, r)
		if !ok {
			return
		}
		l, err := pipeline.ComposeForLead(r.Context(), deps.Store, deps.Composer, key)
		var pre *lead.PreconditionError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "lead %s not found", key)
		case errors.As(err, &pre):
			httpError(w, http.StatusConflict, "precondition_failed", "%s", pre.Reason)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compose: %v", err)
		default:
			writeJSON(w, http.StatusOK, l.Message)
		}
	}
}

// MessageStatusRequest records what happened to a lead's latest message.
type MessageStatusRequest struct {
	Status       string    `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
}

func handleMessageStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := leadKey(w, r)
		if !ok {
			return
		}
		var req MessageStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		st, err := lead.ParseMessageStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if st == lead.MessageScheduled && req.ScheduledFor.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "scheduled_for is required when scheduling")
			return
		}

		m, err := deps.Store.SetMessageStatus(r.Context(), key, st, req.ScheduledFor, time.Now())
		var pre *lead.PreconditionError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "lead %s not found", key)
		case errors.As(err, &pre):
			httpError(w, http.StatusConflict, "precondition_failed", "%s", pre.Reason)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update message: %v", err)
		default:
			writeJSON(w, http.StatusOK, m)
		}
	}
}

type modelInfo struct {
	Version   string        `json:"version"`
	TrainedAt time.Time     `json:"trained_at"`
	Metrics   model.Metrics `json:"metrics"`
	Active    bool          `json:"active"`
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := model.List(deps.ModelsDir)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list models: %v", err)
			return
		}
		models := make([]modelInfo, len(all))
		for i, a := range all {
			models[i] = modelInfo{
				Version:   a.Version,
				TrainedAt: a.TrainedAt,
				Metrics:   a.Metrics,
				Active:    a.Version == deps.ActiveModel,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": deps.ActiveModel, "models": models})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetJob(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

func jobView(j storage.Job) map[string]any {
	v := map[string]any{
		"id":         j.ID,
		"type":       j.Type,
		"status":     j.Status,
		"attempts":   j.Attempts,
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	}
	if j.LastError != "" {
		v["last_error"] = j.LastError
	}
	return v
}
