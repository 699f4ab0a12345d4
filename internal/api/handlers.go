package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/automagik-dev/omni-sub005/internal/deadletter"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
	"github.com/automagik-dev/omni-sub005/internal/syncjob"
	"github.com/automagik-dev/omni-sub005/internal/webhook"
)

type Handlers struct {
	deadLetters *deadletter.Service
	jobs        *syncjob.Service
	webhooks    *webhook.Service
}

func NewHandlers(dl *deadletter.Service, jobs *syncjob.Service, wh *webhook.Service) *Handlers {
	return &Handlers{deadLetters: dl, jobs: jobs, webhooks: wh}
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := deadletter.ListFilter{}
	q := r.URL.Query()

	for _, s := range splitCSV(q.Get("status")) {
		filter.Status = append(filter.Status, deadletter.Status(s))
	}
	filter.EventType = splitCSV(q.Get("event_type"))
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, errs.Validation("since must be RFC3339, got %q", since))
			return
		}
		filter.Since = &t
	}
	filter.Limit = intQuery(q.Get("limit"))

	items, err := h.deadLetters.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dead_letters": items, "count": len(items)})
}

func (h *Handlers) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deadLetters.GetStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := h.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dl)
}

func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := h.deadLetters.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, dl)
}

func (h *Handlers) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errs.Validation("invalid request body"))
		return
	}

	dl, err := h.deadLetters.Resolve(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dl)
}

func (h *Handlers) AbandonDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	// The note is optional here; an empty body is fine.
	_ = json.NewDecoder(r.Body).Decode(&req)

	dl, err := h.deadLetters.Abandon(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dl)
}

func (h *Handlers) CreateSyncJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string         `json:"instance_id"`
		Type       string         `json:"type"`
		Config     syncjob.Config `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errs.Validation("invalid request body"))
		return
	}

	active, err := h.jobs.HasActiveJob(r.Context(), req.InstanceID, req.Type)
	if err != nil {
		respondError(w, err)
		return
	}
	if active {
		respondError(w, errs.Conflict("instance %s already has an active %s job", req.InstanceID, req.Type))
		return
	}

	job, err := h.jobs.Create(r.Context(), req.InstanceID, req.Type, req.Config)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, jobView(job))
}

func (h *Handlers) ListSyncJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := syncjob.ListFilter{
		InstanceID: q.Get("instance_id"),
		Type:       splitCSV(q.Get("type")),
		Limit:      intQuery(q.Get("limit")),
	}
	for _, s := range splitCSV(q.Get("status")) {
		filter.Status = append(filter.Status, syncjob.Status(s))
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (h *Handlers) GetSyncJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobView(job))
}

func (h *Handlers) CancelSyncJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobView(job))
}

func (h *Handlers) ActiveSyncJobs(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		respondError(w, errs.Validation("instance_id is required"))
		return
	}

	jobs, err := h.jobs.GetActiveForInstance(r.Context(), instanceID)
	if err != nil {
		respondError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (h *Handlers) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, errs.Validation("webhook body must be a JSON object"))
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	receipt, err := h.webhooks.Receive(r.Context(), name, payload, headers, webhook.ReceiveOptions{
		AutoCreate: r.URL.Query().Get("auto_create") == "true",
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (h *Handlers) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errs.Validation("invalid request body"))
		return
	}

	// Manual publishes are confined to the custom namespace so an operator
	// cannot forge platform events.
	if !strings.HasPrefix(req.EventType, "custom.") {
		respondError(w, errs.Validation("event type must be in the custom.* namespace"))
		return
	}

	result, err := h.webhooks.Trigger(r.Context(), req.EventType, req.Payload, event.Metadata{})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

func (h *Handlers) CreateWebhookSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string          `json:"name"`
		Description     string          `json:"description"`
		ExpectedHeaders map[string]bool `json:"expected_headers"`
		Enabled         *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errs.Validation("invalid request body"))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src, err := h.webhooks.CreateSource(r.Context(), &webhook.Source{
		Name:            req.Name,
		Description:     req.Description,
		ExpectedHeaders: req.ExpectedHeaders,
		Enabled:         enabled,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, src)
}

func (h *Handlers) ListWebhookSources(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if v := r.URL.Query().Get("enabled"); v != "" {
		b := v == "true"
		enabled = &b
	}

	sources, err := h.webhooks.ListSources(r.Context(), enabled)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (h *Handlers) GetWebhookSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.webhooks.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, src)
}

func (h *Handlers) UpdateWebhookSource(w http.ResponseWriter, r *http.Request) {
	var patch webhook.SourcePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, errs.Validation("invalid request body"))
		return
	}

	src, err := h.webhooks.UpdateSource(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, src)
}

func (h *Handlers) DeleteWebhookSource(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.DeleteSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jobView adds the derived progress percentage to the job's wire form.
func jobView(job *syncjob.Job) map[string]any {
	view := map[string]any{
		"id":          job.ID,
		"instance_id": job.InstanceID,
		"type":        job.Type,
		"status":      job.Status,
		"config":      job.Config,
		"progress":    job.Progress,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if pct := job.ProgressPercent(); pct != nil {
		view["progress_percent"] = *pct
	}
	if job.ErrorMessage != "" {
		view["error_message"] = job.ErrorMessage
	}
	if job.StartedAt != nil {
		view["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	return view
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps the error taxonomy onto HTTP statuses and always returns
// a structured {code, message} body.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errs.CodeOf(err)
	switch code {
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeConflict, errs.CodeTerminalState:
		status = http.StatusConflict
	case errs.CodeTransient:
		status = http.StatusServiceUnavailable
	default:
		code = "internal"
	}

	respondJSON(w, status, map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intQuery(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
