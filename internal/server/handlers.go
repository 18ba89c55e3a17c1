package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// JobStore is the persistence contract the front door needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID, ownerKeyID string, admin bool) (*domain.Job, error)
	CancelJob(ctx context.Context, jobID, ownerKeyID string, admin bool) (*domain.Job, error)
	ListJobs(ctx context.Context, ownerKeyID string, state domain.JobState, kind domain.JobKind, limit, offset int) ([]*domain.Job, error)
}

// Invoker dispatches synchronous requests to backends. The backend router
// satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.BackendResponse, error)
	Models(ctx context.Context) (*domain.BackendResponse, error)
	HealthSnapshot() map[string]bool
}

// Notifier wakes idle workers after an enqueue. The worker package provides
// implementations.
type Notifier interface {
	Wake(ctx context.Context)
}

// Handler carries the front door's collaborators.
type Handler struct {
	jobs         JobStore
	invoker      Invoker
	notifier     Notifier
	maxAttempts  int
	staticModels []config.ModelListItem
}

// NewHandler creates the front door handler. maxAttempts is the per-job
// attempt budget stamped onto submissions. staticModels, when configured,
// serves as the model list fallback while no chat backend is reachable.
func NewHandler(jobs JobStore, invoker Invoker, notifier Notifier, maxAttempts int, staticModels []config.ModelListItem) *Handler {
	return &Handler{
		jobs:         jobs,
		invoker:      invoker,
		notifier:     notifier,
		maxAttempts:  maxAttempts,
		staticModels: staticModels,
	}
}

// HandleHealth reports gateway liveness and per-backend health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"backends": h.invoker.HealthSnapshot(),
	})
}

// HandleModels proxies the model list from a chat backend, falling back to
// the statically configured list when no backend is reachable.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	resp, err := h.invoker.Models(r.Context())
	if err != nil {
		if len(h.staticModels) > 0 {
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"object": "list",
				"data":   h.staticModels,
			})
			return
		}
		WriteError(w, r, err)
		return
	}
	writeBackendResponse(w, resp)
}

// HandleChatCompletion forwards a chat completion synchronously. The
// upstream leg runs on a detached context so a caller disconnect never
// aborts the backend call mid-flight; the result is simply discarded when
// the caller is gone.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, domain.ErrValidation("failed to read request body"))
		return
	}

	var payload domain.ChatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteError(w, r, domain.ErrValidation("request body is not valid JSON"))
		return
	}
	payload.Raw = body

	req := &domain.InvokeRequest{
		Capability: domain.CapabilityChat,
		Chat:       &payload,
	}
	if verr := req.Validate(); verr != nil {
		WriteError(w, r, verr)
		return
	}

	resp, err := h.invoker.Invoke(context.WithoutCancel(r.Context()), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	writeBackendResponse(w, resp)
}

// HandleCreateTranscription enqueues an asynchronous transcription job and
// returns its identifier immediately. Submission fails only if the durable
// enqueue write fails.
func (h *Handler) HandleCreateTranscription(w http.ResponseWriter, r *http.Request) {
	var payload domain.TranscriptionPayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, r, err)
		return
	}

	req := &domain.InvokeRequest{
		Capability:    domain.CapabilitySTT,
		Transcription: &payload,
	}
	if verr := req.Validate(); verr != nil {
		WriteError(w, r, verr)
		return
	}

	h.enqueueJob(w, r, domain.JobKindTranscription, payload.AudioRef, payload)
}

// HandleCreateDiarization enqueues an asynchronous speaker diarization job.
func (h *Handler) HandleCreateDiarization(w http.ResponseWriter, r *http.Request) {
	var payload domain.DiarizationPayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, r, err)
		return
	}

	req := &domain.InvokeRequest{
		Capability:  domain.CapabilityDiarize,
		Diarization: &payload,
	}
	if verr := req.Validate(); verr != nil {
		WriteError(w, r, verr)
		return
	}

	h.enqueueJob(w, r, domain.JobKindDiarization, payload.AudioRef, payload)
}

func (h *Handler) enqueueJob(w http.ResponseWriter, r *http.Request, kind domain.JobKind, inputRef string, params interface{}) {
	key := GetAPIKey(r.Context())
	if key == nil {
		WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
		return
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		WriteError(w, r, domain.ErrInternal("failed to encode job parameters"))
		return
	}

	job := &domain.Job{
		Kind:        kind,
		OwnerKeyID:  key.ID,
		InputRef:    inputRef,
		Params:      rawParams,
		MaxAttempts: h.maxAttempts,
	}

	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		AddError(r.Context(), err)
		WriteError(w, r, domain.ErrInternal("failed to enqueue job"))
		return
	}

	if h.notifier != nil {
		h.notifier.Wake(context.WithoutCancel(r.Context()))
	}

	AddLogField(r.Context(), "job_id", job.ID)
	WriteJSON(w, http.StatusAccepted, jobView(job))
}

// HandleGetJob resolves a job for polling. Foreign-owned jobs read as not
// found so existence never leaks across tenants; keys with the admin
// capability see every job. Terminal jobs are immutable, so repeated polls
// of a finished job always return the same result.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	key := GetAPIKey(r.Context())
	if key == nil {
		WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := h.jobs.GetJob(r.Context(), jobID, key.ID, key.Can(domain.CapabilityAdmin))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if job == nil {
		WriteError(w, r, domain.ErrNotFound("job not found").
			WithCode(domain.ErrorCodeJobNotFound))
		return
	}

	WriteJSON(w, http.StatusOK, jobView(job))
}

// HandleCancelJob cancels a queued job. A job already claimed by a worker or
// already terminal cannot be withdrawn and yields a conflict.
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	key := GetAPIKey(r.Context())
	if key == nil {
		WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := h.jobs.CancelJob(r.Context(), jobID, key.ID, key.Can(domain.CapabilityAdmin))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if job == nil {
		WriteError(w, r, domain.ErrNotFound("job not found").
			WithCode(domain.ErrorCodeJobNotFound))
		return
	}

	WriteJSON(w, http.StatusOK, jobView(job))
}

// HandleListJobs lists the caller's own jobs, newest first.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	key := GetAPIKey(r.Context())
	if key == nil {
		WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
		return
	}

	q := r.URL.Query()
	jobs, err := h.jobs.ListJobs(r.Context(), key.ID,
		domain.JobState(q.Get("state")), domain.JobKind(q.Get("kind")),
		intParam(q.Get("limit"), 50), intParam(q.Get("offset"), 0))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	views := make([]*jobResponse, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// jobResponse is the client-visible shape of a job.
type jobResponse struct {
	ID           string           `json:"id"`
	Kind         domain.JobKind   `json:"kind"`
	State        domain.JobState  `json:"state"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Error        *domain.JobError `json:"error,omitempty"`
}

func jobView(job *domain.Job) *jobResponse {
	return &jobResponse{
		ID:           job.ID,
		Kind:         job.Kind,
		State:        job.State,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		Result:       job.Result,
		Error:        job.Err(),
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.ErrValidation("failed to read request body")
	}
	if len(body) == 0 {
		return domain.ErrValidation("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.ErrValidation("request body is not valid JSON")
	}
	return nil
}

func writeBackendResponse(w http.ResponseWriter, resp *domain.BackendResponse) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
