// Package worker runs the job dispatcher: a pool of independent workers
// pulling from the atomically-claimable job queue and invoking the backend
// router.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lexia/inference-gateway/internal/domain"
)

// JobStore is the persistence contract the pool needs. The SQL store
// satisfies it.
type JobStore interface {
	ClaimNextJob(ctx context.Context, kinds []domain.JobKind) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID, code, message string, retryable bool) error
	RequeueStaleJobs(ctx context.Context, olderThan time.Time) (requeued, failed int64, err error)
}

// Invoker dispatches a capability-tagged request to a backend. The backend
// router satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.BackendResponse, error)
}

// Config tunes the pool.
type Config struct {
	Count         int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Pool is a fixed set of workers plus a staleness sweeper. Workers share no
// mutable state beyond the store's atomic claim, so two workers can never
// hold the same job.
type Pool struct {
	store    JobStore
	invoker  Invoker
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. A nil notifier falls back to pure interval polling.
func New(store JobStore, invoker Invoker, notifier Notifier, cfg Config, logger *slog.Logger) *Pool {
	if notifier == nil {
		notifier = NewDirectNotifier()
	}
	return &Pool{
		store:    store,
		invoker:  invoker,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Start launches the workers and the sweeper.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}

	p.wg.Add(1)
	go p.runSweeper(ctx)

	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Count))
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.ClaimNextJob(ctx, domain.AsyncKinds())
		if err != nil {
			p.logger.Error("failed to claim job",
				slog.Int("worker", id), slog.String("error", err.Error()))
			p.notifier.Wait(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.notifier.Wait(ctx, p.cfg.PollInterval)
			continue
		}

		p.process(ctx, id, job)
	}
}

// process runs one claimed attempt to completion. The job is exclusively
// owned by this worker until complete/fail persists the outcome.
func (p *Pool) process(ctx context.Context, workerID int, job *domain.Job) {
	logger := p.logger.With(
		slog.Int("worker", workerID),
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.AttemptCount),
	)
	logger.Info("processing job")

	// Outcome writes run on a detached context: a shutdown that interrupts
	// the attempt must not also strand its result in state running.
	persistCtx := context.WithoutCancel(ctx)

	req, err := buildInvokeRequest(job)
	if err != nil {
		// Undecodable parameters can never succeed on retry.
		p.recordFailure(persistCtx, logger, job, domain.AsAPIError(err), false)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	resp, err := p.invoker.Invoke(jobCtx, req)
	cancel()

	if err != nil {
		apiErr := domain.AsAPIError(err)
		p.recordFailure(persistCtx, logger, job, apiErr, apiErr.Transient())
		return
	}

	if err := p.store.CompleteJob(persistCtx, job.ID, resp.Body); err != nil {
		logger.Error("failed to persist job result", slog.String("error", err.Error()))
		return
	}
	logger.Info("job succeeded")
}

func (p *Pool) recordFailure(ctx context.Context, logger *slog.Logger, job *domain.Job, apiErr *domain.APIError, retryable bool) {
	logger.Warn("job attempt failed",
		slog.String("error", apiErr.Message),
		slog.Bool("retryable", retryable))

	err := p.store.FailJob(ctx, job.ID, string(apiErr.Code), apiErr.Message, retryable)
	if err != nil {
		logger.Error("failed to persist job failure", slog.String("error", err.Error()))
	}
}

func (p *Pool) runSweeper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.cfg.StaleAfter)
			requeued, failed, err := p.store.RequeueStaleJobs(ctx, cutoff)
			if err != nil {
				p.logger.Error("stale job sweep failed", slog.String("error", err.Error()))
				continue
			}
			if requeued > 0 || failed > 0 {
				p.logger.Info("swept stale jobs",
					slog.Int64("requeued", requeued),
					slog.Int64("failed", failed))
			}
		}
	}
}

// buildInvokeRequest maps a claimed job onto the router's tagged request.
func buildInvokeRequest(job *domain.Job) (*domain.InvokeRequest, error) {
	switch job.Kind {
	case domain.JobKindTranscription:
		var payload domain.TranscriptionPayload
		if err := json.Unmarshal(job.Params, &payload); err != nil {
			return nil, domain.ErrValidation("invalid transcription parameters")
		}
		return &domain.InvokeRequest{
			Capability:    domain.CapabilitySTT,
			Transcription: &payload,
		}, nil
	case domain.JobKindDiarization:
		var payload domain.DiarizationPayload
		if err := json.Unmarshal(job.Params, &payload); err != nil {
			return nil, domain.ErrValidation("invalid diarization parameters")
		}
		return &domain.InvokeRequest{
			Capability:  domain.CapabilityDiarize,
			Diarization: &payload,
		}, nil
	default:
		return nil, domain.ErrValidation("unknown job kind: " + string(job.Kind))
	}
}
