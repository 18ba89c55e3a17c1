package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lexia/inference-gateway/internal/domain"
	"github.com/lexia/inference-gateway/internal/storage/sqldb"
)

// mockJobStore is an in-memory queue with the same claim/retry semantics as
// the SQL store.
type mockJobStore struct {
	mu    sync.Mutex
	queue []*domain.Job
	jobs  map[string]*domain.Job
}

func newMockJobStore(jobs ...*domain.Job) *mockJobStore {
	s := &mockJobStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		j.State = domain.JobStateQueued
		if j.MaxAttempts == 0 {
			j.MaxAttempts = 3
		}
		s.jobs[j.ID] = j
		s.queue = append(s.queue, j)
	}
	return s
}

func (s *mockJobStore) ClaimNextJob(ctx context.Context, kinds []domain.JobKind) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.queue {
		if j.State != domain.JobStateQueued {
			continue
		}
		j.State = domain.JobStateRunning
		j.AttemptCount++
		now := time.Now().UTC()
		j.StartedAt = &now
		copied := *j
		return &copied, nil
	}
	return nil, nil
}

func (s *mockJobStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j == nil || j.State != domain.JobStateRunning {
		return domain.ErrInternal("job is not running")
	}
	j.State = domain.JobStateSucceeded
	j.Result = result
	j.ErrorCode, j.ErrorMessage = "", ""
	return nil
}

func (s *mockJobStore) FailJob(ctx context.Context, jobID, code, message string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j == nil || j.State != domain.JobStateRunning {
		return domain.ErrInternal("job is not running")
	}
	j.ErrorCode, j.ErrorMessage = code, message
	if retryable && j.AttemptCount < j.MaxAttempts {
		j.State = domain.JobStateQueued
		j.StartedAt = nil
		return nil
	}
	j.State = domain.JobStateFailed
	return nil
}

func (s *mockJobStore) RequeueStaleJobs(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	return 0, 0, nil
}

func (s *mockJobStore) get(jobID string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

// mockInvoker returns scripted outcomes in order, then repeats the last one.
type mockInvoker struct {
	mu       sync.Mutex
	outcomes []invokeOutcome
	calls    int
}

type invokeOutcome struct {
	resp *domain.BackendResponse
	err  error
}

func (m *mockInvoker) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.BackendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	if idx >= len(m.outcomes) {
		idx = len(m.outcomes) - 1
	}
	m.calls++
	out := m.outcomes[idx]
	return out.resp, out.err
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testPool(store JobStore, invoker Invoker) *Pool {
	return New(store, invoker, nil, Config{
		Count:         1,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitForState(t *testing.T, store *mockJobStore, jobID string, want domain.JobState) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j := store.get(jobID)
		if j.State == want {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	j := store.get(jobID)
	t.Fatalf("job %s state = %s, want %s", jobID, j.State, want)
	return j
}

func transcriptionJob(id string) *domain.Job {
	return &domain.Job{
		ID:     id,
		Kind:   domain.JobKindTranscription,
		Params: json.RawMessage(`{"audio_ref":"a.wav","language":"fr"}`),
	}
}

func TestPool_ProcessesJobToSuccess(t *testing.T) {
	store := newMockJobStore(transcriptionJob("j1"))
	invoker := &mockInvoker{outcomes: []invokeOutcome{
		{resp: &domain.BackendResponse{StatusCode: 200, Body: json.RawMessage(`{"text":"bonjour"}`)}},
	}}

	pool := testPool(store, invoker)
	pool.Start(context.Background())
	defer pool.Stop()

	job := waitForState(t, store, "j1", domain.JobStateSucceeded)
	if string(job.Result) != `{"text":"bonjour"}` {
		t.Errorf("result = %s", job.Result)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", job.AttemptCount)
	}
}

func TestPool_TransientFailureThenSuccess(t *testing.T) {
	store := newMockJobStore(transcriptionJob("j1"))
	invoker := &mockInvoker{outcomes: []invokeOutcome{
		{err: domain.ErrBackendTransient("backend timed out")},
		{resp: &domain.BackendResponse{StatusCode: 200, Body: json.RawMessage(`{"text":"ok"}`)}},
	}}

	pool := testPool(store, invoker)
	pool.Start(context.Background())
	defer pool.Stop()

	job := waitForState(t, store, "j1", domain.JobStateSucceeded)
	if job.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2 (one failed, one successful)", job.AttemptCount)
	}
	if job.ErrorCode != "" || job.ErrorMessage != "" {
		t.Errorf("residual error detail after success: %q %q", job.ErrorCode, job.ErrorMessage)
	}
}

func TestPool_TransientFailuresExhaustAttempts(t *testing.T) {
	job := transcriptionJob("j1")
	job.MaxAttempts = 2
	store := newMockJobStore(job)
	invoker := &mockInvoker{outcomes: []invokeOutcome{
		{err: domain.ErrBackendTransient("boom 1")},
		{err: domain.ErrBackendTransient("boom 2")},
	}}

	pool := testPool(store, invoker)
	pool.Start(context.Background())
	defer pool.Stop()

	got := waitForState(t, store, "j1", domain.JobStateFailed)
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", got.AttemptCount)
	}
	if got.ErrorMessage != "boom 2" {
		t.Errorf("error = %q, want the last attempt's error verbatim", got.ErrorMessage)
	}
}

func TestPool_PermanentFailureDoesNotRetry(t *testing.T) {
	store := newMockJobStore(transcriptionJob("j1"))
	invoker := &mockInvoker{outcomes: []invokeOutcome{
		{err: domain.ErrBackendPermanent("backend rejected request with status 400")},
	}}

	pool := testPool(store, invoker)
	pool.Start(context.Background())
	defer pool.Stop()

	got := waitForState(t, store, "j1", domain.JobStateFailed)
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (no retry on permanent)", got.AttemptCount)
	}
}

func TestPool_UndecodableParamsFailImmediately(t *testing.T) {
	job := &domain.Job{
		ID:     "j1",
		Kind:   domain.JobKindTranscription,
		Params: json.RawMessage(`{"audio_ref":`),
	}
	store := newMockJobStore(job)
	invoker := &mockInvoker{outcomes: []invokeOutcome{
		{resp: &domain.BackendResponse{StatusCode: 200, Body: json.RawMessage(`{}`)}},
	}}

	pool := testPool(store, invoker)
	pool.Start(context.Background())
	defer pool.Stop()

	got := waitForState(t, store, "j1", domain.JobStateFailed)
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if n := invoker.callCount(); n != 0 {
		t.Errorf("invoker called %d times for undecodable params, want 0", n)
	}
}

func TestBuildInvokeRequest(t *testing.T) {
	req, err := buildInvokeRequest(&domain.Job{
		Kind:   domain.JobKindDiarization,
		Params: json.RawMessage(`{"audio_ref":"b.wav","speaker_count":2}`),
	})
	if err != nil {
		t.Fatalf("buildInvokeRequest: %v", err)
	}
	if req.Capability != domain.CapabilityDiarize {
		t.Errorf("capability = %s", req.Capability)
	}
	if req.Diarization.SpeakerCount != 2 || req.Diarization.AudioRef != "b.wav" {
		t.Errorf("payload = %+v", req.Diarization)
	}

	if _, err := buildInvokeRequest(&domain.Job{Kind: "video"}); err == nil {
		t.Error("unknown kind must fail")
	}
}

// slowInvoker holds the backend call until the pool context is cancelled,
// then hands back its result, modeling work that finishes mid-shutdown.
type slowInvoker struct {
	started sync.Once
	claimed chan struct{}
	resp    *domain.BackendResponse
}

func (s *slowInvoker) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.BackendResponse, error) {
	s.started.Do(func() { close(s.claimed) })
	<-ctx.Done()
	return s.resp, nil
}

func TestPool_GracefulStopPersistsOutcome(t *testing.T) {
	store, err := sqldb.NewSQLite(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	job := &domain.Job{
		Kind:       domain.JobKindTranscription,
		OwnerKeyID: "k",
		Params:     json.RawMessage(`{"audio_ref":"a.wav"}`),
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	invoker := &slowInvoker{
		claimed: make(chan struct{}),
		resp:    &domain.BackendResponse{StatusCode: 200, Body: json.RawMessage(`{"text":"done"}`)},
	}
	pool := New(store, invoker, nil, Config{
		Count:         1,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pool.Start(ctx)

	select {
	case <-invoker.claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never claimed the job")
	}

	// Stop interrupts the in-flight attempt; its outcome must still land.
	pool.Stop()

	got, err := store.GetJob(ctx, job.ID, "k", false)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != domain.JobStateSucceeded {
		t.Fatalf("state after graceful stop = %s, want succeeded", got.State)
	}
	if string(got.Result) != `{"text":"done"}` {
		t.Errorf("result = %s, want the completed backend result", got.Result)
	}
}

func TestDirectNotifier_WakeUnblocksWait(t *testing.T) {
	n := NewDirectNotifier()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		n.Wait(ctx, time.Minute)
		close(done)
	}()

	// Give the waiter a moment to park, then wake it.
	time.Sleep(10 * time.Millisecond)
	n.Wake(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Wait")
	}
}

func TestDirectNotifier_WakeNeverBlocks(t *testing.T) {
	n := NewDirectNotifier()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		n.Wake(ctx)
	}
}
