package domain

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of an asynchronous job. Transitions are
// monotonic: queued -> running -> {succeeded | failed}. A running job may
// return to queued only as a retry re-enqueue. Terminal states are immutable.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobKind identifies the type of asynchronous work.
type JobKind string

const (
	JobKindTranscription JobKind = "transcription"
	JobKindDiarization   JobKind = "diarization"
)

// Capability returns the capability a key needs to submit jobs of this kind,
// which is also the capability the worker invokes on the backend router.
func (k JobKind) Capability() Capability {
	switch k {
	case JobKindTranscription:
		return CapabilitySTT
	case JobKindDiarization:
		return CapabilityDiarize
	default:
		return ""
	}
}

// AsyncKinds lists every job kind the dispatcher processes.
func AsyncKinds() []JobKind {
	return []JobKind{JobKindTranscription, JobKindDiarization}
}

// Job is a unit of asynchronous work with durable state, identified by an
// opaque id and polled by the submitting client.
type Job struct {
	ID           string          `db:"id" json:"id"`
	Kind         JobKind         `db:"kind" json:"kind"`
	OwnerKeyID   string          `db:"owner_key_id" json:"-"`
	InputRef     string          `db:"input_ref" json:"input_ref,omitempty"`
	Params       json.RawMessage `db:"params" json:"params,omitempty"`
	State        JobState        `db:"state" json:"state"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	ErrorCode    string          `db:"error_code" json:"-"`
	ErrorMessage string          `db:"error_message" json:"-"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts  int             `db:"max_attempts" json:"-"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// JobError is the error detail surfaced on poll for a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err returns the recorded failure detail, or nil while the job is not failed.
func (j *Job) Err() *JobError {
	if j.State != JobStateFailed {
		return nil
	}
	code := j.ErrorCode
	if code == "" {
		code = string(ErrorCodeJobProcessingError)
	}
	return &JobError{Code: code, Message: j.ErrorMessage}
}
