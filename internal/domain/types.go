package domain

import (
	"encoding/json"
	"time"
)

// Capability is a named permission scoping what operation a key may invoke.
type Capability string

const (
	CapabilityChat    Capability = "chat"
	CapabilitySTT     Capability = "stt"
	CapabilityDiarize Capability = "diarize"
	CapabilityAdmin   Capability = "admin"

	// CapabilityAll is the wildcard permission granting every capability.
	CapabilityAll Capability = "*"
)

// APIKey is a credential record. The secret itself is never stored; only a
// salted one-way hash of it.
type APIKey struct {
	ID          string     `db:"id" json:"id"`
	KeyHash     string     `db:"key_hash" json:"-"`
	OwnerID     string     `db:"owner_id" json:"owner_id"`
	Permissions []string   `db:"-" json:"permissions"`
	RateLimit   int        `db:"rate_limit" json:"rate_limit"`
	Revoked     bool       `db:"revoked" json:"revoked"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// Can reports whether the key grants the given capability, either exactly
// or through the wildcard permission.
func (k *APIKey) Can(c Capability) bool {
	for _, p := range k.Permissions {
		if p == string(CapabilityAll) || p == string(c) {
			return true
		}
	}
	return false
}

// ChatMessage is one turn of a chat conversation. Content is kept raw since
// the exact schema is owned by the backend.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatPayload is the envelope of a synchronous chat completion request.
// Raw carries the full client body so the backend receives it unmodified;
// the typed fields exist only for envelope validation.
type ChatPayload struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// TranscriptionPayload is the parameter set of an asynchronous
// transcription job.
type TranscriptionPayload struct {
	AudioRef       string `json:"audio_ref"`
	Language       string `json:"language,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
}

// DiarizationPayload is the parameter set of an asynchronous speaker
// diarization job.
type DiarizationPayload struct {
	AudioRef     string `json:"audio_ref"`
	SpeakerCount int    `json:"speaker_count,omitempty"`
	Language     string `json:"language,omitempty"`
}

// InvokeRequest is the tagged union dispatched through the backend router.
// Exactly one payload matching Capability is set.
type InvokeRequest struct {
	Capability    Capability
	Chat          *ChatPayload
	Transcription *TranscriptionPayload
	Diarization   *DiarizationPayload
}

// Validate checks that the request carries the payload its capability
// requires and that required envelope fields are present.
func (r *InvokeRequest) Validate() *APIError {
	switch r.Capability {
	case CapabilityChat:
		if r.Chat == nil {
			return ErrValidation("chat payload required")
		}
		if r.Chat.Model == "" {
			return ErrValidation("model is required").WithParam("model")
		}
		if len(r.Chat.Messages) == 0 {
			return ErrValidation("messages must not be empty").WithParam("messages")
		}
	case CapabilitySTT:
		if r.Transcription == nil || r.Transcription.AudioRef == "" {
			return ErrValidation("audio_ref is required").WithParam("audio_ref")
		}
	case CapabilityDiarize:
		if r.Diarization == nil || r.Diarization.AudioRef == "" {
			return ErrValidation("audio_ref is required").WithParam("audio_ref")
		}
		if r.Diarization.SpeakerCount < 0 {
			return ErrValidation("speaker_count must not be negative").WithParam("speaker_count")
		}
	default:
		return ErrValidation("unsupported capability: " + string(r.Capability))
	}
	return nil
}

// BackendResponse is the envelope of a successful backend call. ContentType
// is the backend's content type; empty means application/json. Streamed
// (SSE) completions arrive buffered whole with their event-stream content
// type preserved.
type BackendResponse struct {
	StatusCode  int
	ContentType string
	Body        json.RawMessage
}
