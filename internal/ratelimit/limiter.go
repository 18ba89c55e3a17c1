// Package ratelimit implements per-key fixed-window request admission.
//
// Windows are one-minute buckets aligned to UTC wall-clock minute boundaries.
// Fixed windows were chosen over sliding windows deliberately: bounded memory,
// O(1) updates, and at most 2x the limit across a boundary, which is an
// acceptable burst for this workload.
package ratelimit

import (
	"context"
	"time"

	"github.com/lexia/inference-gateway/internal/domain"
)

// windowSeconds is the fixed window length.
const windowSeconds = 60

// Result reports admission accounting for response headers.
type Result struct {
	// Limit is the effective per-window limit applied.
	Limit int
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// Reset is when the current window rolls over.
	Reset time.Time
}

// Limiter admits or denies a request for a key. Implementations serialize
// concurrent admits for the same key; admits for different keys never block
// each other. A denial returns a Throttled error carrying the seconds until
// the next window boundary.
type Limiter interface {
	Admit(ctx context.Context, keyID string, limitPerMinute int) (*Result, error)
}

// windowStart truncates t to its UTC minute boundary.
func windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// throttled builds the denial for a full window.
func throttled(limit int, reset time.Time, now time.Time) (*Result, error) {
	retryAfter := int(reset.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Result{Limit: limit, Remaining: 0, Reset: reset},
		domain.ErrThrottled(retryAfter)
}
