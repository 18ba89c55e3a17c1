// Package backend routes capability-tagged requests to configured inference
// backends, classifies failures, and tracks backend health.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/domain"
)

// capability paths on the backend services.
const (
	chatPath       = "/v1/chat/completions"
	transcribePath = "/transcribe"
	diarizePath    = "/diarize"
	modelsPath     = "/v1/models"
	healthPath     = "/health"
)

// maxResponseBytes caps buffered backend responses.
const maxResponseBytes = 32 << 20

// Router maps a capability to one of its configured targets, performs the
// HTTP call, and translates backend failures into gateway-level errors.
type Router struct {
	client    *http.Client
	targets   map[domain.Capability][]*Target
	rr        map[domain.Capability]*uint32
	threshold int
	timeout   time.Duration
	logger    *slog.Logger
}

// New builds a router from backend configuration.
func New(backends []config.BackendConfig, routerCfg config.RouterConfig, logger *slog.Logger) (*Router, error) {
	targets := make(map[domain.Capability][]*Target)
	rr := make(map[domain.Capability]*uint32)

	for _, b := range backends {
		capability := domain.Capability(b.Capability)
		switch capability {
		case domain.CapabilityChat, domain.CapabilitySTT, domain.CapabilityDiarize:
		default:
			return nil, fmt.Errorf("backend %q has unknown capability %q", b.Name, b.Capability)
		}
		targets[capability] = append(targets[capability], &Target{
			Name:       b.Name,
			Capability: capability,
			BaseURL:    strings.TrimRight(b.BaseURL, "/"),
			APIKey:     b.APIKey,
		})
		if rr[capability] == nil {
			rr[capability] = new(uint32)
		}
	}

	threshold := routerCfg.UnhealthyThreshold
	if threshold <= 0 {
		threshold = 3
	}
	timeout := routerCfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Router{
		client:    &http.Client{},
		targets:   targets,
		rr:        rr,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Invoke selects a healthy target for the request's capability and performs
// the backend call. Transient failures (timeout, malformed response, 5xx)
// get one automatic retry against a different healthy target when one
// exists; permanent failures (4xx) propagate immediately.
func (r *Router) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.BackendResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	path, body, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	target, err := r.pickTarget(req.Capability, nil)
	if err != nil {
		return nil, err
	}

	// A streamed chat completion comes back as an SSE body, not JSON.
	stream := req.Capability == domain.CapabilityChat && req.Chat.Stream

	resp, callErr := r.call(ctx, target, http.MethodPost, path, body, stream)
	if callErr == nil {
		return resp, nil
	}

	apiErr := domain.AsAPIError(callErr)
	if !apiErr.Transient() {
		return nil, callErr
	}

	// One retry against a different healthy target, if any.
	retryTarget, pickErr := r.pickTarget(req.Capability, target)
	if pickErr != nil || retryTarget == target {
		return nil, callErr
	}

	r.logger.Info("retrying transient backend failure",
		slog.String("capability", string(req.Capability)),
		slog.String("failed_target", target.Name),
		slog.String("retry_target", retryTarget.Name))

	return r.call(ctx, retryTarget, http.MethodPost, path, body, stream)
}

// Models fetches the model list from a chat backend.
func (r *Router) Models(ctx context.Context) (*domain.BackendResponse, error) {
	target, err := r.pickTarget(domain.CapabilityChat, nil)
	if err != nil {
		return nil, err
	}
	return r.call(ctx, target, http.MethodGet, modelsPath, nil, false)
}

// HealthSnapshot reports the current health of every configured target.
func (r *Router) HealthSnapshot() map[string]bool {
	snapshot := make(map[string]bool)
	for _, targets := range r.targets {
		for _, t := range targets {
			snapshot[t.Name] = t.Healthy()
		}
	}
	return snapshot
}

// StartProbes launches the background health probe loop. Unhealthy targets
// rejoin the rotation on the first successful probe. Stops when ctx is done.
func (r *Router) StartProbes(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ProbeOnce(ctx)
			}
		}
	}()
}

// ProbeOnce probes every unhealthy target once.
func (r *Router) ProbeOnce(ctx context.Context) {
	for _, targets := range r.targets {
		for _, t := range targets {
			if t.Healthy() {
				continue
			}
			if r.probe(ctx, t) {
				t.markSuccess()
				r.logger.Info("backend target recovered", slog.String("target", t.Name))
			}
		}
	}
}

func (r *Router) probe(ctx context.Context, t *Target) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.BaseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	return resp.StatusCode < 500
}

// pickTarget selects the next healthy target for the capability, skipping
// exclude. Round-robin, no weighting.
func (r *Router) pickTarget(capability domain.Capability, exclude *Target) (*Target, error) {
	targets := r.targets[capability]
	if len(targets) == 0 {
		return nil, domain.ErrBackendTransient(
			fmt.Sprintf("no backend configured for capability %q", capability)).
			WithCode(domain.ErrorCodeBackendUnavailable)
	}

	counter := r.rr[capability]
	for i := 0; i < len(targets); i++ {
		idx := int(atomic.AddUint32(counter, 1)-1) % len(targets)
		t := targets[idx]
		if t == exclude || !t.Healthy() {
			continue
		}
		return t, nil
	}

	return nil, domain.ErrBackendTransient(
		fmt.Sprintf("no healthy backend for capability %q", capability)).
		WithCode(domain.ErrorCodeBackendUnavailable)
}

// call performs one HTTP round trip and classifies the outcome. A timeout,
// network error, malformed body, or 5xx is transient; a 4xx is permanent.
// With stream set, a successful body is relayed as-is instead of being held
// to the JSON contract.
func (r *Router) call(ctx context.Context, t *Target, method, path string, body []byte, stream bool) (*domain.BackendResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, t.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		t.markFailure(r.threshold)
		return nil, domain.ErrBackendTransient("backend call failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		t.markFailure(r.threshold)
		return nil, domain.ErrBackendTransient("failed to read backend response")
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		t.markFailure(r.threshold)
		return nil, domain.ErrBackendTransient(
			fmt.Sprintf("backend returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		// A rejected request shape is the caller's problem, not the
		// target's health.
		t.markSuccess()
		return nil, domain.ErrBackendPermanent(
			fmt.Sprintf("backend rejected request with status %d", resp.StatusCode))
	}

	if !stream && !json.Valid(payload) {
		t.markFailure(r.threshold)
		return nil, domain.ErrBackendTransient("backend returned a malformed response")
	}

	t.markSuccess()
	return &domain.BackendResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
	}, nil
}

// encodeRequest maps the tagged payload onto the backend wire schema. The
// router owns only the envelope; payload schemas belong to the backends.
func encodeRequest(req *domain.InvokeRequest) (string, []byte, error) {
	switch req.Capability {
	case domain.CapabilityChat:
		if len(req.Chat.Raw) > 0 {
			return chatPath, req.Chat.Raw, nil
		}
		body, err := json.Marshal(req.Chat)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode chat payload: %w", err)
		}
		return chatPath, body, nil
	case domain.CapabilitySTT:
		body, err := json.Marshal(req.Transcription)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode transcription payload: %w", err)
		}
		return transcribePath, body, nil
	case domain.CapabilityDiarize:
		body, err := json.Marshal(req.Diarization)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode diarization payload: %w", err)
		}
		return diarizePath, body, nil
	default:
		return "", nil, domain.ErrValidation("unsupported capability: " + string(req.Capability))
	}
}
