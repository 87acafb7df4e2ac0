// Package taskexec provides sample backend.Backend adapters over plain
// HTTP endpoints and local scripts. These are illustrative adapters,
// not a required backend: the orchestrator and workflow executor only
// depend on backend.Backend.
package taskexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// HTTPBackend forwards Chat calls to a remote inference endpoint as a
// JSON POST, mirroring HTTPTaskExecutor's connection pooling, header
// propagation and size-limited response reading.
type HTTPBackend struct {
	client       *http.Client
	endpoint     string
	modelType    string
	capabilities backend.Capabilities
	tracer       trace.Tracer
	maxRetries   uint64
}

// HTTPOption configures an HTTPBackend at construction.
type HTTPOption func(*HTTPBackend)

func WithHTTPClient(c *http.Client) HTTPOption { return func(h *HTTPBackend) { h.client = c } }
func WithCapabilities(c backend.Capabilities) HTTPOption {
	return func(h *HTTPBackend) { h.capabilities = c }
}

// WithMaxRetries bounds how many times Chat retries a transient failure
// (network error or 5xx) before giving up.
func WithMaxRetries(n uint64) HTTPOption { return func(h *HTTPBackend) { h.maxRetries = n } }

// NewHTTPBackend targets endpoint, e.g. "http://audio-gen:8080/v1/chat".
func NewHTTPBackend(endpoint string, opts ...HTTPOption) *HTTPBackend {
	h := &HTTPBackend{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		capabilities: backend.Capabilities{ContextWindow: 8192, ModelType: "http"},
		tracer:       otel.Tracer("taskexec-http"),
		maxRetries:   2,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Chat retries transient failures (connection errors, 5xx) with
// exponential backoff; a 4xx response or a malformed request is
// permanent and returned immediately.
func (h *HTTPBackend) Chat(ctx context.Context, opts backend.ChatOptions) (backend.ChatResult, error) {
	ctx, span := h.tracer.Start(ctx, "taskexec.http.chat", trace.WithAttributes(
		attribute.String("endpoint", h.endpoint),
	))
	defer span.End()

	reqBody, err := json.Marshal(opts)
	if err != nil {
		return backend.ChatResult{}, rterr.Wrap(rterr.KindProviderError, "marshal chat request", err)
	}

	var result backend.ChatResult
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(rterr.Wrap(rterr.KindProviderError, "build chat request", err))
		}
		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

		resp, err := h.client.Do(req)
		if err != nil {
			return rterr.Wrap(rterr.KindProviderError, "chat request failed", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return rterr.Wrap(rterr.KindProviderError, "read chat response", err)
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 500 {
			return rterr.New(rterr.KindProviderError, fmt.Sprintf("http %d: %s", resp.StatusCode, string(body)))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(rterr.New(rterr.KindProviderError, fmt.Sprintf("http %d: %s", resp.StatusCode, string(body))))
		}

		if err := json.Unmarshal(body, &result); err != nil {
			result = backend.ChatResult{Content: string(body), Role: types.RoleAssistant}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return backend.ChatResult{}, err
	}
	return result, nil
}

func (h *HTTPBackend) GetCapabilities(ctx context.Context) (backend.Capabilities, error) {
	return h.capabilities, nil
}

func (h *HTTPBackend) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

func (h *HTTPBackend) GetResourceMetrics(ctx context.Context) (backend.ResourceMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/metrics", nil)
	if err != nil {
		return backend.ResourceMetrics{}, rterr.Wrap(rterr.KindProviderError, "build metrics request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return backend.ResourceMetrics{}, rterr.Wrap(rterr.KindProviderError, "fetch resource metrics", err)
	}
	defer resp.Body.Close()

	var metrics backend.ResourceMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return backend.ResourceMetrics{}, rterr.Wrap(rterr.KindProviderError, "decode resource metrics", err)
	}
	return metrics, nil
}

func (h *HTTPBackend) GetContextState(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/context", nil)
	if err != nil {
		return nil, rterr.Wrap(rterr.KindProviderError, "build context-state request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, rterr.Wrap(rterr.KindProviderError, "fetch context state", err)
	}
	defer resp.Body.Close()

	var state map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, rterr.Wrap(rterr.KindProviderStateMismatch, "decode context state", err)
	}
	return state, nil
}

func (h *HTTPBackend) SetContextState(ctx context.Context, state map[string]interface{}) error {
	body, err := json.Marshal(state)
	if err != nil {
		return rterr.Wrap(rterr.KindProviderStateMismatch, "marshal context state", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.endpoint+"/context", bytes.NewReader(body))
	if err != nil {
		return rterr.Wrap(rterr.KindProviderError, "build set-context request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return rterr.Wrap(rterr.KindProviderError, "set context state", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return rterr.New(rterr.KindProviderStateMismatch, fmt.Sprintf("set-context http %d", resp.StatusCode))
	}
	return nil
}

// headerCarrier adapts http.Header for OpenTelemetry propagation.
type headerCarrier struct {
	header http.Header
}

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}

var _ backend.Backend = (*HTTPBackend)(nil)
