package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/marksync/internal/config"
	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

// Largest response body read back from a batch endpoint.
const maxResponseBody = 1 << 20

// HTTPBatchTransport posts batches as JSON to per-entity endpoints.
type HTTPBatchTransport struct {
	client    *http.Client
	baseURL   string
	userAgent string
	endpoints map[models.EntityType]string
	logger    *events.Logger
}

// NewHTTPBatchTransport creates an HTTP/2 capable batch transport.
func NewHTTPBatchTransport(cfg *config.APIConfig, logger *events.Logger) *HTTPBatchTransport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPBatchTransport{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		endpoints: map[models.EntityType]string{
			models.EntityNote:     cfg.NotesEndpoint,
			models.EntityBookmark: cfg.BookmarksEndpoint,
		},
		logger: logger.WithField("component", "batch_transport"),
	}
}

// Endpoint returns the URL a batch of the entity type is posted to.
func (t *HTTPBatchTransport) Endpoint(entityType models.EntityType) (string, error) {
	path, ok := t.endpoints[entityType]
	if !ok || path == "" {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownEntityType, entityType)
	}
	return t.baseURL + path, nil
}

// Send posts the batch. Any 2xx is success; everything else is returned as
// a *models.BatchError.
func (t *HTTPBatchTransport) Send(ctx context.Context, token string, batch payload.Batch) error {
	fail := func(phase string, err error) error {
		return &models.BatchError{
			EntityType: batch.EntityType,
			Phase:      phase,
			Count:      batch.Len(),
			Err:        err,
		}
	}

	url, err := t.Endpoint(batch.EntityType)
	if err != nil {
		return fail(models.PhaseEncode, err)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fail(models.PhaseEncode, fmt.Errorf("marshal batch: %w", err))
	}

	requestID := uuid.NewString()
	logger := t.logger.WithFields(map[string]interface{}{
		"entity_type": batch.EntityType,
		"count":       batch.Len(),
		"request_id":  requestID,
	})
	flushID := events.GetFlushID(ctx)
	if flushID != "" {
		logger = logger.WithField("flush_id", flushID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(models.PhaseEncode, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if flushID != "" {
		req.Header.Set("X-Flush-ID", flushID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	logger.WithField("size", len(body)).Debug("Sending batch")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fail(models.PhaseSend, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fail(models.PhaseSend, fmt.Errorf("read response: %w", err))
	}

	logger.WithFields(map[string]interface{}{
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Received batch response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(models.PhaseStatus, apiError(resp.StatusCode, requestID, respBody))
	}

	if trimmed := bytes.TrimSpace(respBody); len(trimmed) > 0 && !json.Valid(trimmed) {
		return fail(models.PhaseDecode, fmt.Errorf("parse response: invalid JSON body (%d bytes)", len(trimmed)))
	}

	return nil
}

func apiError(status int, requestID string, body []byte) *models.APIError {
	apiErr := &models.APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr = &models.APIError{Message: strings.TrimSpace(string(body))}
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	apiErr.StatusCode = status
	apiErr.RequestID = requestID

	switch {
	case apiErr.Code != "":
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Code = models.ErrCodeAuth
	case status == http.StatusTooManyRequests:
		apiErr.Code = models.ErrCodeRateLimit
	case status >= 500:
		apiErr.Code = models.ErrCodeServerError
	default:
		apiErr.Code = models.ErrCodeRejected
	}

	return apiErr
}
