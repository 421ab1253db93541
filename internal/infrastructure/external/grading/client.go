// Package grading talks to the course grading service that receives
// finished lab sessions.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the grading client.
type ClientConfig struct {
	// BaseURL is the grading API base URL, without the trailing slash.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one submission round trip.
	Timeout time.Duration

	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client submits sessions over HTTP. It never retries: a failed submission
// goes back to the student, and the submission id makes their retry safe.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ session.Submitter = (*Client)(nil)

// NewClient creates a grading client. A nil breaker gets the default
// grading breaker.
func NewClient(config ClientConfig, breaker *circuitbreaker.CircuitBreaker) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	logger := config.Logger.With("component", "grading_client")
	if breaker == nil {
		breaker = circuitbreaker.GradingBreaker(func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// responseBody is the grading service's answer to a submission.
type responseBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Submit posts the submission. A definite answer from the service, positive
// or not, is returned as a result; transport failures, 5xx responses and an
// open breaker are returned as errors matching shared.ErrGradingUnavailable.
func (c *Client) Submit(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	var result session.SubmitResult

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.post(ctx, req)
		return err
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			c.logger.Warn("grading breaker open, submission refused",
				"exercise_id", req.ExerciseID, "submission_id", req.SubmissionID)
		}
		return session.SubmitResult{}, shared.WrapError("grading", "Submit", shared.ErrGradingUnavailable, "submission not delivered", err)
	}

	if !result.Success {
		c.logger.Info("submission rejected",
			"exercise_id", req.ExerciseID, "student_id", req.StudentID,
			"submission_id", req.SubmissionID, "reason", result.Error)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return session.SubmitResult{}, fmt.Errorf("marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return session.SubmitResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.SubmissionID != "" {
		httpReq.Header.Set("Idempotency-Key", req.SubmissionID)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return session.SubmitResult{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return session.SubmitResult{}, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("grading api response",
		"status", resp.StatusCode, "latency", time.Since(start), "submission_id", req.SubmissionID)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return session.SubmitResult{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	var decoded responseBody
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil && resp.StatusCode < 300 {
			return session.SubmitResult{}, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		reason := decoded.Error
		if reason == "" {
			reason = fmt.Sprintf("grading service answered %d", resp.StatusCode)
		}
		return session.SubmitResult{Success: false, Error: reason}, nil
	}
	return session.SubmitResult{Success: decoded.Success, Error: decoded.Error}, nil
}

// StatusError reports a response the service could not process.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("grading api status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err carries the given response status.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
