// Package orchestrator wraps the external cluster scheduler behind a small
// REST client. The scheduler surface is generic: submit a rendered job spec,
// delete a job, inspect jobs, services, and allocations. Transient transport
// errors are retried with bounded exponential backoff; a circuit breaker
// fails fast while the scheduler is down so request handlers do not pile up.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	// ErrJobNotFound is returned when the scheduler has no job with the id.
	ErrJobNotFound = errors.New("orchestrator: job not found")

	// ErrUnavailable is returned after retries are exhausted or while the
	// circuit breaker is open. The API layer maps it to 503.
	ErrUnavailable = errors.New("orchestrator: scheduler unavailable")
)

// JobSpec is the rendered job submitted to the scheduler.
type JobSpec struct {
	Name string `json:"name"`
	// Type distinguishes batch jobs (train, backup) from services (deploy).
	Type string `json:"type"`
	// Image is the container image tag for the job.
	Image string `json:"image"`
	// CPUMhz is the job's cpu request, checked against the license budget.
	CPUMhz int `json:"cpu_mhz"`
	// MemoryMB is the job's memory request.
	MemoryMB int `json:"memory_mb"`
	// Env is the rendered environment block (model id, artifact paths,
	// endpoint URLs, job token).
	Env map[string]string `json:"env"`
	// Count is the number of replicas for service jobs.
	Count int `json:"count,omitempty"`
}

// Job is the scheduler's view of a submitted job.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // "pending", "running", "dead"
}

// Running reports whether the scheduler considers the job alive.
func (j *Job) Running() bool { return j.Status == "running" }

// ServiceInfo describes a registered service's address.
type ServiceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Allocation is one placed task group with its resource usage, used for the
// license cpu budget.
type Allocation struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	CPUMhz int    `json:"cpu_mhz"`
}

// Client is the scheduler interface used by the job lifecycle manager.
type Client interface {
	SubmitJob(ctx context.Context, spec *JobSpec) (string, error)
	DeleteJob(ctx context.Context, jobID string) error
	JobExists(ctx context.Context, jobID string) (bool, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListServices(ctx context.Context) ([]ServiceInfo, error)
	GetServiceInfo(ctx context.Context, name string) (*ServiceInfo, error)
	ListAllocations(ctx context.Context) ([]Allocation, error)
}

const (
	// Retry policy for transient transport errors: exponential backoff from
	// 500ms capped at 8s, five attempts total.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
	retryAttempts  = 5

	requestTimeout = 60 * time.Second
	healthTimeout  = 5 * time.Second
)

// HTTPClient talks to the scheduler's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the scheduler at baseURL, authenticating
// with the task-runner token.
func NewHTTPClient(baseURL, token string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "scheduler",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.Named("orchestrator"),
	}
}

// transientError marks a transport failure worth retrying. Application
// errors (4xx) are never retried.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// do performs one HTTP exchange with retry and circuit breaking. out, when
// non-nil, receives the decoded JSON response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestrator: marshaling request: %w", err)
		}
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, retry.Do(
			func() error { return c.once(ctx, method, path, payload, out) },
			retry.Context(ctx),
			retry.Attempts(retryAttempts),
			retry.Delay(retryBaseDelay),
			retry.MaxDelay(retryMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var te *transientError
				return errors.As(err, &te)
			}),
		)
	})
	if err != nil {
		var te *transientError
		if errors.As(err, &te) || errors.Is(err, gobreaker.ErrOpenState) {
			c.logger.Warn("scheduler unavailable", zap.String("path", path), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	return nil
}

func (c *HTTPClient) once(ctx context.Context, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("orchestrator: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Task-Runner-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrJobNotFound
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &transientError{err: fmt.Errorf("scheduler returned %d: %s", resp.StatusCode, data)}
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("orchestrator: scheduler rejected request: %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("orchestrator: decoding response: %w", err)
		}
	}
	return nil
}

// SubmitJob POSTs the rendered spec and returns the scheduler's job id.
func (c *HTTPClient) SubmitJob(ctx context.Context, spec *JobSpec) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", spec, &resp); err != nil {
		return "", err
	}
	c.logger.Info("job submitted", zap.String("job_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// DeleteJob stops a job. Deleting an unknown job is a no-op so the call is
// idempotent.
func (c *HTTPClient) DeleteJob(ctx context.Context, jobID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/job/"+url.PathEscape(jobID), nil, nil)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

// JobExists reports whether the scheduler knows the job.
func (c *HTTPClient) JobExists(ctx context.Context, jobID string) (bool, error) {
	_, err := c.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetJob fetches the scheduler's view of a job.
func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListServices lists registered services.
func (c *HTTPClient) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	var services []ServiceInfo
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetServiceInfo resolves one service's address.
func (c *HTTPClient) GetServiceInfo(ctx context.Context, name string) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.do(ctx, http.MethodGet, "/v1/service/"+url.PathEscape(name), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListAllocations lists placed allocations with their resource usage.
func (c *HTTPClient) ListAllocations(ctx context.Context) ([]Allocation, error) {
	var allocs []Allocation
	if err := c.do(ctx, http.MethodGet, "/v1/allocations?resources=true", nil, &allocs); err != nil {
		return nil, err
	}
	return allocs, nil
}
