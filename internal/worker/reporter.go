package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// StatusReporter carries deployment lifecycle signals back to the control
// plane. The HTTP implementation authenticates with the job token injected
// into the worker's environment; Noop serves tests.
type StatusReporter interface {
	// ReportStatus posts a deploy status transition for this worker's model.
	ReportStatus(ctx context.Context, status db.Status, message string) error

	// StopSelf asks the control plane to delete this worker's deployment
	// job. Used by the auto-idle shutdown.
	StopSelf(ctx context.Context) error

	// RegisterDerived registers a saved artifact as a new model named name,
	// parented to this worker's model. Returns the new model id.
	RegisterDerived(ctx context.Context, name string) (string, error)
}

// HTTPReporter talks to the control-plane API.
type HTTPReporter struct {
	endpoint string
	modelID  string
	jobToken string
	http     *http.Client
	logger   *zap.Logger
}

// NewHTTPReporter creates a reporter for the control plane at endpoint.
func NewHTTPReporter(endpoint, modelID, jobToken string, logger *zap.Logger) *HTTPReporter {
	return &HTTPReporter{
		endpoint: endpoint,
		modelID:  modelID,
		jobToken: jobToken,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.Named("reporter"),
	}
}

// ReportStatus posts a transition for this worker's model. The job token's
// claim names the model; the body carries only the status and message, and
// the endpoint rejects unknown fields.
func (r *HTTPReporter) ReportStatus(ctx context.Context, status db.Status, message string) error {
	body := map[string]string{
		"status":  string(status),
		"message": message,
	}
	if err := r.post(ctx, http.MethodPost, "/api/v1/deploy/update-status", body, nil); err != nil {
		return err
	}
	r.logger.Info("status reported", zap.String("status", string(status)))
	return nil
}

func (r *HTTPReporter) StopSelf(ctx context.Context) error {
	return r.post(ctx, http.MethodDelete, "/api/v1/deploy/"+r.modelID, nil, nil)
}

func (r *HTTPReporter) RegisterDerived(ctx context.Context, name string) (string, error) {
	var resp struct {
		Data struct {
			ModelID string `json:"model_id"`
		} `json:"data"`
	}
	body := map[string]string{"model_name": name}
	if err := r.post(ctx, http.MethodPost, "/api/v1/deploy/"+r.modelID+"/save", body, &resp); err != nil {
		return "", err
	}
	return resp.Data.ModelID, nil
}

func (r *HTTPReporter) post(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("worker: encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("worker: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.jobToken)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker: calling control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("worker: control plane returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("worker: decoding response: %w", err)
		}
	}
	return nil
}

// NoopReporter records the last reported status, for tests.
type NoopReporter struct {
	Statuses []db.Status
	Stops    int
}

func (n *NoopReporter) ReportStatus(_ context.Context, status db.Status, _ string) error {
	n.Statuses = append(n.Statuses, status)
	return nil
}

func (n *NoopReporter) StopSelf(context.Context) error {
	n.Stops++
	return nil
}

func (n *NoopReporter) RegisterDerived(_ context.Context, name string) (string, error) {
	return "", nil
}
