package mlclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/example/fruit-quality/internal/classification"
)

// ServiceHealth is the subset of the ML service's /health document the
// gateway cares about.
type ServiceHealth struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	DemoMode    bool   `json:"demo_mode"`
}

// Healthy reports whether the service declared itself healthy.
func (h *ServiceHealth) Healthy() bool {
	return h != nil && (h.Status == "healthy" || h.Status == "ok")
}

// Health queries <endpoint>/health. Errors follow the same taxonomy as
// Classify.
func (c *Client) Health(ctx context.Context) (*ServiceHealth, error) {
	if c.endpoint == "" {
		return nil, classification.NewConnectionError("ML service URL not configured", ErrEndpointNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(c.endpoint + "/health")
	if err != nil {
		return nil, transportError(err)
	}
	if !resp.IsSuccess() {
		return nil, httpError(resp.StatusCode(), resp.Body())
	}

	var health ServiceHealth
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return nil, classification.NewInvalidResponseError("ML service returned malformed health document", err)
	}
	c.logger.Debug("health check completed", zap.String("status", health.Status), zap.Duration("elapsed", time.Since(started)))
	return &health, nil
}
