package mlclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/fruit-quality/internal/classification"
	"github.com/example/fruit-quality/internal/imageprep"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// ErrEndpointNotConfigured is wrapped by the connection error returned when
// the client has no endpoint.
var ErrEndpointNotConfigured = errors.New("ml service endpoint not configured")

// Client talks to the remote fruit-quality model over HTTP. It holds no
// per-request state and is safe for concurrent use.
type Client struct {
	endpoint      string
	timeout       time.Duration
	healthTimeout time.Duration
	http          *resty.Client
	logger        *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout bounds every Classify call. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHealthTimeout bounds every Health call.
func WithHealthTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.healthTimeout = timeout
		}
	}
}

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = resty.NewWithClient(hc)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client for the service rooted at endpoint. An empty endpoint
// is accepted here and reported by every call instead.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:      strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		timeout:       DefaultTimeout,
		healthTimeout: DefaultHealthTimeout,
		http:          resty.New(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("mlclient")
	c.http.SetLogger(c.logger.Sugar())
	return c
}

// Endpoint returns the configured base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Timeout returns the deadline applied to Classify.
func (c *Client) Timeout() time.Duration { return c.timeout }

type predictRequest struct {
	Image string `json:"image"`
}

// Classify posts img to <endpoint>/predict and returns the validated result.
// Every failure is a *classification.Error. The request is bound to a
// deadline of c.Timeout(); when it expires the connection is torn down and
// nothing that arrives afterwards is looked at.
func (c *Client) Classify(ctx context.Context, img *imageprep.CanonicalImage) (*classification.Result, error) {
	if c.endpoint == "" {
		return nil, classification.NewConnectionError("ML service URL not configured", ErrEndpointNotConfigured)
	}
	if img == nil {
		return nil, classification.NewValidationError("No image provided", nil)
	}

	body, err := json.Marshal(predictRequest{Image: img.Base64()})
	if err != nil {
		return nil, classification.NewValidationError("Failed to encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(body).
		Post(c.endpoint + "/predict")
	if err == nil {
		// A response racing the deadline still counts as late.
		err = ctx.Err()
	}
	if err != nil {
		cerr := transportError(err)
		c.logger.Warn("predict request failed",
			zap.String("code", cerr.Code()),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return nil, cerr
	}

	if !resp.IsSuccess() {
		cerr := httpError(resp.StatusCode(), resp.Body())
		c.logger.Warn("predict request rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("message", cerr.Message))
		return nil, cerr
	}

	result, err := ParseResponse(resp.Body())
	if err != nil {
		c.logger.Warn("invalid predict response", zap.Error(err))
		return nil, err
	}

	c.logger.Debug("predict request completed",
		zap.String("verdict", string(result.Verdict)),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func transportError(err error) *classification.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classification.NewTimeoutError("Request timeout - ML service took too long to respond", err)
	case errors.Is(err, context.Canceled):
		return classification.NewConnectionError("Request cancelled before the ML service responded", err)
	default:
		return classification.NewConnectionError("Cannot connect to ML service. Please check if the service is running.", err)
	}
}

// httpError prefers the server's own explanation ("detail" as FastAPI sends
// it, then "message") over a generic status line.
func httpError(status int, body []byte) *classification.Error {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "message"} {
			if msg, ok := payload[key].(string); ok && strings.TrimSpace(msg) != "" {
				return classification.NewHTTPError(status, msg)
			}
		}
	}
	return classification.NewHTTPError(status, fmt.Sprintf("ML service error: %d", status))
}
