package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/fruit-quality/internal/auth"
	"github.com/example/fruit-quality/internal/classification"
	"github.com/example/fruit-quality/internal/healthcheck"
	"github.com/example/fruit-quality/internal/imageprep"
	"github.com/example/fruit-quality/internal/repository"
	"github.com/example/fruit-quality/internal/usecase"
)

// MaxUploadSize is the largest accepted file; MaxRequestSize leaves room for
// base64 expansion of JSON uploads and multipart framing.
const (
	MaxUploadSize  = imageprep.MaxFileSize
	MaxRequestSize = MaxUploadSize*4/3 + 1<<20
)

// HealthReporter exposes the latest ML service probe.
type HealthReporter interface {
	Snapshot() healthcheck.Snapshot
}

type classifyRequest struct {
	Image string `json:"image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, authMiddleware gin.HandlerFunc, health HealthReporter) {
	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": "classification-api"}
		if health != nil {
			body["ml_service"] = health.Snapshot()
		}
		c.JSON(http.StatusOK, body)
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/classify", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestSize)

		src, status, err := sourceFromRequest(c)
		if err != nil {
			writeError(c, status, "", err)
			return
		}

		userID, _ := auth.GetUserID(c.Request.Context())
		requestID, result, err := uc.ClassifyImage(c.Request.Context(), userID, src)
		if err != nil {
			writeError(c, statusFor(err), requestID, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      requestID,
			"result":          result.Verdict,
			"confidence":      result.Confidence,
			"processing_time": result.ProcessingTimeSeconds,
			"demo_mode":       result.DemoMode,
		})
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		log, err := uc.GetResult(c.Request.Context(), userID, c.Param("id"))
		switch {
		case errors.Is(err, usecase.ErrResultPending):
			c.JSON(http.StatusAccepted, gin.H{"request_id": c.Param("id"), "status": "processing"})
			return
		case errors.Is(err, usecase.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, logResponse(log))
	})

	protected.GET("/result/:id/duplicates", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		report, err := uc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load duplicates"})
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, logResponse(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    logResponse(report.Request),
			"duplicates": duplicates,
		})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// sourceFromRequest accepts a multipart "image" file or a JSON body
// {"image": "<base64 or data URI>"}.
func sourceFromRequest(c *gin.Context) (imageprep.Source, int, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req classifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if isBodyTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, classification.NewValidationError("Image size must be less than 10MB", imageprep.ErrTooLarge)
			}
			return nil, http.StatusBadRequest, classification.NewValidationError("Invalid JSON body", err)
		}
		if strings.TrimSpace(req.Image) == "" {
			return nil, http.StatusBadRequest, classification.NewValidationError("No image provided", nil)
		}
		src, err := imageprep.FromDataURI("upload", req.Image)
		if err != nil {
			return nil, statusFor(err), err
		}
		return src, 0, nil
	}

	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, classification.NewValidationError("Image size must be less than 10MB", imageprep.ErrTooLarge)
		}
		return nil, http.StatusBadRequest, classification.NewValidationError("image file is required", err)
	}
	return imageprep.FromFileHeader(file), 0, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// statusFor maps the error taxonomy onto gateway status codes.
func statusFor(err error) int {
	cerr, ok := classification.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch cerr.Kind {
	case classification.KindValidation:
		switch {
		case errors.Is(err, imageprep.ErrTooLarge):
			return http.StatusRequestEntityTooLarge
		case errors.Is(err, imageprep.ErrUnsupportedType):
			return http.StatusUnsupportedMediaType
		default:
			return http.StatusBadRequest
		}
	case classification.KindTimeout:
		return http.StatusGatewayTimeout
	case classification.KindInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(c *gin.Context, status int, requestID string, err error) {
	body := gin.H{"error": "Internal server error", "code": "INTERNAL"}
	if cerr, ok := classification.As(err); ok {
		body = gin.H{
			"error":     cerr.Message,
			"code":      cerr.Code(),
			"retryable": cerr.Retryable(),
		}
		if cerr.Kind == classification.KindHTTP {
			body["upstream_status"] = cerr.StatusCode
		}
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	c.JSON(status, body)
}

func logResponse(log *repository.ClassificationLog) gin.H {
	resp := gin.H{
		"request_id": log.RequestID,
		"user_id":    log.UserID,
		"sha1_hash":  log.ImageSHA1,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	}
	if log.Succeeded() {
		resp["result"] = log.Verdict
		resp["confidence"] = log.Confidence
		resp["processing_time"] = log.ProcessingTime
		resp["demo_mode"] = log.DemoMode
	} else {
		resp["error"] = log.ErrorMessage
		resp["code"] = (&classification.Error{Kind: classification.Kind(log.ErrorKind), StatusCode: log.StatusCode}).Code()
	}
	return resp
}
