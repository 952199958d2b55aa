package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/example/fruit-quality/internal/classification"
	"github.com/example/fruit-quality/internal/imageprep"
	"github.com/example/fruit-quality/internal/logging"
	"github.com/example/fruit-quality/internal/repository"
	"github.com/example/fruit-quality/internal/retry"
)

var (
	ErrResultNotFound = errors.New("classification result not found")
	ErrResultPending  = errors.New("classification still in progress")
)

// ClassificationRepository defines the persistence operations needed by the use case.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ClassificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Classifier is the remote model, satisfied by *mlclient.Client.
type Classifier interface {
	Classify(ctx context.Context, img *imageprep.CanonicalImage) (*classification.Result, error)
}

// ClassificationUseCase runs normalize -> classify for one upload and keeps
// a history of the outcome.
type ClassificationUseCase struct {
	repo           ClassificationRepository
	cache          Cache
	classifier     Classifier
	logger         *zap.Logger
	imageConfig    imageprep.ImageConfig
	resultTTL      time.Duration
	processingTTL  time.Duration
	retryPolicy    retry.Policy
	normalizeSlots *semaphore.Weighted
	now            func() time.Time
}

type Option func(*ClassificationUseCase)

func WithImageConfig(cfg imageprep.ImageConfig) Option {
	return func(uc *ClassificationUseCase) { uc.imageConfig = cfg }
}

func WithResultTTL(ttl time.Duration) Option {
	return func(uc *ClassificationUseCase) {
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *ClassificationUseCase) { uc.retryPolicy = p }
}

// WithMaxConcurrentNormalizations bounds how many uploads are decoded and
// resized at once. Defaults to GOMAXPROCS.
func WithMaxConcurrentNormalizations(n int) Option {
	return func(uc *ClassificationUseCase) {
		if n > 0 {
			uc.normalizeSlots = semaphore.NewWeighted(int64(n))
		}
	}
}

// DuplicateReport lists earlier classifications of the same canonical image.
type DuplicateReport struct {
	Request    *repository.ClassificationLog
	Duplicates []*repository.ClassificationLog
}

func NewClassificationUseCase(repo ClassificationRepository, cache Cache, classifier Classifier, logger *zap.Logger, opts ...Option) *ClassificationUseCase {
	uc := &ClassificationUseCase{
		repo:           repo,
		cache:          cache,
		classifier:     classifier,
		logger:         logger.Named("classification_usecase"),
		imageConfig:    imageprep.DefaultImageConfig,
		resultTTL:      5 * time.Minute,
		processingTTL:  time.Minute,
		retryPolicy:    retry.DefaultPolicy,
		normalizeSlots: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ClassifyImage normalizes src and classifies it. The request id is returned
// even on failure so callers can refer to the stored attempt. The error, when
// set, is always a *classification.Error; history and cache problems are
// logged and never replace the classification outcome.
func (uc *ClassificationUseCase) ClassifyImage(ctx context.Context, userID string, src imageprep.Source) (string, *classification.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_image", requestID)
	started := uc.now()

	cacheKey := resultCacheKey(requestID)
	if err := uc.withRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker(userID), uc.processingTTL)
	}); err != nil {
		opLogger.Warn("failed to set processing flag", zap.Error(err))
	}

	img, err := uc.normalize(ctx, src)
	if err != nil {
		opLogger.Info("image rejected", zap.Error(err))
		uc.record(ctx, opLogger, requestID, userID, nil, nil, err, started)
		return requestID, nil, err
	}

	result, err := uc.classifier.Classify(ctx, img)
	if err != nil {
		if _, ok := classification.As(err); !ok {
			err = classification.NewConnectionError("Classification failed", err)
		}
		opLogger.Warn("classification failed", zap.Error(err))
		uc.record(ctx, opLogger, requestID, userID, img, nil, err, started)
		return requestID, nil, err
	}

	opLogger.Info("image classified",
		zap.String("verdict", string(result.Verdict)),
		zap.Float64("confidence", result.Confidence))
	uc.record(ctx, opLogger, requestID, userID, img, result, nil, started)
	return requestID, result, nil
}

func (uc *ClassificationUseCase) normalize(ctx context.Context, src imageprep.Source) (*imageprep.CanonicalImage, error) {
	if err := uc.normalizeSlots.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, classification.NewTimeoutError("Request timeout while waiting to process the image", err)
		}
		return nil, classification.NewConnectionError("Request cancelled before the image was processed", err)
	}
	defer uc.normalizeSlots.Release(1)

	return imageprep.Normalize(src, uc.imageConfig)
}

// record persists and publishes one attempt. It uses a context detached from
// the request so a client hanging up does not lose the history entry.
func (uc *ClassificationUseCase) record(ctx context.Context, opLogger *zap.Logger, requestID, userID string, img *imageprep.CanonicalImage, result *classification.Result, classifyErr error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := &repository.ClassificationLog{
		RequestID: requestID,
		UserID:    userID,
		LatencyMs: uc.now().Sub(started).Milliseconds(),
		CreatedAt: uc.now().UTC(),
	}
	if img != nil {
		sum := sha1.Sum(img.Bytes())
		log.ImageSHA1 = hex.EncodeToString(sum[:])
	}
	if result != nil {
		log.Verdict = string(result.Verdict)
		log.Confidence = result.Confidence
		log.ProcessingTime = result.ProcessingTimeSeconds
		log.DemoMode = result.DemoMode
	}
	if cerr, ok := classification.As(classifyErr); ok {
		log.ErrorKind = string(cerr.Kind)
		log.ErrorMessage = cerr.Message
		log.StatusCode = cerr.StatusCode
	}

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist classification log", zap.Error(err))
	}

	serialized, err := encodeCacheEntry(log)
	if err != nil {
		opLogger.Warn("failed to serialize classification result", zap.Error(err))
		return
	}
	if err := uc.withRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(requestID), serialized, uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache classification result", zap.Error(err))
	}
}

// GetResult returns the stored outcome of requestID if it belongs to userID.
// Redis is consulted first, postgres second.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ClassificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", resultCacheKey(requestID))
	switch {
	case err == nil:
		entry, decodeErr := decodeCacheEntry(requestID, cached)
		if decodeErr != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(decodeErr))
			break
		}
		if entry.Owner != userID {
			return nil, ErrResultNotFound
		}
		if entry.Pending() {
			return nil, ErrResultPending
		}
		return entry.Log, nil
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetDuplicateReport lists the user's earlier classifications of the same image.
func (uc *ClassificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}

	report := &DuplicateReport{Request: log}
	if log.ImageSHA1 == "" {
		return report, nil
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.ImageSHA1, log.RequestID)
	if err != nil {
		return nil, err
	}
	report.Duplicates = duplicates
	return report, nil
}

func (uc *ClassificationUseCase) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.retryPolicy, uc.logger, operation, requestID, fn)
}

func (uc *ClassificationUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
