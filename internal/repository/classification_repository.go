package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/fruit-quality/internal/retry"
)

// ClassificationLog is one persisted classification attempt, successful or
// not. Verdict is empty and ErrorKind set when the attempt failed.
type ClassificationLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID         string    `gorm:"column:user_id;index;size:128"`
	Verdict        string    `gorm:"column:verdict;size:8"`
	Confidence     float64   `gorm:"column:confidence"`
	ProcessingTime *float64  `gorm:"column:processing_time"`
	DemoMode       *bool     `gorm:"column:demo_mode"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	ErrorMessage   string    `gorm:"column:error_message;type:text"`
	StatusCode     int       `gorm:"column:status_code"`
	ImageSHA1      string    `gorm:"column:image_sha1;index;size:40"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// Succeeded reports whether the attempt produced a verdict.
func (l *ClassificationLog) Succeeded() bool {
	return l.ErrorKind == "" && l.Verdict != ""
}

// MetricsAggregation is the raw aggregate read from classification_logs.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	GoodCount         int64
	BadCount          int64
	DemoCount         int64
	AverageConfidence float64
	AverageLatencyMs  float64
	FailuresByKind    map[string]int64
}

// ClassificationRepository persists classification logs with gorm.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
}

func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser returns the log for requestID owned by userID.
func (r *ClassificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other successful classifications of
// the same canonical image, newest first.
func (r *ClassificationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*ClassificationLog, error) {
	var logs []*ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND image_sha1 = ? AND request_id <> ? AND error_kind = ''", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Limit(50).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarises every stored attempt.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		SuccessCount      int64
		GoodCount         int64
		BadCount          int64
		DemoCount         int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).Select(`
			COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN error_kind = '' THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(SUM(CASE WHEN verdict = 'Good' THEN 1 ELSE 0 END), 0) AS good_count,
			COALESCE(SUM(CASE WHEN verdict = 'Bad' THEN 1 ELSE 0 END), 0) AS bad_count,
			COALESCE(SUM(CASE WHEN demo_mode THEN 1 ELSE 0 END), 0) AS demo_count,
			COALESCE(AVG(CASE WHEN error_kind = '' THEN confidence END), 0) AS average_confidence,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	var failures []struct {
		ErrorKind string
		Count     int64
	}
	err = r.executeWithRetry(ctx, "repository.aggregate_failures", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("error_kind, COUNT(*) AS count").
			Where("error_kind <> ''").
			Group("error_kind").
			Scan(&failures).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:        row.TotalCount,
		SuccessCount:      row.SuccessCount,
		GoodCount:         row.GoodCount,
		BadCount:          row.BadCount,
		DemoCount:         row.DemoCount,
		AverageConfidence: row.AverageConfidence,
		AverageLatencyMs:  row.AverageLatencyMs,
		FailuresByKind:    make(map[string]int64, len(failures)),
	}
	for _, f := range failures {
		agg.FailuresByKind[f.ErrorKind] = f.Count
	}
	return agg, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, requestID, fn)
}
