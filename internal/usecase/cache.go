package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/fruit-quality/internal/repository"
)

// Cache is the redis surface the use case publishes outcomes through.
// Get returns redis.Nil for a missing key.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache adapts a go-redis client (single node or cluster) to Cache.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

const (
	resultKeyPrefix  = "classification:"
	processingPrefix = "processing:"
)

// A result key holds either processingMarker(owner) while the attempt runs
// or the JSON encoded cachedClassification once it is recorded.
func resultCacheKey(requestID string) string {
	return resultKeyPrefix + requestID
}

func processingMarker(userID string) string {
	return processingPrefix + userID
}

type cachedClassification struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	Verdict        string    `json:"verdict,omitempty"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime *float64  `json:"processing_time,omitempty"`
	DemoMode       *bool     `json:"demo_mode,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	Hash           string    `json:"sha1_hash,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// cacheEntry is a decoded result key. Log is nil while the attempt is pending.
type cacheEntry struct {
	Owner string
	Log   *repository.ClassificationLog
}

func (e cacheEntry) Pending() bool { return e.Log == nil }

func decodeCacheEntry(requestID, value string) (cacheEntry, error) {
	if owner, ok := strings.CutPrefix(value, processingPrefix); ok {
		return cacheEntry{Owner: owner}, nil
	}

	var payload cachedClassification
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return cacheEntry{}, err
	}
	return cacheEntry{Owner: payload.UserID, Log: fromCached(requestID, payload)}, nil
}

func encodeCacheEntry(log *repository.ClassificationLog) (string, error) {
	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}

func toCached(log *repository.ClassificationLog) cachedClassification {
	return cachedClassification{
		RequestID:      log.RequestID,
		UserID:         log.UserID,
		Verdict:        log.Verdict,
		Confidence:     log.Confidence,
		ProcessingTime: log.ProcessingTime,
		DemoMode:       log.DemoMode,
		ErrorKind:      log.ErrorKind,
		ErrorMessage:   log.ErrorMessage,
		StatusCode:     log.StatusCode,
		Hash:           log.ImageSHA1,
		LatencyMs:      log.LatencyMs,
		CreatedAt:      log.CreatedAt,
	}
}

func fromCached(requestID string, payload cachedClassification) *repository.ClassificationLog {
	log := &repository.ClassificationLog{
		RequestID:      requestID,
		UserID:         payload.UserID,
		Verdict:        payload.Verdict,
		Confidence:     payload.Confidence,
		ProcessingTime: payload.ProcessingTime,
		DemoMode:       payload.DemoMode,
		ErrorKind:      payload.ErrorKind,
		ErrorMessage:   payload.ErrorMessage,
		StatusCode:     payload.StatusCode,
		ImageSHA1:      payload.Hash,
		LatencyMs:      payload.LatencyMs,
		CreatedAt:      payload.CreatedAt,
	}
	if payload.RequestID != "" {
		log.RequestID = payload.RequestID
	}
	return log
}
