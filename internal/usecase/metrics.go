package usecase

import "context"

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	SuccessRate        float64          `json:"success_rate"`
	GoodCount          int64            `json:"good_count"`
	BadCount           int64            `json:"bad_count"`
	GoodRate           float64          `json:"good_rate"`
	DemoModeResponses  int64            `json:"demo_mode_responses"`
	AverageConfidence  float64          `json:"average_confidence"`
	AverageLatencyMs   float64          `json:"average_latency_ms"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		GoodCount:          aggregation.GoodCount,
		BadCount:           aggregation.BadCount,
		DemoModeResponses:  aggregation.DemoCount,
		AverageConfidence:  aggregation.AverageConfidence,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		FailuresByKind:     aggregation.FailuresByKind,
	}
	if summary.FailuresByKind == nil {
		summary.FailuresByKind = map[string]int64{}
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if verdicts := aggregation.GoodCount + aggregation.BadCount; verdicts > 0 {
		summary.GoodRate = float64(aggregation.GoodCount) / float64(verdicts)
	}

	return summary, nil
}
