package usecase

import (
	"context"
	"errors"
)

// ErrMetricsUnavailable is returned when no audit store is configured.
var ErrMetricsUnavailable = errors.New("metrics store not configured")

// MetricsSummary represents aggregated relay insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	AverageInputBytes  float64 `json:"average_input_bytes"`
}

// GetMetricsSummary aggregates relay metrics from persisted logs.
func (uc *RemovalUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		AverageInputBytes:  aggregation.AverageInputSize,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
