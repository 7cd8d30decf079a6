package stats

import (
	"context"

	"github.com/example/plantid/internal/repository"
)

// MetricsSource is the repository query behind a summary.
type MetricsSource interface {
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	AcceptedRequests int64   `json:"accepted_requests"`
	AcceptanceRate   float64 `json:"acceptance_rate"`
	AverageScore     float64 `json:"average_score"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func GetMetricsSummary(ctx context.Context, source MetricsSource) (*MetricsSummary, error) {
	aggregation, err := source.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		AcceptedRequests: aggregation.AcceptedCount,
		AverageScore:     aggregation.AverageScore,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.AcceptanceRate = float64(aggregation.AcceptedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
