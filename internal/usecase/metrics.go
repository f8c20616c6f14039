package usecase

import (
	"context"

	"github.com/example/leftright/internal/repository"
)

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests    int64                   `json:"total_requests"`
	FoundRequests    int64                   `json:"found_requests"`
	FoundRate        float64                 `json:"found_rate"`
	AverageLatencyMs float64                 `json:"average_latency_ms"`
	Labels           []repository.LabelCount `json:"labels"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		FoundRequests:    aggregation.FoundCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
		Labels:           aggregation.Labels,
	}
	if summary.Labels == nil {
		summary.Labels = []repository.LabelCount{}
	}
	if aggregation.TotalCount > 0 {
		summary.FoundRate = float64(aggregation.FoundCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
