package core

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const metricNamespace = "tandas"

// Ledger and saga events counted next to the per-operation metrics.
const (
	MetricRoundsClosed   = metricNamespace + ".rounds.closed"
	MetricPayoutAmount   = metricNamespace + ".rounds.payout_amount"
	MetricSagasExpired   = metricNamespace + ".sagas.expired"
	MetricHashRejections = metricNamespace + ".callbacks.hash_rejected"
)

// Round close sources.
const (
	closedByCompletion = "completion"
	closedByEvaluation = "evaluation"
	closedBySweep      = "sweep"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func operationMetric(operation string, suffix string) string {
	return metricNamespace + "." + operation + "." + suffix
}

func (s *Service) recordOperation(ctx context.Context, operation string, startedAt time.Time, tags map[string]string) {
	s.recordCounter(ctx, operationMetric(operation, "total"), 1, tags)
	s.recordHistogram(ctx, operationMetric(operation, "duration_ms"), float64(time.Since(startedAt).Milliseconds()), tags)
}

// recordRoundClosed counts a closed round and the payout it produced.
func (s *Service) recordRoundClosed(ctx context.Context, outcome *RoundOutcome, source string) {
	if outcome == nil || !outcome.Closed {
		return
	}
	tags := map[string]string{
		"tanda_id": outcome.Tanda.ID,
		"round":    strconv.Itoa(outcome.Round),
		"source":   source,
	}
	s.recordCounter(ctx, MetricRoundsClosed, 1, tags)
	if outcome.Payout != nil {
		amount, _ := outcome.Payout.Amount.Float64()
		s.recordHistogram(ctx, MetricPayoutAmount, amount, tags)
	}
}

func (s *Service) recordSweep(ctx context.Context, result SweepResult) {
	if result.Expired > 0 {
		s.recordCounter(ctx, MetricSagasExpired, int64(result.Expired), map[string]string{"mode": "inline"})
	}
	if result.Enqueued > 0 {
		s.recordCounter(ctx, MetricSagasExpired, int64(result.Enqueued), map[string]string{"mode": "queued"})
	}
	if result.RoundsClosed > 0 {
		s.recordCounter(ctx, MetricRoundsClosed, int64(result.RoundsClosed), map[string]string{"source": closedBySweep})
	}
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
