package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	JobIDSagaExpire       = "tandas.saga.expire"
	sagaExpireDedupPolicy = "drop"
)

type SweepResult struct {
	Scanned      int
	Expired      int
	Enqueued     int
	Skipped      int
	Evaluated    int
	RoundsClosed int
}

type RoundReconciler interface {
	ReconcileActive(ctx context.Context, limit int) (ReconcileResult, error)
}

// SagaSweeper fails sagas stuck past their expiry. With a JobEnqueuer it only
// schedules the expiry; the job consumer applies it. When a reconciler is set
// each pass also re-evaluates active tandas.
type SagaSweeper struct {
	orchestrator *PaymentOrchestrator
	enqueuer     JobEnqueuer
	reconciler   RoundReconciler
	logger       Logger
	clock        Clock
	batch        int
}

func NewSagaSweeper(orchestrator *PaymentOrchestrator, enqueuer JobEnqueuer, batch int) *SagaSweeper {
	if batch <= 0 {
		batch = DefaultConfig().Saga.SweepBatch
	}
	return &SagaSweeper{
		orchestrator: orchestrator,
		enqueuer:     enqueuer,
		clock:        SystemClock,
		batch:        batch,
	}
}

func (s *SagaSweeper) SetLogger(logger Logger) {
	if s != nil {
		s.logger = logger
	}
}

func (s *SagaSweeper) SetReconciler(reconciler RoundReconciler) {
	if s != nil {
		s.reconciler = reconciler
	}
}

func (s *SagaSweeper) SetClock(clock Clock) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

func (s *SagaSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	if s == nil || s.orchestrator == nil {
		return SweepResult{}, fmt.Errorf("core: saga sweeper is not configured")
	}
	now := s.clock()
	expired, err := s.orchestrator.ExpiredSagas(ctx, now, s.batch)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(expired)}
	for _, saga := range expired {
		if s.enqueuer != nil {
			if err := s.enqueuer.Enqueue(ctx, SagaExpireMessage(saga.ID)); err != nil {
				return result, err
			}
			result.Enqueued++
			continue
		}
		if _, err := s.orchestrator.Expire(ctx, saga.ID); err != nil {
			if IsAlreadyTerminal(err) || HasTextCode(err, ErrorSagaInProgress) {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Expired++
	}

	if s.reconciler != nil {
		reconciled, err := s.reconciler.ReconcileActive(ctx, s.batch)
		result.Evaluated = reconciled.Evaluated
		result.RoundsClosed = reconciled.Closed
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// Run sweeps every interval until ctx is done.
func (s *SagaSweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultConfig().Saga.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			fields := map[string]any{
				"scanned":       result.Scanned,
				"expired":       result.Expired,
				"enqueued":      result.Enqueued,
				"skipped":       result.Skipped,
				"rounds_closed": result.RoundsClosed,
			}
			if err != nil {
				fields["error"] = err.Error()
				logWithLevel(ctx, s.logger, "error", "saga sweep failed", fields)
				continue
			}
			if result.Scanned > 0 || result.RoundsClosed > 0 {
				logWithLevel(ctx, s.logger, "info", "saga sweep finished", fields)
			}
		}
	}
}

// HandleDelivery consumes one saga-expire job. Sagas that finished or were
// claimed in the meantime are acknowledged without change.
func (s *SagaSweeper) HandleDelivery(ctx context.Context, delivery JobDelivery) error {
	if s == nil || s.orchestrator == nil {
		return fmt.Errorf("core: saga sweeper is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("core: job delivery is required")
	}
	msg := delivery.Message()
	if msg == nil || msg.JobID != JobIDSagaExpire {
		return delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "unsupported job"})
	}
	sagaID := strings.TrimSpace(fmt.Sprint(msg.Parameters["saga_id"]))
	if sagaID == "" || sagaID == "<nil>" {
		return delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "saga_id parameter is required"})
	}

	_, err := s.orchestrator.Expire(ctx, sagaID)
	switch {
	case err == nil, IsAlreadyTerminal(err), IsNotFound(err), HasTextCode(err, ErrorSagaInProgress):
		return delivery.Ack(ctx)
	default:
		return delivery.Nack(ctx, JobNackOptions{
			Requeue: true,
			Delay:   time.Second,
			Reason:  err.Error(),
		})
	}
}

func SagaExpireMessage(sagaID string) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID:          JobIDSagaExpire,
		ScriptPath:     JobIDSagaExpire,
		Parameters:     map[string]any{"saga_id": sagaID},
		IdempotencyKey: "saga-expire:" + sagaID,
		DedupPolicy:    sagaExpireDedupPolicy,
	}
}
