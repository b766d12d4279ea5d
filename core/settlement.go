package core

import (
	"context"
	"fmt"
)

// SettlementCoordinator applies finalized contributions to the ledger and,
// when payouts are enabled, starts the transfer for a freshly closed round.
type SettlementCoordinator struct {
	ledger  *RotationLedger
	payouts PayoutInitiator
	retry   RetryPolicy
	logger  Logger
}

func NewSettlementCoordinator(ledger *RotationLedger, retry RetryPolicy) *SettlementCoordinator {
	return &SettlementCoordinator{ledger: ledger, retry: retry}
}

func (c *SettlementCoordinator) SetPayoutInitiator(initiator PayoutInitiator) {
	if c != nil {
		c.payouts = initiator
	}
}

func (c *SettlementCoordinator) SetLogger(logger Logger) {
	if c != nil {
		c.logger = logger
	}
}

func (c *SettlementCoordinator) PaymentFinalized(ctx context.Context, payment Payment) (*RoundOutcome, error) {
	if c == nil || c.ledger == nil {
		return nil, fmt.Errorf("core: settlement coordinator is not configured")
	}
	// payout accounting happened when the round closed
	if payment.Type == PaymentTypePayout {
		return nil, nil
	}
	if payment.Status != PaymentStatusCompleted {
		return nil, nil
	}

	outcome, err := c.Evaluate(ctx, payment.TandaID)
	if err != nil {
		return nil, err
	}
	c.startPayout(ctx, outcome)
	return &outcome, nil
}

// ReconcileResult counts the rounds a reconcile pass looked at.
type ReconcileResult struct {
	Evaluated int
	Closed    int
}

// ReconcileActive evaluates up to limit active tandas. It closes rounds whose
// last contribution finalized but was never settled.
func (c *SettlementCoordinator) ReconcileActive(ctx context.Context, limit int) (ReconcileResult, error) {
	if c == nil || c.ledger == nil {
		return ReconcileResult{}, fmt.Errorf("core: settlement coordinator is not configured")
	}
	active, err := c.ledger.ListTandas(ctx, TandaFilter{Status: TandaStatusActive, Limit: limit})
	if err != nil {
		return ReconcileResult{}, err
	}
	var result ReconcileResult
	for _, tanda := range active {
		outcome, err := c.Evaluate(ctx, tanda.ID)
		if err != nil {
			return result, err
		}
		result.Evaluated++
		if outcome.Closed {
			result.Closed++
			logWithLevel(ctx, c.logger, "info", "round closed during reconcile", map[string]any{
				"tanda_id": tanda.ID,
				"round":    outcome.Round,
			})
			c.startPayout(ctx, outcome)
		}
	}
	return result, nil
}

func (c *SettlementCoordinator) startPayout(ctx context.Context, outcome RoundOutcome) {
	if !outcome.Closed || outcome.Payout == nil || c.payouts == nil {
		return
	}
	initiation, err := c.payouts.InitiatePayout(ctx, *outcome.Payout)
	fields := map[string]any{
		"tanda_id":   outcome.Payout.TandaID,
		"round":      outcome.Round,
		"payout_id":  outcome.Payout.ID,
		"receiver":   outcome.Payout.UserID,
		"saga_id":    initiation.Saga.ID,
		"saga_stage": string(initiation.Saga.Stage),
	}
	if err != nil {
		// the round is closed either way; a failed transfer is retried manually
		fields["error"] = err.Error()
		logWithLevel(ctx, c.logger, "warn", "payout transfer could not be started", fields)
		return
	}
	logWithLevel(ctx, c.logger, "info", "payout transfer awaiting authorization", fields)
}

// Evaluate runs round evaluation, retrying lock and serialization conflicts
// so they never reach the caller.
func (c *SettlementCoordinator) Evaluate(ctx context.Context, tandaID string) (RoundOutcome, error) {
	var outcome RoundOutcome
	err := c.retry.Do(ctx, func() error {
		result, err := c.ledger.EvaluateRoundCompletion(ctx, tandaID)
		if err != nil {
			return err
		}
		outcome = result
		return nil
	})
	if err != nil {
		return RoundOutcome{}, err
	}
	return outcome, nil
}
