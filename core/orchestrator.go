package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	FinishMethodRedirect = "redirect"
	QuoteMethodILP       = "ilp"

	CancelReasonExpired  = "expired"
	CancelReasonRejected = "rejected"
)

type OrchestratorConfig struct {
	CallbackURL  string
	SagaTTL      time.Duration
	ClaimTimeout time.Duration
}

// PaymentOrchestrator drives one payment through the grant/quote/redirect
// sequence. The interactive step is a persisted checkpoint: Initiate returns
// once the saga is AwaitingInteraction and Complete resumes it later, possibly
// in another process.
type PaymentOrchestrator struct {
	ledger     *RotationLedger
	sagas      SagaStore
	provider   PaymentProvider
	settlement SettlementHandler
	logger     Logger
	clock      Clock
	newID      IDGenerator
	newNonce   IDGenerator
	config     OrchestratorConfig
}

func NewPaymentOrchestrator(
	ledger *RotationLedger,
	sagas SagaStore,
	provider PaymentProvider,
	cfg OrchestratorConfig,
) *PaymentOrchestrator {
	if cfg.SagaTTL <= 0 {
		cfg.SagaTTL = DefaultConfig().Saga.TTL
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultConfig().Saga.ClaimTimeout
	}
	return &PaymentOrchestrator{
		ledger:   ledger,
		sagas:    sagas,
		provider: provider,
		clock:    SystemClock,
		newID:    uuid.NewString,
		newNonce: uuid.NewString,
		config:   cfg,
	}
}

func (o *PaymentOrchestrator) SetSettlementHandler(handler SettlementHandler) {
	if o != nil {
		o.settlement = handler
	}
}

func (o *PaymentOrchestrator) SetLogger(logger Logger) {
	if o != nil {
		o.logger = logger
	}
}

func (o *PaymentOrchestrator) SetClock(clock Clock) {
	if o != nil && clock != nil {
		o.clock = clock
	}
}

func (o *PaymentOrchestrator) SetIDGenerators(ids IDGenerator, nonces IDGenerator) {
	if o == nil {
		return
	}
	if ids != nil {
		o.newID = ids
	}
	if nonces != nil {
		o.newNonce = nonces
	}
}

// Initiate records a contribution and drives its saga up to the interactive
// grant. The returned interaction URL must be presented to the payer.
func (o *PaymentOrchestrator) Initiate(ctx context.Context, req ContributionRequest) (Initiation, error) {
	if err := o.ready(); err != nil {
		return Initiation{}, err
	}
	sender := NormalizeWalletLocator(req.SenderWalletURL)
	if sender == "" {
		return Initiation{}, ValidationError(ErrorValidation, "sender_wallet_url", "sender wallet is required")
	}
	payment, tanda, err := o.ledger.RecordContribution(ctx, req.TandaID, req.PayerID, req.Amount)
	if err != nil {
		return Initiation{}, err
	}
	initiation, err := o.start(ctx, payment, sender, tanda.PoolWalletAddress)
	if err != nil && initiation.Saga.ID == "" {
		initiation.Payment = o.abandon(ctx, payment, err)
	}
	return initiation, err
}

// abandon fails a contribution whose saga could not be created. When that
// also fails, RecordContribution recovers the payment later.
func (o *PaymentOrchestrator) abandon(ctx context.Context, payment Payment, cause error) Payment {
	abandoned, err := o.ledger.AbandonContribution(ctx, payment)
	if err != nil {
		logWithLevel(ctx, o.logger, "error", "contribution without saga could not be failed", map[string]any{
			"payment_id": payment.ID,
			"tanda_id":   payment.TandaID,
			"cause":      cause.Error(),
			"error":      err.Error(),
		})
		return payment
	}
	return abandoned
}

// InitiatePayout moves a recorded payout from the pool wallet to the
// receiver. The payout payment is already completed for accounting; the saga
// only tracks the transfer.
func (o *PaymentOrchestrator) InitiatePayout(ctx context.Context, payout Payment) (Initiation, error) {
	if err := o.ready(); err != nil {
		return Initiation{}, err
	}
	if payout.Type != PaymentTypePayout {
		return Initiation{}, ValidationError(ErrorValidation, "payment_id", "payment is not a payout")
	}
	tanda, err := o.ledger.GetTanda(ctx, payout.TandaID)
	if err != nil {
		return Initiation{}, err
	}
	receiver, err := o.ledger.Participant(ctx, payout.TandaID, payout.UserID)
	if err != nil {
		return Initiation{}, err
	}
	return o.start(ctx, payout, tanda.PoolWalletAddress, receiver.WalletAddress)
}

func (o *PaymentOrchestrator) start(ctx context.Context, payment Payment, senderLocator string, receiverLocator string) (Initiation, error) {
	now := o.clock()
	saga, err := o.sagas.CreateSaga(ctx, PaymentSaga{
		ID:        o.newID(),
		PaymentID: payment.ID,
		TandaID:   payment.TandaID,
		Stage:     SagaStageInit,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(o.config.SagaTTL),
	})
	if err != nil {
		return Initiation{Payment: payment}, err
	}

	saga, err = o.negotiate(ctx, saga, payment, senderLocator, receiverLocator)
	if err != nil {
		failed, closed := o.fail(ctx, saga, payment, err)
		return Initiation{Saga: failed, Payment: closed}, err
	}
	return Initiation{Saga: saga, Payment: payment, InteractionURL: saga.InteractionURL}, nil
}

func (o *PaymentOrchestrator) negotiate(
	ctx context.Context,
	saga PaymentSaga,
	payment Payment,
	senderLocator string,
	receiverLocator string,
) (PaymentSaga, error) {
	sender, err := o.provider.ResolveWallet(ctx, senderLocator)
	if err != nil {
		return saga, err
	}
	receiver, err := o.provider.ResolveWallet(ctx, receiverLocator)
	if err != nil {
		return saga, err
	}
	saga.WalletID = sender.ID
	saga.WalletResourceServer = sender.ResourceServer
	saga.ReceiverWalletID = receiver.ID
	if saga, err = o.advance(ctx, saga, SagaStageWalletsResolved); err != nil {
		return saga, err
	}

	incomingGrant, err := o.provider.RequestGrant(ctx, receiver.AuthServer, GrantRequest{
		Access: []AccessItem{{
			Type:    AccessTypeIncomingPayment,
			Actions: []string{"read", "complete", "create"},
		}},
	})
	if err != nil {
		return saga, err
	}
	if strings.TrimSpace(incomingGrant.AccessToken) == "" {
		return saga, ProtocolError(ErrorGrantDenied, "incoming payment grant did not issue an access token", nil)
	}
	incoming, err := o.provider.CreateIncomingPayment(ctx, receiver.ResourceServer, incomingGrant.AccessToken, IncomingPaymentRequest{
		WalletID:       receiver.ID,
		IncomingAmount: AmountFromDecimal(payment.Amount, receiver.AssetCode, receiver.AssetScale),
		Metadata: map[string]any{
			"tandaId":     payment.TandaID,
			"paymentId":   payment.ID,
			"paymentType": string(payment.Type),
			"round":       payment.Round,
		},
	})
	if err != nil {
		return saga, err
	}
	saga.IncomingPaymentID = incoming.ID
	if saga, err = o.advance(ctx, saga, SagaStageIncomingCreated); err != nil {
		return saga, err
	}

	quoteGrant, err := o.provider.RequestGrant(ctx, sender.AuthServer, GrantRequest{
		Access: []AccessItem{{
			Type:    AccessTypeQuote,
			Actions: []string{"create", "read"},
		}},
	})
	if err != nil {
		return saga, err
	}
	if strings.TrimSpace(quoteGrant.AccessToken) == "" {
		return saga, ProtocolError(ErrorGrantDenied, "quote grant did not issue an access token", nil)
	}
	quote, err := o.provider.CreateQuote(ctx, sender.ResourceServer, quoteGrant.AccessToken, QuoteRequest{
		WalletID:          sender.ID,
		ReceiverPaymentID: incoming.ID,
		Method:            QuoteMethodILP,
	})
	if err != nil {
		return saga, err
	}
	if quote.ExpiredAt(o.clock()) {
		return saga, ProtocolError(ErrorQuoteExpired, "quote expired before it could be used", nil)
	}
	saga.QuoteID = quote.ID
	saga.DebitAmount = quote.DebitAmount
	if !quote.ExpiresAt.IsZero() && quote.ExpiresAt.Before(saga.ExpiresAt) {
		saga.ExpiresAt = quote.ExpiresAt
	}
	if saga, err = o.advance(ctx, saga, SagaStageQuoteCreated); err != nil {
		return saga, err
	}

	debit := quote.DebitAmount
	nonce := o.newNonce()
	outgoingGrant, err := o.provider.RequestGrant(ctx, sender.AuthServer, GrantRequest{
		Access: []AccessItem{{
			Type:       AccessTypeOutgoingPayment,
			Actions:    []string{"read", "create"},
			Identifier: sender.ID,
			Limits:     &AccessLimits{DebitAmount: &debit},
		}},
		Interact: &InteractRequest{
			Start:        []string{"redirect"},
			FinishMethod: FinishMethodRedirect,
			FinishURI:    o.callbackURL(saga),
			Nonce:        nonce,
		},
	})
	if err != nil {
		return saga, err
	}
	if !outgoingGrant.Pending() || strings.TrimSpace(outgoingGrant.ContinueURI) == "" {
		return saga, ProtocolError(ErrorGrantDenied, "outgoing payment grant did not return an interaction", nil)
	}
	saga.ContinuationURI = outgoingGrant.ContinueURI
	saga.ContinuationToken = outgoingGrant.ContinueToken
	saga.InteractionURL = outgoingGrant.InteractRedirect
	saga.InteractNonce = nonce
	saga.InteractFinish = outgoingGrant.InteractFinish
	saga.GrantEndpoint = sender.AuthServer
	if saga, err = o.advance(ctx, saga, SagaStageGrantRequested); err != nil {
		return saga, err
	}
	return o.advance(ctx, saga, SagaStageAwaitingInteraction)
}

// Complete resumes a saga after the user approved the interactive grant.
// Replaying a finished saga returns its recorded result with an
// AlreadyTerminal error and never issues a second transfer.
func (o *PaymentOrchestrator) Complete(ctx context.Context, req CompletePaymentRequest) (Completion, error) {
	if err := o.ready(); err != nil {
		return Completion{}, err
	}
	sagaID := strings.TrimSpace(req.SagaID)
	if sagaID == "" {
		return Completion{}, ValidationError(ErrorValidation, "saga_id", "saga_id is required")
	}
	interactRef := strings.TrimSpace(req.InteractRef)
	if interactRef == "" {
		return Completion{}, ValidationError(ErrorValidation, "interact_ref", "interact_ref is required")
	}
	// checked before the claim so a forged callback leaves the saga waiting
	// for the real one
	if hash := strings.TrimSpace(req.Hash); hash != "" {
		current, err := o.sagas.GetSaga(ctx, sagaID)
		if err != nil {
			return Completion{}, err
		}
		if !VerifyInteractHash(current, interactRef, hash) {
			return Completion{Saga: current}, InteractHashError(sagaID)
		}
	}

	now := o.clock()
	claim, err := o.sagas.ClaimSaga(ctx, sagaID, now)
	if err != nil {
		return Completion{}, err
	}
	if claim.Terminal {
		return o.replay(ctx, claim.Saga, claim.Payment)
	}
	saga, payment := claim.Saga, claim.Payment

	if saga.Expired(now) {
		cause := ProtocolError(ErrorQuoteExpired, "quote expired before the payment was authorized", nil)
		failed, closed := o.fail(ctx, saga, payment, cause)
		return Completion{Saga: failed, Payment: closed}, cause
	}

	grant, err := o.provider.ContinueGrant(ctx, saga.ContinuationURI, saga.ContinuationToken, interactRef)
	if err == nil && strings.TrimSpace(grant.AccessToken) == "" {
		err = ProtocolError(ErrorGrantDenied, "grant continuation did not issue an access token", nil)
	}
	if err != nil {
		failed, closed := o.fail(ctx, saga, payment, err)
		return Completion{Saga: failed, Payment: closed}, err
	}
	saga.ManageURL = grant.ManageURL
	if saga, err = o.advance(ctx, saga, SagaStageGrantContinued); err != nil {
		failed, closed := o.fail(ctx, saga, payment, err)
		return Completion{Saga: failed, Payment: closed}, err
	}

	outgoing, err := o.provider.CreateOutgoingPayment(ctx, saga.WalletResourceServer, grant.AccessToken, OutgoingPaymentRequest{
		WalletID: saga.WalletID,
		QuoteID:  saga.QuoteID,
		Metadata: map[string]any{
			"tandaId":   payment.TandaID,
			"paymentId": payment.ID,
			"sagaId":    saga.ID,
		},
	})
	if err == nil && outgoing.Failed {
		err = ProtocolError(ErrorProtocolFailed, "outgoing payment was rejected", nil)
	}
	if err != nil {
		failed, closed := o.fail(ctx, saga, payment, err)
		return Completion{Saga: failed, Payment: closed}, err
	}

	result, err := o.sagas.CloseSaga(ctx, saga.ID, SagaOutcome{
		Stage:             SagaStageFinalized,
		OutgoingPaymentID: outgoing.ID,
		ManageURL:         grant.ManageURL,
		PaymentStatus:     finalPaymentStatus(payment, SagaStageFinalized),
		ExternalRef:       outgoing.ID,
		ClosedAt:          o.clock(),
	})
	if err != nil {
		return Completion{Saga: saga, Payment: payment}, err
	}
	if result.AlreadyClosed {
		return o.replay(ctx, result.Saga, result.Payment)
	}
	completion := Completion{Saga: result.Saga, Payment: result.Payment}

	if o.settlement != nil {
		outcome, err := o.settlement.PaymentFinalized(ctx, result.Payment)
		completion.Round = outcome
		if err != nil {
			return completion, err
		}
	}
	return completion, nil
}

// replay answers a completion for a saga that already finished. A finalized
// contribution is settled again: evaluation is idempotent, and it may not
// have run if the process failed right after the saga closed.
func (o *PaymentOrchestrator) replay(ctx context.Context, saga PaymentSaga, payment Payment) (Completion, error) {
	completion := Completion{Saga: saga, Payment: payment, Replayed: true}
	if saga.Stage == SagaStageFinalized && o.settlement != nil {
		outcome, err := o.settlement.PaymentFinalized(ctx, payment)
		completion.Round = outcome
		if err != nil {
			return completion, err
		}
	}
	return completion, AlreadyTerminalError(saga)
}

// Cancel fails a saga that has not been claimed for completion.
func (o *PaymentOrchestrator) Cancel(ctx context.Context, sagaID string, reason string) (PaymentSaga, error) {
	if err := o.ready(); err != nil {
		return PaymentSaga{}, err
	}
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return PaymentSaga{}, ValidationError(ErrorValidation, "saga_id", "saga_id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	saga, err := o.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return PaymentSaga{}, err
	}
	payment, err := o.ledger.store.GetPayment(ctx, saga.PaymentID)
	if err != nil {
		return PaymentSaga{}, err
	}
	result, err := o.sagas.CloseSaga(ctx, sagaID, SagaOutcome{
		Stage:            SagaStageFailed,
		FailureReason:    reason,
		PaymentStatus:    finalPaymentStatus(payment, SagaStageFailed),
		RequireUnclaimed: true,
		ClosedAt:         o.clock(),
	})
	if err != nil {
		return PaymentSaga{}, err
	}
	if result.AlreadyClosed {
		return result.Saga, AlreadyTerminalError(result.Saga)
	}
	return result.Saga, nil
}

// Expire force-fails an expired saga, including one whose completion claim
// went stale.
func (o *PaymentOrchestrator) Expire(ctx context.Context, sagaID string) (PaymentSaga, error) {
	if err := o.ready(); err != nil {
		return PaymentSaga{}, err
	}
	saga, err := o.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return PaymentSaga{}, err
	}
	if saga.Stage.Terminal() {
		return saga, AlreadyTerminalError(saga)
	}
	now := o.clock()
	if !saga.Expired(now) {
		return saga, ConflictError(
			ErrorSagaInProgress,
			fmt.Sprintf("saga %q has not expired", saga.ID),
			map[string]any{"saga_id": saga.ID, "expires_at": saga.ExpiresAt},
		)
	}
	if saga.ClaimedAt != nil && now.Sub(*saga.ClaimedAt) < o.config.ClaimTimeout {
		return saga, SagaInProgressError(saga)
	}
	payment, err := o.ledger.store.GetPayment(ctx, saga.PaymentID)
	if err != nil {
		return PaymentSaga{}, err
	}
	result, err := o.sagas.CloseSaga(ctx, saga.ID, SagaOutcome{
		Stage:         SagaStageFailed,
		FailureReason: CancelReasonExpired,
		PaymentStatus: finalPaymentStatus(payment, SagaStageFailed),
		ClosedAt:      now,
	})
	if err != nil {
		return PaymentSaga{}, err
	}
	return result.Saga, nil
}

// ExpiredSagas lists sagas the sweep should fail at now.
func (o *PaymentOrchestrator) ExpiredSagas(ctx context.Context, now time.Time, limit int) ([]PaymentSaga, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.sagas.ListExpiredSagas(ctx, now, now.Add(-o.config.ClaimTimeout), limit)
}

func (o *PaymentOrchestrator) GetSaga(ctx context.Context, sagaID string) (PaymentSaga, error) {
	if err := o.ready(); err != nil {
		return PaymentSaga{}, err
	}
	return o.sagas.GetSaga(ctx, strings.TrimSpace(sagaID))
}

func (o *PaymentOrchestrator) advance(ctx context.Context, saga PaymentSaga, stage SagaStage) (PaymentSaga, error) {
	from := saga.Stage
	if err := saga.TransitionTo(stage, o.clock()); err != nil {
		return saga, err
	}
	return o.sagas.AdvanceSaga(ctx, saga, from)
}

// fail closes the saga as Failed. The original cause is what callers see; a
// saga that was closed concurrently is returned as stored.
func (o *PaymentOrchestrator) fail(ctx context.Context, saga PaymentSaga, payment Payment, cause error) (PaymentSaga, Payment) {
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	result, err := o.sagas.CloseSaga(ctx, saga.ID, SagaOutcome{
		Stage:         SagaStageFailed,
		FailureReason: reason,
		PaymentStatus: finalPaymentStatus(payment, SagaStageFailed),
		ClosedAt:      o.clock(),
	})
	if err != nil {
		logWithLevel(ctx, o.logger, "error", "saga failure could not be recorded", map[string]any{
			"saga_id":    saga.ID,
			"payment_id": payment.ID,
			"stage":      string(saga.Stage),
			"error":      err.Error(),
		})
		return saga, payment
	}
	return result.Saga, result.Payment
}

// finalPaymentStatus maps a terminal saga stage to the payment status.
// Payouts are settled at round close, so their status is left untouched.
func finalPaymentStatus(payment Payment, stage SagaStage) PaymentStatus {
	if payment.Type == PaymentTypePayout {
		return ""
	}
	if stage == SagaStageFinalized {
		return PaymentStatusCompleted
	}
	return PaymentStatusFailed
}

func (o *PaymentOrchestrator) callbackURL(saga PaymentSaga) string {
	base := strings.TrimSpace(o.config.CallbackURL)
	parsed, err := url.Parse(base)
	if err != nil {
		return base
	}
	query := parsed.Query()
	query.Set("saga_id", saga.ID)
	query.Set("payment_id", saga.PaymentID)
	query.Set("tanda_id", saga.TandaID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (o *PaymentOrchestrator) ready() error {
	if o == nil || o.ledger == nil || o.sagas == nil {
		return fmt.Errorf("core: payment orchestrator is not configured")
	}
	if o.provider == nil {
		return fmt.Errorf("core: payment provider is not configured")
	}
	return nil
}
