package core

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPaymentOrchestrator_InitiateSuspendsAtInteraction(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	initiation := fx.contribute(t, "bob")

	saga := initiation.Saga
	if saga.Stage != SagaStageAwaitingInteraction {
		t.Fatalf("expected awaiting_interaction, got %s", saga.Stage)
	}
	if initiation.InteractionURL == "" || initiation.InteractionURL != saga.InteractionURL {
		t.Fatalf("expected interaction url to be returned, got %q", initiation.InteractionURL)
	}
	if saga.WalletID != fx.wallets["bob"] || saga.WalletResourceServer != "https://rs.test/bob" {
		t.Fatalf("expected sender wallet on saga, got %s %s", saga.WalletID, saga.WalletResourceServer)
	}
	if saga.ReceiverWalletID != testPoolWallet {
		t.Fatalf("expected pool wallet as receiver, got %s", saga.ReceiverWalletID)
	}
	if saga.QuoteID == "" || saga.IncomingPaymentID == "" || saga.ContinuationURI == "" || saga.ContinuationToken == "" {
		t.Fatalf("expected protocol references on saga, got %+v", saga)
	}
	if saga.DebitAmount.Value != "10000" || saga.DebitAmount.AssetScale != 2 {
		t.Fatalf("expected debit amount 10000 at scale 2, got %+v", saga.DebitAmount)
	}
	quoteExpiry := fx.clock.Now().Add(fx.provider.quoteTTL)
	if !saga.ExpiresAt.Equal(quoteExpiry) {
		t.Fatalf("expected saga expiry capped at quote expiry %s, got %s", quoteExpiry, saga.ExpiresAt)
	}
	if initiation.Payment.Status != PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", initiation.Payment.Status)
	}

	fx.provider.mu.Lock()
	grants := append([]GrantRequest(nil), fx.provider.grants...)
	fx.provider.mu.Unlock()
	if len(grants) != 3 {
		t.Fatalf("expected incoming, quote and outgoing grants, got %d", len(grants))
	}
	outgoing := grants[2]
	if !outgoing.Interactive() || outgoing.Access[0].Type != AccessTypeOutgoingPayment {
		t.Fatalf("expected interactive outgoing grant, got %+v", outgoing)
	}
	if limit := outgoing.Access[0].Limits; limit == nil || limit.DebitAmount == nil || limit.DebitAmount.Value != "10000" {
		t.Fatalf("expected debit limit equal to quote, got %+v", limit)
	}
	finish, err := url.Parse(outgoing.Interact.FinishURI)
	if err != nil {
		t.Fatalf("parse finish uri: %v", err)
	}
	if finish.Query().Get("saga_id") != saga.ID || finish.Query().Get("tanda_id") != fx.tanda.ID {
		t.Fatalf("expected correlation ids on callback, got %s", finish.String())
	}
	if outgoing.Interact.Nonce != saga.InteractNonce || saga.InteractNonce == "" {
		t.Fatalf("expected nonce to be persisted")
	}

	stored, err := fx.svc.GetSaga(context.Background(), saga.ID)
	if err != nil || stored.Stage != SagaStageAwaitingInteraction {
		t.Fatalf("expected persisted saga, got %+v err=%v", stored, err)
	}
}

func TestPaymentOrchestrator_CompleteIsIdempotent(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")

	completion, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Saga.Stage != SagaStageFinalized || completion.Payment.Status != PaymentStatusCompleted {
		t.Fatalf("expected finalized saga and completed payment, got %s/%s", completion.Saga.Stage, completion.Payment.Status)
	}
	if completion.Payment.ExternalRef == "" || completion.Saga.OutgoingPaymentID != completion.Payment.ExternalRef {
		t.Fatalf("expected outgoing payment reference, got %+v", completion.Payment)
	}
	if completion.Round == nil || completion.Round.Closed {
		t.Fatalf("expected an open round after one contribution, got %+v", completion.Round)
	}
	if host := fx.provider.outgoingHost[0]; host != "https://rs.test/bob" {
		t.Fatalf("expected outgoing payment on the sender resource server, got %s", host)
	}

	replay, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref-1"})
	if !IsAlreadyTerminal(err) {
		t.Fatalf("expected already terminal on replay, got %v", err)
	}
	if !replay.Replayed || replay.Saga.Stage != SagaStageFinalized || replay.Payment.Status != PaymentStatusCompleted {
		t.Fatalf("expected recorded result on replay, got %+v", replay)
	}
	if fx.provider.outgoingCount() != 1 {
		t.Fatalf("expected exactly one outgoing transfer, got %d", fx.provider.outgoingCount())
	}
}

func TestPaymentOrchestrator_ConcurrentCompleteTransfersOnce(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "carla")

	const callers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		succeeded  int
		unexpected []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case IsAlreadyTerminal(err), HasTextCode(err, ErrorSagaInProgress):
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if succeeded != 1 {
		t.Fatalf("expected one successful completion, got %d", succeeded)
	}
	if fx.provider.outgoingCount() != 1 {
		t.Fatalf("expected one outgoing transfer, got %d", fx.provider.outgoingCount())
	}
}

func TestPaymentOrchestrator_CompleteUnknownSaga(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	_, err := fx.svc.CompletePayment(context.Background(), CompletePaymentRequest{SagaID: "missing", InteractRef: "ref"})
	if !HasTextCode(err, ErrorUnknownSaga) || !IsNotFound(err) {
		t.Fatalf("expected unknown saga, got %v", err)
	}
	_, err = fx.svc.CompletePayment(context.Background(), CompletePaymentRequest{SagaID: "missing"})
	if !HasTextCode(err, ErrorValidation) {
		t.Fatalf("expected interact_ref validation, got %v", err)
	}
}

func TestPaymentOrchestrator_DeniedGrantFailsPayment(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")

	completion, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "denied"})
	if !HasTextCode(err, ErrorGrantDenied) {
		t.Fatalf("expected grant denied, got %v", err)
	}
	if completion.Saga.Stage != SagaStageFailed || completion.Payment.Status != PaymentStatusFailed {
		t.Fatalf("expected failed saga and payment, got %s/%s", completion.Saga.Stage, completion.Payment.Status)
	}
	if completion.Saga.FailureReason == "" || completion.Payment.FailureReason == "" {
		t.Fatalf("expected failure reason to be recorded")
	}
	view, err := fx.svc.GetTandaStatus(ctx, fx.tanda.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.RoundCollected.IsZero() {
		t.Fatalf("expected no ledger credit after failure, got %s", view.RoundCollected)
	}

	// a failed contribution can be retried
	retry := fx.contribute(t, "bob")
	if retry.Saga.ID == initiation.Saga.ID || retry.Payment.ID == initiation.Payment.ID {
		t.Fatalf("expected a fresh payment and saga on retry")
	}
}

func TestPaymentOrchestrator_RejectedOutgoingPaymentFails(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	fx.provider.failOutgoing = true
	initiation := fx.contribute(t, "diego")

	completion, err := fx.svc.CompletePayment(context.Background(), CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"})
	if !HasTextCode(err, ErrorProtocolFailed) {
		t.Fatalf("expected protocol failure, got %v", err)
	}
	if completion.Payment.Status != PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", completion.Payment.Status)
	}
}

func TestPaymentOrchestrator_QuoteExpiredBeforeCompletion(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	initiation := fx.contribute(t, "bob")
	fx.clock.Advance(fx.provider.quoteTTL + time.Second)

	completion, err := fx.svc.CompletePayment(context.Background(), CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"})
	if !HasTextCode(err, ErrorQuoteExpired) {
		t.Fatalf("expected quote expired, got %v", err)
	}
	if completion.Saga.Stage != SagaStageFailed {
		t.Fatalf("expected failed saga, got %s", completion.Saga.Stage)
	}
	if fx.provider.outgoingCount() != 0 {
		t.Fatalf("expected no transfer for an expired quote")
	}
}

func TestPaymentOrchestrator_UnreachableWalletFailsBeforeInteraction(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	initiation, err := fx.svc.InitiateContribution(context.Background(), ContributionRequest{
		TandaID:         fx.tanda.ID,
		PayerID:         "bob",
		SenderWalletURL: "https://wallet.test/unknown",
		Amount:          decimal.NewFromInt(100),
	})
	if !HasTextCode(err, ErrorWalletUnreachable) {
		t.Fatalf("expected wallet unreachable, got %v", err)
	}
	if initiation.Saga.Stage != SagaStageFailed || initiation.Payment.Status != PaymentStatusFailed {
		t.Fatalf("expected failed saga and payment, got %s/%s", initiation.Saga.Stage, initiation.Payment.Status)
	}

	_, err = fx.svc.InitiateContribution(context.Background(), ContributionRequest{
		TandaID: fx.tanda.ID,
		PayerID: "bob",
		Amount:  decimal.NewFromInt(100),
	})
	if !HasTextCode(err, ErrorValidation) {
		t.Fatalf("expected missing sender wallet validation, got %v", err)
	}
}

func TestPaymentOrchestrator_CancelAwaitingSaga(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")

	saga, err := fx.svc.CancelPayment(ctx, initiation.Saga.ID, CancelReasonRejected)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if saga.Stage != SagaStageFailed || saga.FailureReason != CancelReasonRejected {
		t.Fatalf("expected failed saga with reason, got %+v", saga)
	}
	payment, err := fx.store.GetPayment(ctx, initiation.Payment.ID)
	if err != nil || payment.Status != PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %+v err=%v", payment, err)
	}
	if _, err := fx.svc.CancelPayment(ctx, initiation.Saga.ID, ""); !IsAlreadyTerminal(err) {
		t.Fatalf("expected already terminal on second cancel, got %v", err)
	}
	if _, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"}); !IsAlreadyTerminal(err) {
		t.Fatalf("expected cancelled saga to refuse completion, got %v", err)
	}
}

func TestPaymentOrchestrator_ExpireSagasInline(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	stale := fx.contribute(t, "bob")
	fx.contribute(t, "carla")

	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil || result.Scanned != 0 {
		t.Fatalf("expected nothing to expire yet, got %+v err=%v", result, err)
	}

	fx.clock.Advance(time.Hour)
	result, err = fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("expire sagas: %v", err)
	}
	if result.Scanned != 2 || result.Expired != 2 {
		t.Fatalf("expected two expired sagas, got %+v", result)
	}
	saga, err := fx.svc.GetSaga(ctx, stale.Saga.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Stage != SagaStageFailed || saga.FailureReason != CancelReasonExpired {
		t.Fatalf("expected expired saga, got %+v", saga)
	}
	payment, _ := fx.store.GetPayment(ctx, stale.Payment.ID)
	if payment.Status != PaymentStatusFailed {
		t.Fatalf("expected failed payment after expiry, got %s", payment.Status)
	}
}

func TestPaymentOrchestrator_ExpireSagasThroughJobQueue(t *testing.T) {
	enqueuer := &recordingEnqueuer{}
	fx := newTandaFixture(t, Config{}, WithJobEnqueuer(enqueuer))
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")
	fx.clock.Advance(time.Hour)

	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("expire sagas: %v", err)
	}
	if result.Enqueued != 1 || result.Expired != 0 {
		t.Fatalf("expected one enqueued expiry, got %+v", result)
	}
	msg := enqueuer.messages[0]
	if msg.JobID != JobIDSagaExpire || msg.IdempotencyKey != "saga-expire:"+initiation.Saga.ID {
		t.Fatalf("unexpected job message %+v", msg)
	}

	delivery := &recordingDelivery{msg: msg}
	if err := fx.svc.HandleExpiryJob(ctx, delivery); err != nil {
		t.Fatalf("handle expiry job: %v", err)
	}
	if !delivery.acked || delivery.nacked != nil {
		t.Fatalf("expected delivery to be acked")
	}
	saga, _ := fx.svc.GetSaga(ctx, initiation.Saga.ID)
	if saga.Stage != SagaStageFailed {
		t.Fatalf("expected saga to be expired by the job, got %s", saga.Stage)
	}

	again := &recordingDelivery{msg: msg}
	if err := fx.svc.HandleExpiryJob(ctx, again); err != nil || !again.acked {
		t.Fatalf("expected duplicate job to be acked, err=%v", err)
	}

	bad := &recordingDelivery{msg: &JobExecutionMessage{JobID: JobIDSagaExpire}}
	if err := fx.svc.HandleExpiryJob(ctx, bad); err != nil || bad.nacked == nil || !bad.nacked.DeadLetter {
		t.Fatalf("expected malformed job to be dead-lettered, err=%v", err)
	}
}

func TestPaymentOrchestrator_ExpireSkipsFreshClaims(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")
	fx.clock.Advance(time.Hour)

	now := fx.clock.Now()
	if _, err := fx.store.ClaimSaga(ctx, initiation.Saga.ID, now); err != nil {
		t.Fatalf("claim saga: %v", err)
	}
	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil || result.Scanned != 0 {
		t.Fatalf("expected a fresh claim to be left alone, got %+v err=%v", result, err)
	}

	fx.clock.Advance(DefaultConfig().Saga.ClaimTimeout + time.Minute)
	result, err = fx.svc.ExpireSagas(ctx)
	if err != nil || result.Expired != 1 {
		t.Fatalf("expected a stale claim to expire, got %+v err=%v", result, err)
	}
}

func TestSettlement_FullRoundThroughSagas(t *testing.T) {
	fx := newTandaFixture(t, Config{Payouts: PayoutConfig{Enabled: true}})
	ctx := context.Background()

	fx.pay(t, "bob")
	fx.pay(t, "carla")
	completion := fx.pay(t, "diego")

	round := completion.Round
	if round == nil || !round.Closed || round.Payout == nil {
		t.Fatalf("expected the third contribution to close the round, got %+v", round)
	}
	if round.Payout.UserID != "alice" || !round.Payout.Amount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected payout %+v", round.Payout)
	}
	if round.Tanda.CurrentTurn != 2 {
		t.Fatalf("expected turn 2, got %d", round.Tanda.CurrentTurn)
	}

	sagas, err := fx.store.ListSagasByPayment(ctx, round.Payout.ID)
	if err != nil {
		t.Fatalf("list payout sagas: %v", err)
	}
	if len(sagas) != 1 || sagas[0].Stage != SagaStageAwaitingInteraction {
		t.Fatalf("expected payout saga awaiting interaction, got %+v", sagas)
	}
	payoutSaga := sagas[0]
	if payoutSaga.WalletID != testPoolWallet || payoutSaga.ReceiverWalletID != fx.wallets["alice"] {
		t.Fatalf("expected pool to alice transfer, got %s -> %s", payoutSaga.WalletID, payoutSaga.ReceiverWalletID)
	}

	payoutCompletion, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: payoutSaga.ID, InteractRef: "pool-ok"})
	if err != nil {
		t.Fatalf("complete payout: %v", err)
	}
	if payoutCompletion.Round != nil {
		t.Fatalf("expected payout finalization to leave the ledger alone")
	}
	if payoutCompletion.Payment.Status != PaymentStatusCompleted {
		t.Fatalf("expected payout to stay completed, got %s", payoutCompletion.Payment.Status)
	}

	pending, err := fx.svc.PendingContributors(ctx, fx.tanda.ID)
	if err != nil {
		t.Fatalf("pending contributors: %v", err)
	}
	names := make([]string, 0, len(pending))
	for _, participant := range pending {
		names = append(names, participant.UserID)
	}
	if strings.Join(names, ",") != "alice,carla,diego" {
		t.Fatalf("expected alice, carla and diego to owe round 2, got %v", names)
	}
	if _, err := fx.svc.InitiateContribution(ctx, ContributionRequest{
		TandaID:         fx.tanda.ID,
		PayerID:         "bob",
		SenderWalletURL: fx.wallets["bob"],
		Amount:          decimal.NewFromInt(100),
	}); !HasTextCode(err, ErrorInvalidTurn) {
		t.Fatalf("expected round 2 receiver to be rejected, got %v", err)
	}

	outcome, err := fx.svc.EvaluateRound(ctx, fx.tanda.ID)
	if err != nil || outcome.Closed || outcome.Round != 2 {
		t.Fatalf("expected idempotent evaluation of the open round, got %+v err=%v", outcome, err)
	}
}

func TestSettlement_PayoutRestartAfterFailure(t *testing.T) {
	fx := newTandaFixture(t, Config{Payouts: PayoutConfig{Enabled: true}})
	ctx := context.Background()
	fx.pay(t, "bob")
	fx.pay(t, "carla")
	round := fx.pay(t, "diego").Round

	sagas, _ := fx.store.ListSagasByPayment(ctx, round.Payout.ID)
	if _, err := fx.svc.CancelPayment(ctx, sagas[0].ID, CancelReasonRejected); err != nil {
		t.Fatalf("cancel payout saga: %v", err)
	}
	payout, _ := fx.store.GetPayment(ctx, round.Payout.ID)
	if payout.Status != PaymentStatusCompleted {
		t.Fatalf("expected payout accounting to survive a failed transfer, got %s", payout.Status)
	}

	restarted, err := fx.svc.InitiatePayout(ctx, round.Payout.ID)
	if err != nil {
		t.Fatalf("restart payout: %v", err)
	}
	if restarted.Saga.Stage != SagaStageAwaitingInteraction {
		t.Fatalf("expected a fresh payout saga, got %s", restarted.Saga.Stage)
	}
	if _, err := fx.svc.InitiatePayout(ctx, round.Payout.ID); !HasTextCode(err, ErrorSagaInProgress) {
		t.Fatalf("expected a second live payout saga to be rejected, got %v", err)
	}
}

func TestPaymentOrchestrator_FailedSagaCreateReleasesContribution(t *testing.T) {
	store := NewMemoryStore()
	flaky := &flakySagaStore{MemoryStore: store, createFailures: 1}
	fx := newTandaFixtureWithStore(t, store, Config{}, WithStore(flaky))
	ctx := context.Background()

	initiation, err := fx.svc.InitiateContribution(ctx, ContributionRequest{
		TandaID:         fx.tanda.ID,
		PayerID:         "bob",
		SenderWalletURL: fx.wallets["bob"],
		Amount:          decimal.NewFromInt(100),
	})
	if !HasTextCode(err, ErrorStoreUnavailable) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if initiation.Saga.ID != "" {
		t.Fatalf("expected no saga, got %+v", initiation.Saga)
	}
	stored, err := store.GetPayment(ctx, initiation.Payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != PaymentStatusFailed || initiation.Payment.Status != PaymentStatusFailed {
		t.Fatalf("expected the orphaned contribution to be failed, got %s/%s", stored.Status, initiation.Payment.Status)
	}

	retry := fx.contribute(t, "bob")
	if retry.Saga.Stage != SagaStageAwaitingInteraction || retry.Payment.ID == stored.ID {
		t.Fatalf("expected a fresh contribution after the failure, got %+v", retry)
	}
}

func TestPaymentOrchestrator_RecoversContributionLeftWithoutSaga(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()

	// a crash between recording the payment and creating its saga
	orphan, _, err := fx.svc.ledger.RecordContribution(ctx, fx.tanda.ID, "bob", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("record contribution: %v", err)
	}
	req := ContributionRequest{
		TandaID:         fx.tanda.ID,
		PayerID:         "bob",
		SenderWalletURL: fx.wallets["bob"],
		Amount:          decimal.NewFromInt(100),
	}
	if _, err := fx.svc.InitiateContribution(ctx, req); !HasTextCode(err, ErrorDuplicateContribution) {
		t.Fatalf("expected a fresh pending contribution to block the payer, got %v", err)
	}

	fx.clock.Advance(DefaultConfig().Saga.ClaimTimeout)
	initiation, err := fx.svc.InitiateContribution(ctx, req)
	if err != nil {
		t.Fatalf("expected the stale contribution to be released, got %v", err)
	}
	if initiation.Payment.ID == orphan.ID {
		t.Fatalf("expected a new payment")
	}
	released, _ := fx.store.GetPayment(ctx, orphan.ID)
	if released.Status != PaymentStatusFailed {
		t.Fatalf("expected the stale contribution to be failed, got %s", released.Status)
	}
}

func TestSettlement_ReplayClosesRoundAfterSettlementFailure(t *testing.T) {
	store := NewMemoryStore()
	flaky := &flakySagaStore{MemoryStore: store}
	fx := newTandaFixtureWithStore(t, store, Config{}, WithStore(flaky))
	ctx := context.Background()
	fx.pay(t, "bob")
	fx.pay(t, "carla")
	last := fx.contribute(t, "diego")

	flaky.failNextLocks(1)
	completion, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: last.Saga.ID, InteractRef: "ref-diego"})
	if !HasTextCode(err, ErrorStoreUnavailable) {
		t.Fatalf("expected settlement to fail, got %v", err)
	}
	if completion.Saga.Stage != SagaStageFinalized {
		t.Fatalf("expected the transfer to stay finalized, got %s", completion.Saga.Stage)
	}
	tanda, _ := store.GetTanda(ctx, fx.tanda.ID)
	if tanda.CurrentTurn != 1 {
		t.Fatalf("expected round 1 to stay open, got turn %d", tanda.CurrentTurn)
	}

	replay, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: last.Saga.ID, InteractRef: "ref-diego"})
	if !IsAlreadyTerminal(err) {
		t.Fatalf("expected already terminal on replay, got %v", err)
	}
	if replay.Round == nil || !replay.Round.Closed || replay.Round.Payout == nil {
		t.Fatalf("expected the replay to close the round, got %+v", replay.Round)
	}
	tanda, _ = store.GetTanda(ctx, fx.tanda.ID)
	if tanda.CurrentTurn != 2 {
		t.Fatalf("expected turn 2 after replay, got %d", tanda.CurrentTurn)
	}
	if fx.provider.outgoingCount() != 3 {
		t.Fatalf("expected no extra transfer on replay, got %d", fx.provider.outgoingCount())
	}
}

func TestSettlement_SweepReconcilesUnsettledRound(t *testing.T) {
	store := NewMemoryStore()
	flaky := &flakySagaStore{MemoryStore: store}
	fx := newTandaFixtureWithStore(t, store, Config{}, WithStore(flaky))
	ctx := context.Background()
	fx.pay(t, "bob")
	fx.pay(t, "carla")
	last := fx.contribute(t, "diego")

	flaky.failNextLocks(1)
	if _, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: last.Saga.ID, InteractRef: "ref-diego"}); err == nil {
		t.Fatalf("expected settlement to fail")
	}

	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Evaluated != 1 || result.RoundsClosed != 1 {
		t.Fatalf("expected the sweep to close one round, got %+v", result)
	}
	tanda, _ := store.GetTanda(ctx, fx.tanda.ID)
	if tanda.CurrentTurn != 2 || !tanda.RoundAccumulated.IsZero() {
		t.Fatalf("expected round 2 to be open, got turn %d accumulated %s", tanda.CurrentTurn, tanda.RoundAccumulated)
	}

	result, err = fx.svc.ExpireSagas(ctx)
	if err != nil || result.RoundsClosed != 0 {
		t.Fatalf("expected a second sweep to close nothing, got %+v err=%v", result, err)
	}
}

func TestService_ResolveWalletAndUpdateParticipantWallet(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()

	wallet, err := fx.svc.ResolveWallet(ctx, "$wallet.test/bob")
	if err != nil {
		t.Fatalf("resolve wallet: %v", err)
	}
	if wallet.ID != fx.wallets["bob"] || wallet.AssetCode != "USD" {
		t.Fatalf("unexpected wallet %+v", wallet)
	}
	if _, err := fx.svc.ResolveWallet(ctx, "  "); !HasTextCode(err, ErrorValidation) {
		t.Fatalf("expected blank locator to be rejected, got %v", err)
	}

	if _, err := fx.svc.UpdateParticipantWallet(ctx, UpdateWalletRequest{
		TandaID: fx.tanda.ID, UserID: "bob", WalletAddress: "https://wallet.test/nowhere",
	}); !HasTextCode(err, ErrorWalletUnreachable) {
		t.Fatalf("expected unreachable wallet to be rejected, got %v", err)
	}

	fx.provider.addWallet("https://wallet.test/bob-savings")
	updated, err := fx.svc.UpdateParticipantWallet(ctx, UpdateWalletRequest{
		TandaID: fx.tanda.ID, UserID: "bob", WalletAddress: "$wallet.test/bob-savings",
	})
	if err != nil {
		t.Fatalf("update wallet: %v", err)
	}
	if updated.WalletAddress != "https://wallet.test/bob-savings" {
		t.Fatalf("unexpected participant %+v", updated)
	}
	receiver, err := fx.svc.ledger.Participant(ctx, fx.tanda.ID, "bob")
	if err != nil || receiver.WalletAddress != updated.WalletAddress {
		t.Fatalf("expected payouts to use the new wallet, got %+v err=%v", receiver, err)
	}

	tandas, err := fx.svc.ListTandas(ctx, TandaFilter{Status: TandaStatusActive})
	if err != nil || len(tandas) != 1 || tandas[0].ID != fx.tanda.ID {
		t.Fatalf("expected the fixture tanda, got %+v err=%v", tandas, err)
	}
}

func TestPaymentOrchestrator_CompleteVerifiesInteractHash(t *testing.T) {
	fx := newTandaFixture(t, Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")
	saga := initiation.Saga
	if saga.InteractFinish != "finish-nonce" || saga.GrantEndpoint != "https://auth.test/bob" {
		t.Fatalf("expected finish nonce and grant endpoint on saga, got %q %q", saga.InteractFinish, saga.GrantEndpoint)
	}

	forged := InteractHash(saga.InteractNonce, saga.InteractFinish, "other-ref", saga.GrantEndpoint)
	_, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: saga.ID, InteractRef: "ref-bob", Hash: forged})
	if !HasTextCode(err, ErrorInteractHash) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	stored, _ := fx.svc.GetSaga(ctx, saga.ID)
	if stored.Stage != SagaStageAwaitingInteraction || stored.ClaimedAt != nil {
		t.Fatalf("expected the saga to stay unclaimed, got %s claimed=%v", stored.Stage, stored.ClaimedAt)
	}

	hash := InteractHash(saga.InteractNonce, saga.InteractFinish, "ref-bob", saga.GrantEndpoint)
	completion, err := fx.svc.CompletePayment(ctx, CompletePaymentRequest{SagaID: saga.ID, InteractRef: "ref-bob", Hash: hash})
	if err != nil || completion.Saga.Stage != SagaStageFinalized {
		t.Fatalf("expected a matching hash to complete, got %+v err=%v", completion.Saga, err)
	}
}

func TestVerifyInteractHash_SkipsSagasWithoutFinishNonce(t *testing.T) {
	if !VerifyInteractHash(PaymentSaga{InteractNonce: "n"}, "ref", "anything") {
		t.Fatalf("expected legacy saga to pass")
	}
	saga := PaymentSaga{InteractNonce: "n", InteractFinish: "f", GrantEndpoint: "https://auth.test/"}
	if VerifyInteractHash(saga, "ref", "") {
		t.Fatalf("expected empty hash to fail once the finish nonce is known")
	}
	if !VerifyInteractHash(saga, "ref", InteractHash("n", "f", "ref", "https://auth.test/")) {
		t.Fatalf("expected matching hash to pass")
	}
}
