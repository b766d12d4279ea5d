package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-tandas/core"
	tandamigrations "github.com/goliatone/go-tandas/migrations"
	"github.com/goliatone/go-tandas/openpayments/fake"
	sqlstore "github.com/goliatone/go-tandas/store/sql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-tandas-tests"
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sqlFixture struct {
	client   *persistence.Client
	store    core.Store
	svc      *core.Service
	provider *fake.Provider
	clock    *testClock
	tanda    core.Tanda
}

var members = []string{"alice", "bob", "carla", "diego"}

func walletOf(user string) string {
	return "https://wallet.test/" + user
}

func newSQLFixture(t *testing.T, runtime core.Config) *sqlFixture {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)

	factory := sqlstore.NewRepositoryFactory()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	provider := fake.New(fake.WithClock(clock.Now), fake.WithQuoteTTL(5*time.Minute))

	svc, err := core.NewService(runtime,
		core.WithPersistenceClient(client),
		core.WithRepositoryFactory(factory),
		core.WithPaymentProvider(provider),
		core.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	tanda, err := svc.CreateTanda(ctx, core.CreateTandaRequest{
		Name:              "family",
		TotalAmount:       decimal.NewFromInt(400),
		MaxParticipants:   4,
		PoolWalletAddress: walletOf("pool"),
		CreatedBy:         "alice",
	})
	if err != nil {
		t.Fatalf("create tanda: %v", err)
	}
	for _, user := range members {
		if _, err := svc.JoinTanda(ctx, core.JoinRequest{TandaID: tanda.ID, UserID: user, WalletAddress: walletOf(user)}); err != nil {
			t.Fatalf("join %s: %v", user, err)
		}
	}
	return &sqlFixture{
		client:   client,
		store:    factory.Store(),
		svc:      svc,
		provider: provider,
		clock:    clock,
		tanda:    tanda,
	}
}

func (f *sqlFixture) contribute(t *testing.T, user string) core.Initiation {
	t.Helper()
	initiation, err := f.svc.InitiateContribution(context.Background(), core.ContributionRequest{
		TandaID:         f.tanda.ID,
		PayerID:         user,
		SenderWalletURL: walletOf(user),
		Amount:          decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("initiate contribution for %s: %v", user, err)
	}
	return initiation
}

func (f *sqlFixture) pay(t *testing.T, user string) core.Completion {
	t.Helper()
	initiation := f.contribute(t, user)
	completion, err := f.svc.CompletePayment(context.Background(), core.CompletePaymentRequest{
		SagaID:      initiation.Saga.ID,
		InteractRef: "ref-" + user,
	})
	if err != nil {
		t.Fatalf("complete payment for %s: %v", user, err)
	}
	return completion
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"tandas", "tanda_participants", "tanda_payments", "payment_sagas"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestSQLStore_JoinAssignsTurnsAndActivates(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()

	status, err := fx.svc.GetTandaStatus(ctx, fx.tanda.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tanda.Status != core.TandaStatusActive || status.Tanda.CurrentTurn != 1 {
		t.Fatalf("expected active tanda at turn 1, got %s/%d", status.Tanda.Status, status.Tanda.CurrentTurn)
	}
	if !status.Tanda.PerParticipantAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected per participant amount 100, got %s", status.Tanda.PerParticipantAmount)
	}
	if len(status.Participants) != 4 {
		t.Fatalf("expected four participants, got %d", len(status.Participants))
	}
	for i, participant := range status.Participants {
		if participant.TurnOrder != i+1 || participant.UserID != members[i] {
			t.Fatalf("expected %s at turn %d, got %+v", members[i], i+1, participant)
		}
	}

	_, err = fx.svc.JoinTanda(ctx, core.JoinRequest{TandaID: fx.tanda.ID, UserID: "eve", WalletAddress: walletOf("eve")})
	if err == nil {
		t.Fatalf("expected join on a full tanda to fail")
	}
}

func TestSQLStore_FourMemberRotation(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()

	receivers := []string{"alice", "bob", "carla", "diego"}
	for round, receiver := range receivers {
		var last core.Completion
		for _, user := range members {
			if user == receiver {
				continue
			}
			last = fx.pay(t, user)
		}
		if last.Round == nil || !last.Round.Closed || last.Round.Payout == nil {
			t.Fatalf("round %d: expected round to close with a payout, got %+v", round+1, last.Round)
		}
		if last.Round.Payout.UserID != receiver || !last.Round.Payout.Amount.Equal(decimal.NewFromInt(300)) {
			t.Fatalf("round %d: expected payout of 300 to %s, got %+v", round+1, receiver, last.Round.Payout)
		}
	}

	status, err := fx.svc.GetTandaStatus(ctx, fx.tanda.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tanda.Status != core.TandaStatusCompleted || status.Tanda.CompletedAt == nil {
		t.Fatalf("expected completed tanda, got %+v", status.Tanda)
	}
	if !status.Tanda.RoundAccumulated.IsZero() {
		t.Fatalf("expected round accumulator reset, got %s", status.Tanda.RoundAccumulated)
	}
	for _, participant := range status.Participants {
		if !participant.HasReceived {
			t.Fatalf("expected %s to have received", participant.UserID)
		}
	}

	payouts, err := fx.svc.ListPayments(ctx, core.PaymentFilter{TandaID: fx.tanda.ID, Type: core.PaymentTypePayout})
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(payouts) != 4 {
		t.Fatalf("expected four payouts, got %d", len(payouts))
	}
	contributions, err := fx.svc.ListPayments(ctx, core.PaymentFilter{
		TandaID: fx.tanda.ID,
		Type:    core.PaymentTypeContribution,
		Status:  core.PaymentStatusCompleted,
		Round:   2,
	})
	if err != nil {
		t.Fatalf("list round contributions: %v", err)
	}
	if len(contributions) != 3 {
		t.Fatalf("expected three completed contributions in round 2, got %d", len(contributions))
	}
	if fx.provider.OutgoingCount() != 12 {
		t.Fatalf("expected twelve transfers, got %d", fx.provider.OutgoingCount())
	}
}

func TestSQLStore_CompleteIsIdempotent(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")

	completion, err := fx.svc.CompletePayment(ctx, core.CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Saga.Stage != core.SagaStageFinalized || completion.Payment.Status != core.PaymentStatusCompleted {
		t.Fatalf("expected finalized saga, got %s/%s", completion.Saga.Stage, completion.Payment.Status)
	}

	replay, err := fx.svc.CompletePayment(ctx, core.CompletePaymentRequest{SagaID: initiation.Saga.ID, InteractRef: "ref"})
	if !core.IsAlreadyTerminal(err) {
		t.Fatalf("expected already terminal on replay, got %v", err)
	}
	if !replay.Replayed || replay.Payment.ExternalRef != completion.Payment.ExternalRef {
		t.Fatalf("expected the recorded result on replay, got %+v", replay)
	}
	if fx.provider.OutgoingCount() != 1 {
		t.Fatalf("expected one outgoing transfer, got %d", fx.provider.OutgoingCount())
	}

	stored, err := fx.store.GetSaga(ctx, initiation.Saga.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if stored.ClaimedAt == nil || stored.OutgoingPaymentID == "" || stored.DebitAmount.Value != "10000" {
		t.Fatalf("expected persisted claim, transfer and debit amount, got %+v", stored)
	}
}

func TestSQLStore_ClaimIsCompareAndSet(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "carla")
	now := fx.clock.Now()

	claim, err := fx.store.ClaimSaga(ctx, initiation.Saga.ID, now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claim.Terminal || claim.Payment.Status != core.PaymentStatusProcessing {
		t.Fatalf("expected live claim with processing payment, got %+v", claim)
	}
	if _, err := fx.store.ClaimSaga(ctx, initiation.Saga.ID, now); !core.HasTextCode(err, core.ErrorSagaInProgress) {
		t.Fatalf("expected second claim to be rejected, got %v", err)
	}
	if _, err := fx.store.ClaimSaga(ctx, "missing", now); !core.IsNotFound(err) {
		t.Fatalf("expected unknown saga, got %v", err)
	}

	if _, err := fx.store.CloseSaga(ctx, initiation.Saga.ID, core.SagaOutcome{
		Stage:            core.SagaStageFailed,
		FailureReason:    "rejected",
		PaymentStatus:    core.PaymentStatusFailed,
		RequireUnclaimed: true,
		ClosedAt:         now,
	}); !core.HasTextCode(err, core.ErrorSagaInProgress) {
		t.Fatalf("expected cancel of a claimed saga to be rejected, got %v", err)
	}

	closed, err := fx.store.CloseSaga(ctx, initiation.Saga.ID, core.SagaOutcome{
		Stage:         core.SagaStageFailed,
		FailureReason: "grant denied",
		PaymentStatus: core.PaymentStatusFailed,
		ClosedAt:      now,
	})
	if err != nil {
		t.Fatalf("close saga: %v", err)
	}
	if closed.Saga.Stage != core.SagaStageFailed || closed.Payment.Status != core.PaymentStatusFailed || closed.Payment.FailureReason != "grant denied" {
		t.Fatalf("unexpected close result %+v", closed)
	}
	again, err := fx.store.CloseSaga(ctx, initiation.Saga.ID, core.SagaOutcome{Stage: core.SagaStageFinalized, ClosedAt: now})
	if err != nil || !again.AlreadyClosed || again.Saga.Stage != core.SagaStageFailed {
		t.Fatalf("expected already closed saga to be reported unchanged, got %+v err=%v", again, err)
	}
	claim, err = fx.store.ClaimSaga(ctx, initiation.Saga.ID, now)
	if err != nil || !claim.Terminal {
		t.Fatalf("expected terminal claim, got %+v err=%v", claim, err)
	}
}

func TestSQLStore_AdvanceSagaChecksStage(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "diego")

	stale := initiation.Saga
	stale.ManageURL = "https://auth.test/manage"
	if _, err := fx.store.AdvanceSaga(ctx, stale, core.SagaStageQuoteCreated); !core.HasTextCode(err, core.ErrorSagaInProgress) {
		t.Fatalf("expected stale advance to be rejected, got %v", err)
	}

	next := initiation.Saga
	if err := next.TransitionTo(core.SagaStageGrantContinued, fx.clock.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	advanced, err := fx.store.AdvanceSaga(ctx, next, core.SagaStageAwaitingInteraction)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced.Stage != core.SagaStageGrantContinued {
		t.Fatalf("expected grant_continued, got %s", advanced.Stage)
	}
}

func TestSQLStore_OnePayoutPerRound(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()

	insert := func(id string) error {
		return fx.store.WithTandaLock(ctx, fx.tanda.ID, func(ctx context.Context, tx core.LedgerTx, tanda core.Tanda) error {
			_, err := tx.InsertPayment(ctx, core.Payment{
				ID:        id,
				UserID:    "alice",
				Amount:    decimal.NewFromInt(300),
				Type:      core.PaymentTypePayout,
				Status:    core.PaymentStatusCompleted,
				Round:     tanda.CurrentTurn,
				CreatedAt: fx.clock.Now(),
				UpdatedAt: fx.clock.Now(),
			})
			return err
		})
	}
	if err := insert("payout-1"); err != nil {
		t.Fatalf("insert first payout: %v", err)
	}
	if err := insert("payout-2"); !core.IsConcurrencyConflict(err) {
		t.Fatalf("expected second payout for the round to conflict, got %v", err)
	}
	payouts, err := fx.store.ListPayments(ctx, core.PaymentFilter{TandaID: fx.tanda.ID, Type: core.PaymentTypePayout})
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected a single payout, got %d", len(payouts))
	}
}

func TestSQLStore_ConcurrentEvaluationClosesRoundOnce(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	for _, user := range []string{"bob", "carla", "diego"} {
		fx.pay(t, user)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.svc.EvaluateRound(ctx, fx.tanda.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("evaluate round: %v", err)
	}

	payouts, err := fx.svc.ListPayments(ctx, core.PaymentFilter{TandaID: fx.tanda.ID, Type: core.PaymentTypePayout})
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected exactly one payout, got %d", len(payouts))
	}
	status, err := fx.svc.GetTandaStatus(ctx, fx.tanda.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tanda.CurrentTurn != 2 {
		t.Fatalf("expected turn 2, got %d", status.Tanda.CurrentTurn)
	}
}

func TestSQLStore_ExpireSagas(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	initiation := fx.contribute(t, "bob")

	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("expire before deadline: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected nothing to expire yet, got %+v", result)
	}

	fx.clock.Advance(6 * time.Minute)
	result, err = fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected one expired saga, got %+v", result)
	}
	saga, err := fx.svc.GetSaga(ctx, initiation.Saga.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Stage != core.SagaStageFailed || saga.FailureReason != core.CancelReasonExpired {
		t.Fatalf("expected expired saga, got %s/%s", saga.Stage, saga.FailureReason)
	}
	payment, err := fx.store.GetPayment(ctx, saga.PaymentID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != core.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", payment.Status)
	}

	retry := fx.contribute(t, "bob")
	if retry.Saga.ID == initiation.Saga.ID {
		t.Fatalf("expected a fresh saga for the retried contribution")
	}
}

func TestSQLStore_NotFoundErrors(t *testing.T) {
	fx := newSQLFixture(t, core.Config{})
	ctx := context.Background()
	if _, err := fx.store.GetTanda(ctx, "missing"); !core.HasTextCode(err, core.ErrorTandaNotFound) {
		t.Fatalf("expected tanda not found, got %v", err)
	}
	if _, err := fx.store.GetPayment(ctx, "missing"); !core.HasTextCode(err, core.ErrorPaymentNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}
	if _, err := fx.store.GetSaga(ctx, "missing"); !core.HasTextCode(err, core.ErrorUnknownSaga) {
		t.Fatalf("expected unknown saga, got %v", err)
	}
	if _, err := fx.store.ListParticipants(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for participants of a missing tanda, got %v", err)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:tandas-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = tandamigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != tandamigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, tandamigrations.WithValidationTargets(tandamigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
