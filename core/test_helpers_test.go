package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func sequentialIDs(prefix string) IDGenerator {
	var next int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&next, 1))
	}
}

// scriptedProvider is a deterministic PaymentProvider. Wallets are keyed by
// locator; behaviour switches let tests fail individual protocol steps.
type scriptedProvider struct {
	mu       sync.Mutex
	clock    Clock
	quoteTTL time.Duration
	wallets  map[string]Wallet
	incoming map[string]Amount

	denyInteractRef string
	failOutgoing    bool

	grants       []GrantRequest
	outgoing     []OutgoingPaymentRequest
	outgoingHost []string
	next         int
}

func newScriptedProvider(clock Clock, locators ...string) *scriptedProvider {
	p := &scriptedProvider{
		clock:           clock,
		quoteTTL:        5 * time.Minute,
		wallets:         map[string]Wallet{},
		incoming:        map[string]Amount{},
		denyInteractRef: "denied",
	}
	for _, locator := range locators {
		p.addWallet(locator)
	}
	return p
}

func (p *scriptedProvider) addWallet(locator string) {
	name := locator[strings.LastIndex(locator, "/")+1:]
	p.wallets[locator] = Wallet{
		ID:             locator,
		PublicName:     name,
		AssetCode:      "USD",
		AssetScale:     2,
		AuthServer:     "https://auth.test/" + name,
		ResourceServer: "https://rs.test/" + name,
	}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ResolveWallet(_ context.Context, locator string) (Wallet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wallet, ok := p.wallets[locator]
	if !ok {
		return Wallet{}, ProtocolError(ErrorWalletUnreachable, "wallet "+locator+" is unreachable", nil)
	}
	return wallet, nil
}

func (p *scriptedProvider) RequestGrant(_ context.Context, authServer string, req GrantRequest) (Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants = append(p.grants, req)
	p.next++
	if req.Interactive() {
		return Grant{
			InteractRedirect: fmt.Sprintf("%s/interact/%d", authServer, p.next),
			InteractFinish:   "finish-nonce",
			ContinueURI:      fmt.Sprintf("%s/continue/%d", authServer, p.next),
			ContinueToken:    "continue-token",
		}, nil
	}
	return Grant{AccessToken: fmt.Sprintf("token-%s-%d", req.Access[0].Type, p.next)}, nil
}

func (p *scriptedProvider) ContinueGrant(_ context.Context, continueURI string, _ string, interactRef string) (Grant, error) {
	if interactRef == p.denyInteractRef {
		return Grant{}, ProtocolError(ErrorGrantDenied, "grant was rejected", nil)
	}
	return Grant{AccessToken: "outgoing-token", ManageURL: continueURI + "/manage"}, nil
}

func (p *scriptedProvider) CreateQuote(_ context.Context, _ string, _ string, req QuoteRequest) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.incoming[req.ReceiverPaymentID]
	if !ok {
		return Quote{}, ProtocolError(ErrorProtocolFailed, "unknown incoming payment", nil)
	}
	p.next++
	return Quote{
		ID:            fmt.Sprintf("quote-%d", p.next),
		WalletID:      req.WalletID,
		Receiver:      req.ReceiverPaymentID,
		DebitAmount:   amount,
		ReceiveAmount: amount,
		ExpiresAt:     p.clock().Add(p.quoteTTL),
	}, nil
}

func (p *scriptedProvider) CreateIncomingPayment(_ context.Context, _ string, _ string, req IncomingPaymentRequest) (IncomingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("incoming-%d", p.next)
	p.incoming[id] = req.IncomingAmount
	return IncomingPayment{ID: id, WalletID: req.WalletID, IncomingAmount: req.IncomingAmount}, nil
}

func (p *scriptedProvider) CreateOutgoingPayment(_ context.Context, resourceServer string, _ string, req OutgoingPaymentRequest) (OutgoingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = append(p.outgoing, req)
	p.outgoingHost = append(p.outgoingHost, resourceServer)
	if p.failOutgoing {
		return OutgoingPayment{ID: "outgoing-failed", Failed: true}, nil
	}
	return OutgoingPayment{ID: fmt.Sprintf("outgoing-%d", len(p.outgoing)), WalletID: req.WalletID, QuoteID: req.QuoteID}, nil
}

func (p *scriptedProvider) outgoingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoing)
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	messages []*JobExecutionMessage
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
	return nil
}

type recordingDelivery struct {
	msg    *JobExecutionMessage
	acked  bool
	nacked *JobNackOptions
}

func (d *recordingDelivery) Message() *JobExecutionMessage { return d.msg }

func (d *recordingDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *recordingDelivery) Nack(_ context.Context, opts JobNackOptions) error {
	d.nacked = &opts
	return nil
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type tandaFixture struct {
	svc      *Service
	store    *MemoryStore
	provider *scriptedProvider
	clock    *testClock
	tanda    Tanda
	wallets  map[string]string
}

const testPoolWallet = "https://wallet.test/pool"

// newTandaFixture builds a service over a memory store and an active
// four-member tanda of 400 (A=1, B=2, C=3, D=4).
func newTandaFixture(t *testing.T, runtime Config, opts ...Option) *tandaFixture {
	t.Helper()
	return newTandaFixtureWithStore(t, NewMemoryStore(), runtime, opts...)
}

func newTandaFixtureWithStore(t *testing.T, store *MemoryStore, runtime Config, opts ...Option) *tandaFixture {
	t.Helper()
	clock := newTestClock()
	wallets := map[string]string{
		"alice": "https://wallet.test/alice",
		"bob":   "https://wallet.test/bob",
		"carla": "https://wallet.test/carla",
		"diego": "https://wallet.test/diego",
	}
	provider := newScriptedProvider(clock.Now, testPoolWallet)
	for _, wallet := range wallets {
		provider.addWallet(wallet)
	}

	base := []Option{
		WithStore(store),
		WithPaymentProvider(provider),
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs("id")),
		WithNonceGenerator(sequentialIDs("nonce")),
		WithLogger(stubLogger{}),
	}
	svc, err := NewService(runtime, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	tanda, err := svc.CreateTanda(ctx, CreateTandaRequest{
		Name:              "family",
		TotalAmount:       decimal.NewFromInt(400),
		MaxParticipants:   4,
		PoolWalletAddress: testPoolWallet,
		CreatedBy:         "alice",
	})
	if err != nil {
		t.Fatalf("create tanda: %v", err)
	}
	for _, user := range []string{"alice", "bob", "carla", "diego"} {
		if _, err := svc.JoinTanda(ctx, JoinRequest{TandaID: tanda.ID, UserID: user, WalletAddress: wallets[user]}); err != nil {
			t.Fatalf("join %s: %v", user, err)
		}
	}
	tanda, err = store.GetTanda(ctx, tanda.ID)
	if err != nil {
		t.Fatalf("get tanda: %v", err)
	}
	return &tandaFixture{svc: svc, store: store, provider: provider, clock: clock, tanda: tanda, wallets: wallets}
}

func (f *tandaFixture) contribute(t *testing.T, user string) Initiation {
	t.Helper()
	initiation, err := f.svc.InitiateContribution(context.Background(), ContributionRequest{
		TandaID:         f.tanda.ID,
		PayerID:         user,
		SenderWalletURL: f.wallets[user],
		Amount:          decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("initiate contribution for %s: %v", user, err)
	}
	return initiation
}

func (f *tandaFixture) pay(t *testing.T, user string) Completion {
	t.Helper()
	initiation := f.contribute(t, user)
	completion, err := f.svc.CompletePayment(context.Background(), CompletePaymentRequest{
		SagaID:      initiation.Saga.ID,
		InteractRef: "ref-" + user,
	})
	if err != nil {
		t.Fatalf("complete payment for %s: %v", user, err)
	}
	return completion
}

// flakySagaStore fails the next createFailures CreateSaga calls and the next
// lockFailures WithTandaLock calls, then delegates to the memory store.
type flakySagaStore struct {
	*MemoryStore
	mu             sync.Mutex
	createFailures int
	lockFailures   int
}

func (s *flakySagaStore) CreateSaga(ctx context.Context, saga PaymentSaga) (PaymentSaga, error) {
	s.mu.Lock()
	fail := s.createFailures > 0
	if fail {
		s.createFailures--
	}
	s.mu.Unlock()
	if fail {
		return PaymentSaga{}, PersistenceError(fmt.Errorf("connection reset"), "create saga")
	}
	return s.MemoryStore.CreateSaga(ctx, saga)
}

func (s *flakySagaStore) WithTandaLock(ctx context.Context, tandaID string, fn LedgerTxFunc) error {
	s.mu.Lock()
	fail := s.lockFailures > 0
	if fail {
		s.lockFailures--
	}
	s.mu.Unlock()
	if fail {
		return PersistenceError(fmt.Errorf("connection reset"), "lock tanda")
	}
	return s.MemoryStore.WithTandaLock(ctx, tandaID, fn)
}

func (s *flakySagaStore) failNextLocks(n int) {
	s.mu.Lock()
	s.lockFailures = n
	s.mu.Unlock()
}

// finalizeDirect completes a payment through the store only, bypassing the
// protocol.
func finalizeDirect(t *testing.T, store *MemoryStore, payment Payment) {
	t.Helper()
	ctx := context.Background()
	saga, err := store.CreateSaga(ctx, PaymentSaga{
		ID:        "saga-" + payment.ID,
		PaymentID: payment.ID,
		TandaID:   payment.TandaID,
		Stage:     SagaStageInit,
	})
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}
	if _, err := store.CloseSaga(ctx, saga.ID, SagaOutcome{
		Stage:         SagaStageFinalized,
		PaymentStatus: PaymentStatusCompleted,
		ExternalRef:   "ext-" + payment.ID,
	}); err != nil {
		t.Fatalf("close saga: %v", err)
	}
}
