package adapters_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-tandas/adapters/gocommand"
	"github.com/goliatone/go-tandas/adapters/gojob"
	"github.com/goliatone/go-tandas/adapters/gologger"
	tandascommand "github.com/goliatone/go-tandas/command"
	"github.com/goliatone/go-tandas/core"
	"github.com/goliatone/go-tandas/inbound"
	"github.com/goliatone/go-tandas/openpayments/fake"
	"github.com/shopspring/decimal"
)

type compatClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *compatClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *compatClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type compatFixture struct {
	svc   *core.Service
	clock *compatClock
	queue *memoryQueue
	tanda core.Tanda
}

func newCompatFixture(t *testing.T) *compatFixture {
	t.Helper()
	provider, logger, jobProvider, jobLogger := gologger.ResolveForJob("tandas", gologger.NewComponentProvider(nil), nil)
	if provider == nil || logger == nil || jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	clock := &compatClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	q := &memoryQueue{}
	svc, err := core.NewService(core.Config{},
		core.WithLoggerProvider(provider),
		core.WithPaymentProvider(fake.New(fake.WithClock(clock.Now))),
		core.WithJobEnqueuer(gojob.NewEnqueuerAdapter(q)),
		core.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	tanda, err := svc.CreateTanda(ctx, core.CreateTandaRequest{
		Name:              "compat",
		TotalAmount:       decimal.NewFromInt(300),
		MaxParticipants:   3,
		PoolWalletAddress: "https://wallet.test/pool",
		CreatedBy:         "ana",
	})
	if err != nil {
		t.Fatalf("create tanda: %v", err)
	}
	for _, user := range []string{"ana", "beto", "cruz"} {
		if _, err := svc.JoinTanda(ctx, core.JoinRequest{TandaID: tanda.ID, UserID: user, WalletAddress: "https://wallet.test/" + user}); err != nil {
			t.Fatalf("join %s: %v", user, err)
		}
	}
	return &compatFixture{svc: svc, clock: clock, queue: q, tanda: tanda}
}

func TestRuntimeCompatibility_SweeperExpiresThroughJobQueue(t *testing.T) {
	fx := newCompatFixture(t)
	ctx := context.Background()

	initiation, err := fx.svc.InitiateContribution(ctx, core.ContributionRequest{
		TandaID:         fx.tanda.ID,
		PayerID:         "beto",
		SenderWalletURL: "https://wallet.test/beto",
		Amount:          decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("initiate contribution: %v", err)
	}

	fx.clock.Advance(fx.svc.Config().Saga.TTL + time.Minute)
	result, err := fx.svc.ExpireSagas(ctx)
	if err != nil {
		t.Fatalf("expire sagas: %v", err)
	}
	if result.Enqueued != 1 || result.Expired != 0 {
		t.Fatalf("expected one enqueued expiry, got %+v", result)
	}
	if fx.queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", fx.queue.Len())
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	consumer := gojob.NewConsumer(
		gojob.NewDequeuerAdapter(fx.queue, gojob.RetryPolicy{MaxAttempts: 3}),
		func(ctx context.Context, delivery core.JobDelivery) error {
			defer cancel()
			return fx.svc.HandleExpiryJob(ctx, delivery)
		},
		glog.Nop(),
	)
	consumer.SetIdleDelay(10 * time.Millisecond)
	if err := consumer.Run(runCtx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected consumer to stop on cancel, got %v", err)
	}

	saga, err := fx.svc.GetSaga(ctx, initiation.Saga.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Stage != core.SagaStageFailed || saga.FailureReason != core.CancelReasonExpired {
		t.Fatalf("expected expired saga, got %s/%q", saga.Stage, saga.FailureReason)
	}
	if acked := fx.queue.Acked(); acked != 1 {
		t.Fatalf("expected the expiry job to be acknowledged, got %d acks", acked)
	}
}

func TestRuntimeCompatibility_CommandsAndCallbackShareTheService(t *testing.T) {
	fx := newCompatFixture(t)
	ctx := context.Background()

	queueRegistry := jobqueuecommand.NewRegistry()
	handlers := gocommand.NewHandlerRegistry(command.NewRegistry())
	if err := handlers.MirrorToJobQueue("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	subs, err := gocommand.RegisterTandaHandlers(handlers, fx.svc)
	if err != nil {
		t.Fatalf("register tanda handlers: %v", err)
	}
	defer subs.Unsubscribe()
	if err := handlers.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get(tandascommand.TypeExpireSagas); !ok {
		t.Fatalf("expected expire command to be mirrored into the job queue registry")
	}

	callback := inbound.NewCallbackHandler(fx.svc, inbound.WithCallbackClock(fx.clock.Now))
	for _, payer := range []string{"beto", "cruz"} {
		initiation, ok, err := gocommand.DispatchResult[tandascommand.InitiateContributionMessage, core.Initiation](ctx, tandascommand.InitiateContributionMessage{
			TandaID:         fx.tanda.ID,
			PayerID:         payer,
			SenderWalletURL: "https://wallet.test/" + payer,
			Amount:          decimal.NewFromInt(100),
		})
		if err != nil || !ok {
			t.Fatalf("dispatch contribution for %s: ok=%v err=%v", payer, ok, err)
		}
		parsed, err := url.Parse(initiation.InteractionURL)
		if err != nil {
			t.Fatalf("parse interaction url: %v", err)
		}
		rec := httptest.NewRecorder()
		callback.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/callback?"+parsed.RawQuery, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("callback for %s: %d %s", payer, rec.Code, rec.Body.String())
		}
	}

	outcome, ok, err := gocommand.DispatchResult[tandascommand.EvaluateRoundMessage, core.RoundOutcome](ctx, tandascommand.EvaluateRoundMessage{TandaID: fx.tanda.ID})
	if err != nil || !ok {
		t.Fatalf("dispatch evaluate: ok=%v err=%v", ok, err)
	}
	if outcome.Closed || outcome.Round != 2 {
		t.Fatalf("expected round 1 already closed by settlement and round 2 open, got %+v", outcome)
	}
	if outcome.Tanda.CurrentTurn != 2 {
		t.Fatalf("expected turn to advance to 2, got %d", outcome.Tanda.CurrentTurn)
	}
}

// memoryQueue is a FIFO go-job queue shared by the enqueuer and dequeuer
// sides.
type memoryQueue struct {
	mu      sync.Mutex
	pending []*job.ExecutionMessage
	acked   int
}

func (q *memoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *memoryQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return &memoryDelivery{queue: q, msg: msg}, nil
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *memoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

type memoryDelivery struct {
	queue *memoryQueue
	msg   *job.ExecutionMessage
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	d.queue.acked++
	d.queue.mu.Unlock()
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		return d.queue.Enqueue(ctx, d.msg)
	}
	return nil
}
