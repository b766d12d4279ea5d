package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// LedgerTxFunc runs while the tanda row is exclusively locked. The tanda
// argument is the locked snapshot.
type LedgerTxFunc func(ctx context.Context, tx LedgerTx, tanda Tanda) error

type LedgerTx interface {
	Participants(ctx context.Context) ([]Participant, error)
	AddParticipant(ctx context.Context, participant Participant) error
	UpdateParticipantWallet(ctx context.Context, userID string, walletAddress string) error
	MarkReceived(ctx context.Context, userID string) error
	SaveTanda(ctx context.Context, tanda Tanda) error
	RoundPayments(ctx context.Context, round int) ([]Payment, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	SetPaymentStatus(ctx context.Context, paymentID string, status PaymentStatus, at time.Time) error
}

type LedgerStore interface {
	CreateTanda(ctx context.Context, tanda Tanda) (Tanda, error)
	GetTanda(ctx context.Context, id string) (Tanda, error)
	ListTandas(ctx context.Context, filter TandaFilter) ([]Tanda, error)
	ListParticipants(ctx context.Context, tandaID string) ([]Participant, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	WithTandaLock(ctx context.Context, tandaID string, fn LedgerTxFunc) error
}

// SagaClaim is the result of locking a saga for completion. Terminal is set
// when the saga had already finished and nothing was claimed.
type SagaClaim struct {
	Saga     PaymentSaga
	Payment  Payment
	Terminal bool
}

type SagaOutcome struct {
	Stage             SagaStage
	FailureReason     string
	OutgoingPaymentID string
	ManageURL         string
	// PaymentStatus is applied to the linked payment; empty leaves it untouched.
	PaymentStatus    PaymentStatus
	ExternalRef      string
	RequireUnclaimed bool
	ClosedAt         time.Time
}

// SagaCloseResult mirrors SagaClaim for terminal transitions.
type SagaCloseResult struct {
	Saga          PaymentSaga
	Payment       Payment
	AlreadyClosed bool
}

type SagaStore interface {
	CreateSaga(ctx context.Context, saga PaymentSaga) (PaymentSaga, error)
	GetSaga(ctx context.Context, id string) (PaymentSaga, error)
	ListSagasByPayment(ctx context.Context, paymentID string) ([]PaymentSaga, error)
	// AdvanceSaga persists saga only if the stored stage still equals from.
	AdvanceSaga(ctx context.Context, saga PaymentSaga, from SagaStage) (PaymentSaga, error)
	ClaimSaga(ctx context.Context, id string, claimedAt time.Time) (SagaClaim, error)
	CloseSaga(ctx context.Context, id string, outcome SagaOutcome) (SagaCloseResult, error)
	ListExpiredSagas(ctx context.Context, now time.Time, staleClaimBefore time.Time, limit int) ([]PaymentSaga, error)
}

// Store is satisfied by backends that persist both the ledger and sagas in
// one database.
type Store interface {
	LedgerStore
	SagaStore
}

// SettlementHandler receives payments whose saga finalized.
type SettlementHandler interface {
	PaymentFinalized(ctx context.Context, payment Payment) (*RoundOutcome, error)
}

type PayoutInitiator interface {
	InitiatePayout(ctx context.Context, payout Payment) (Initiation, error)
}

type Clock func() time.Time

type IDGenerator func() string

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

// TandaService is the command and query surface consumed by adapters.
type TandaService interface {
	CreateTanda(ctx context.Context, req CreateTandaRequest) (Tanda, error)
	JoinTanda(ctx context.Context, req JoinRequest) (Participant, error)
	UpdateParticipantWallet(ctx context.Context, req UpdateWalletRequest) (Participant, error)
	InitiateContribution(ctx context.Context, req ContributionRequest) (Initiation, error)
	InitiatePayout(ctx context.Context, paymentID string) (Initiation, error)
	CompletePayment(ctx context.Context, req CompletePaymentRequest) (Completion, error)
	CancelPayment(ctx context.Context, sagaID string, reason string) (PaymentSaga, error)
	ExpireSagas(ctx context.Context) (SweepResult, error)
	EvaluateRound(ctx context.Context, tandaID string) (RoundOutcome, error)
	GetTandaStatus(ctx context.Context, tandaID string) (TandaStatusView, error)
	ListTandas(ctx context.Context, filter TandaFilter) ([]Tanda, error)
	ResolveWallet(ctx context.Context, locator string) (Wallet, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	PendingContributors(ctx context.Context, tandaID string) ([]Participant, error)
	GetSaga(ctx context.Context, sagaID string) (PaymentSaga, error)
}
