package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTandaStatusTransition   = errors.New("core: invalid tanda status transition")
	ErrInvalidPaymentStatusTransition = errors.New("core: invalid payment status transition")
	ErrInvalidSagaStageTransition     = errors.New("core: invalid saga stage transition")
)

type TandaStatus string

const (
	TandaStatusRecruiting TandaStatus = "recruiting"
	TandaStatusActive     TandaStatus = "active"
	TandaStatusCompleted  TandaStatus = "completed"
)

type Tanda struct {
	ID                   string
	Name                 string
	TotalAmount          decimal.Decimal
	MaxParticipants      int
	PerParticipantAmount decimal.Decimal
	CurrentTurn          int
	RoundAccumulated     decimal.Decimal
	Status               TandaStatus
	PoolWalletAddress    string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// RoundThreshold is the amount every non-receiving participant owes for one round.
func (t Tanda) RoundThreshold() decimal.Decimal {
	if t.MaxParticipants < 2 {
		return decimal.Zero
	}
	return t.PerParticipantAmount.Mul(decimal.NewFromInt(int64(t.MaxParticipants - 1)))
}

func (t *Tanda) TransitionTo(status TandaStatus, now time.Time) error {
	if t == nil {
		return nil
	}
	if t.Status == status {
		return nil
	}
	if !tandaTransitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTandaStatusTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = now
	if status == TandaStatusCompleted {
		completedAt := now
		t.CompletedAt = &completedAt
	}
	return nil
}

func tandaTransitionAllowed(from, to TandaStatus) bool {
	switch from {
	case TandaStatusRecruiting:
		return to == TandaStatusActive
	case TandaStatusActive:
		return to == TandaStatusCompleted
	default:
		return false
	}
}

type Participant struct {
	TandaID       string
	UserID        string
	TurnOrder     int
	HasReceived   bool
	WalletAddress string
	JoinedAt      time.Time
}

type PaymentType string

const (
	PaymentTypeContribution PaymentType = "contribution"
	PaymentTypePayout       PaymentType = "payout"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type Payment struct {
	ID            string
	TandaID       string
	UserID        string
	Amount        decimal.Decimal
	Type          PaymentType
	Status        PaymentStatus
	Round         int
	ExternalRef   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *Payment) TransitionTo(status PaymentStatus, reason string, now time.Time) error {
	if p == nil {
		return nil
	}
	if p.Status == status {
		return nil
	}
	if !paymentTransitionAllowed(p.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentStatusTransition, p.Status, status)
	}
	p.Status = status
	p.UpdatedAt = now
	if status == PaymentStatusFailed {
		p.FailureReason = strings.TrimSpace(reason)
	}
	return nil
}

func paymentTransitionAllowed(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusProcessing || to == PaymentStatusCompleted || to == PaymentStatusFailed
	case PaymentStatusProcessing:
		return to == PaymentStatusCompleted || to == PaymentStatusFailed
	default:
		return false
	}
}

type SagaStage string

const (
	SagaStageInit                SagaStage = "init"
	SagaStageWalletsResolved     SagaStage = "wallets_resolved"
	SagaStageIncomingCreated     SagaStage = "incoming_created"
	SagaStageQuoteCreated        SagaStage = "quote_created"
	SagaStageGrantRequested      SagaStage = "grant_requested"
	SagaStageAwaitingInteraction SagaStage = "awaiting_interaction"
	SagaStageGrantContinued      SagaStage = "grant_continued"
	SagaStageFinalized           SagaStage = "finalized"
	SagaStageFailed              SagaStage = "failed"
)

var sagaStageOrder = map[SagaStage]int{
	SagaStageInit:                0,
	SagaStageWalletsResolved:     1,
	SagaStageIncomingCreated:     2,
	SagaStageQuoteCreated:        3,
	SagaStageGrantRequested:      4,
	SagaStageAwaitingInteraction: 5,
	SagaStageGrantContinued:      6,
	SagaStageFinalized:           7,
}

func (s SagaStage) Valid() bool {
	if s == SagaStageFailed {
		return true
	}
	_, ok := sagaStageOrder[s]
	return ok
}

func (s SagaStage) Terminal() bool {
	return s == SagaStageFinalized || s == SagaStageFailed
}

// CanAdvanceTo reports whether next is a forward move. Failed is reachable
// from every non-terminal stage; every other move must be strictly later.
func (s SagaStage) CanAdvanceTo(next SagaStage) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == SagaStageFailed {
		return true
	}
	return sagaStageOrder[next] > sagaStageOrder[s]
}

type PaymentSaga struct {
	ID                   string
	PaymentID            string
	TandaID              string
	Stage                SagaStage
	ContinuationURI      string
	ContinuationToken    string
	QuoteID              string
	WalletResourceServer string
	WalletID             string
	ReceiverWalletID     string
	IncomingPaymentID    string
	DebitAmount          Amount
	InteractionURL       string
	InteractNonce        string
	InteractFinish       string
	GrantEndpoint        string
	ManageURL            string
	OutgoingPaymentID    string
	FailureReason        string
	ClaimedAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ExpiresAt            time.Time
}

func (s *PaymentSaga) TransitionTo(stage SagaStage, now time.Time) error {
	if s == nil {
		return nil
	}
	if !s.Stage.CanAdvanceTo(stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSagaStageTransition, s.Stage, stage)
	}
	s.Stage = stage
	s.UpdatedAt = now
	return nil
}

func (s PaymentSaga) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type TandaFilter struct {
	Status    TandaStatus
	CreatedBy string
	Limit     int
}

type PaymentFilter struct {
	TandaID string
	UserID  string
	Type    PaymentType
	Status  PaymentStatus
	Round   int
	Limit   int
}

type TandaStatusView struct {
	Tanda           Tanda
	Participants    []Participant
	CurrentReceiver *Participant
	RoundCollected  decimal.Decimal
	RoundThreshold  decimal.Decimal
	PaidThisRound   []string
}

// RoundOutcome describes the result of one round evaluation.
type RoundOutcome struct {
	Tanda     Tanda
	Round     int
	Collected decimal.Decimal
	Closed    bool
	Payout    *Payment
}

type ContributionRequest struct {
	TandaID         string
	PayerID         string
	SenderWalletURL string
	Amount          decimal.Decimal
}

type Initiation struct {
	Saga           PaymentSaga
	Payment        Payment
	InteractionURL string
}

type Completion struct {
	Saga     PaymentSaga
	Payment  Payment
	Round    *RoundOutcome
	Replayed bool
}
