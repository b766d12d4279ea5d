package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the ledger and sagas in process. Ledger transactions hold
// a per-tanda mutex and stage their writes until the callback returns nil, so
// a failed callback leaves no trace.
type MemoryStore struct {
	mu           sync.Mutex
	tandaLocks   map[string]*sync.Mutex
	tandas       map[string]Tanda
	participants map[string][]Participant
	payments     map[string]Payment
	sagas        map[string]PaymentSaga
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tandaLocks:   map[string]*sync.Mutex{},
		tandas:       map[string]Tanda{},
		participants: map[string][]Participant{},
		payments:     map[string]Payment{},
		sagas:        map[string]PaymentSaga{},
	}
}

func (s *MemoryStore) CreateTanda(_ context.Context, tanda Tanda) (Tanda, error) {
	if s == nil {
		return Tanda{}, fmt.Errorf("core: memory store is not configured")
	}
	id := strings.TrimSpace(tanda.ID)
	if id == "" {
		return Tanda{}, fmt.Errorf("core: tanda id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tandas[id]; exists {
		return Tanda{}, ConflictError(ErrorConcurrencyConflict, fmt.Sprintf("tanda %q already exists", id), nil)
	}
	s.tandas[id] = cloneTanda(tanda)
	return cloneTanda(tanda), nil
}

func (s *MemoryStore) GetTanda(_ context.Context, id string) (Tanda, error) {
	if s == nil {
		return Tanda{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tanda, ok := s.tandas[strings.TrimSpace(id)]
	if !ok {
		return Tanda{}, NotFoundError(ErrorTandaNotFound, "tanda", id)
	}
	return cloneTanda(tanda), nil
}

func (s *MemoryStore) ListTandas(_ context.Context, filter TandaFilter) ([]Tanda, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tanda, 0, len(s.tandas))
	for _, tanda := range s.tandas {
		if filter.Status != "" && tanda.Status != filter.Status {
			continue
		}
		if createdBy := strings.TrimSpace(filter.CreatedBy); createdBy != "" && tanda.CreatedBy != createdBy {
			continue
		}
		out = append(out, cloneTanda(tanda))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, tandaID string) ([]Participant, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tandaID = strings.TrimSpace(tandaID)
	if _, ok := s.tandas[tandaID]; !ok {
		return nil, NotFoundError(ErrorTandaNotFound, "tanda", tandaID)
	}
	return sortedParticipants(s.participants[tandaID]), nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (Payment, error) {
	if s == nil {
		return Payment{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[strings.TrimSpace(id)]
	if !ok {
		return Payment{}, NotFoundError(ErrorPaymentNotFound, "payment", id)
	}
	return payment, nil
}

func (s *MemoryStore) ListPayments(_ context.Context, filter PaymentFilter) ([]Payment, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payment, 0)
	for _, payment := range s.payments {
		if paymentMatches(payment, filter) {
			out = append(out, payment)
		}
	}
	sortPayments(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) WithTandaLock(ctx context.Context, tandaID string, fn LedgerTxFunc) error {
	if s == nil {
		return fmt.Errorf("core: memory store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("core: ledger transaction callback is required")
	}
	tandaID = strings.TrimSpace(tandaID)
	lock := s.lockFor(tandaID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tanda, err := s.GetTanda(ctx, tandaID)
	if err != nil {
		return err
	}
	participants, err := s.ListParticipants(ctx, tandaID)
	if err != nil {
		return err
	}
	tx := &memoryLedgerTx{
		store:        s,
		tandaID:      tandaID,
		participants: participants,
		received:     map[string]bool{},
		statuses:     map[string]paymentStatusChange{},
	}
	if err := fn(ctx, tx, tanda); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) lockFor(tandaID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tandaLocks[tandaID]
	if !ok {
		lock = &sync.Mutex{}
		s.tandaLocks[tandaID] = lock
	}
	return lock
}

func (s *MemoryStore) commit(tx *memoryLedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, payment := range tx.inserted {
		if _, exists := s.payments[payment.ID]; exists {
			return ConflictError(ErrorConcurrencyConflict, fmt.Sprintf("payment %q already exists", payment.ID), nil)
		}
		if payment.Type != PaymentTypePayout {
			continue
		}
		for _, existing := range s.payments {
			if existing.TandaID == payment.TandaID && existing.Type == PaymentTypePayout && existing.Round == payment.Round {
				return ConflictError(
					ErrorConcurrencyConflict,
					fmt.Sprintf("round %d of tanda %q already has a payout", payment.Round, payment.TandaID),
					map[string]any{"tanda_id": payment.TandaID, "round": payment.Round},
				)
			}
		}
	}

	for id := range tx.statuses {
		if _, ok := s.payments[id]; !ok {
			return NotFoundError(ErrorPaymentNotFound, "payment", id)
		}
	}

	for _, payment := range tx.inserted {
		s.payments[payment.ID] = payment
	}
	for id, change := range tx.statuses {
		payment := s.payments[id]
		payment.Status = change.status
		payment.UpdatedAt = change.at
		s.payments[id] = payment
	}
	participants := make([]Participant, 0, len(tx.participants))
	for _, participant := range tx.participants {
		if tx.received[participant.UserID] {
			participant.HasReceived = true
		}
		participants = append(participants, participant)
	}
	s.participants[tx.tandaID] = participants
	if tx.tanda != nil {
		s.tandas[tx.tandaID] = cloneTanda(*tx.tanda)
	}
	return nil
}

type memoryLedgerTx struct {
	store        *MemoryStore
	tandaID      string
	participants []Participant
	received     map[string]bool
	inserted     []Payment
	statuses     map[string]paymentStatusChange
	tanda        *Tanda
}

func (tx *memoryLedgerTx) Participants(context.Context) ([]Participant, error) {
	out := sortedParticipants(tx.participants)
	for i := range out {
		if tx.received[out[i].UserID] {
			out[i].HasReceived = true
		}
	}
	return out, nil
}

func (tx *memoryLedgerTx) AddParticipant(_ context.Context, participant Participant) error {
	for _, existing := range tx.participants {
		if existing.UserID == participant.UserID || existing.TurnOrder == participant.TurnOrder {
			return ConflictError(
				ErrorConcurrencyConflict,
				fmt.Sprintf("participant %q or turn %d already present", participant.UserID, participant.TurnOrder),
				nil,
			)
		}
	}
	participant.TandaID = tx.tandaID
	tx.participants = append(tx.participants, participant)
	return nil
}

func (tx *memoryLedgerTx) UpdateParticipantWallet(_ context.Context, userID string, walletAddress string) error {
	for i := range tx.participants {
		if tx.participants[i].UserID == userID {
			tx.participants[i].WalletAddress = walletAddress
			return nil
		}
	}
	return NotFoundError(ErrorNotParticipant, "participant", userID)
}

func (tx *memoryLedgerTx) MarkReceived(_ context.Context, userID string) error {
	if _, ok := findParticipant(tx.participants, userID); !ok {
		return NotFoundError(ErrorNotParticipant, "participant", userID)
	}
	tx.received[userID] = true
	return nil
}

func (tx *memoryLedgerTx) SaveTanda(_ context.Context, tanda Tanda) error {
	if tanda.ID != tx.tandaID {
		return fmt.Errorf("core: tanda %q is not locked by this transaction", tanda.ID)
	}
	copied := cloneTanda(tanda)
	tx.tanda = &copied
	return nil
}

func (tx *memoryLedgerTx) RoundPayments(ctx context.Context, round int) ([]Payment, error) {
	payments, err := tx.store.ListPayments(ctx, PaymentFilter{TandaID: tx.tandaID, Round: round})
	if err != nil {
		return nil, err
	}
	for _, payment := range tx.inserted {
		if payment.Round == round {
			payments = append(payments, payment)
		}
	}
	for i := range payments {
		if change, ok := tx.statuses[payments[i].ID]; ok {
			payments[i].Status = change.status
			payments[i].UpdatedAt = change.at
		}
	}
	sortPayments(payments)
	return payments, nil
}

func (tx *memoryLedgerTx) InsertPayment(_ context.Context, payment Payment) (Payment, error) {
	if strings.TrimSpace(payment.ID) == "" {
		return Payment{}, fmt.Errorf("core: payment id is required")
	}
	payment.TandaID = tx.tandaID
	tx.inserted = append(tx.inserted, payment)
	return payment, nil
}

type paymentStatusChange struct {
	status PaymentStatus
	at     time.Time
}

func (tx *memoryLedgerTx) SetPaymentStatus(_ context.Context, paymentID string, status PaymentStatus, at time.Time) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return fmt.Errorf("core: payment id is required")
	}
	for i := range tx.inserted {
		if tx.inserted[i].ID == paymentID {
			tx.inserted[i].Status = status
			tx.inserted[i].UpdatedAt = at
			return nil
		}
	}
	tx.statuses[paymentID] = paymentStatusChange{status: status, at: at}
	return nil
}

func (s *MemoryStore) CreateSaga(_ context.Context, saga PaymentSaga) (PaymentSaga, error) {
	if s == nil {
		return PaymentSaga{}, fmt.Errorf("core: memory store is not configured")
	}
	if strings.TrimSpace(saga.ID) == "" {
		return PaymentSaga{}, fmt.Errorf("core: saga id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[saga.PaymentID]; !ok {
		return PaymentSaga{}, NotFoundError(ErrorPaymentNotFound, "payment", saga.PaymentID)
	}
	if _, exists := s.sagas[saga.ID]; exists {
		return PaymentSaga{}, ConflictError(ErrorConcurrencyConflict, fmt.Sprintf("saga %q already exists", saga.ID), nil)
	}
	for _, existing := range s.sagas {
		if existing.PaymentID == saga.PaymentID && existing.Stage != SagaStageFailed {
			return PaymentSaga{}, SagaInProgressError(existing)
		}
	}
	s.sagas[saga.ID] = cloneSaga(saga)
	return cloneSaga(saga), nil
}

func (s *MemoryStore) GetSaga(_ context.Context, id string) (PaymentSaga, error) {
	if s == nil {
		return PaymentSaga{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[strings.TrimSpace(id)]
	if !ok {
		return PaymentSaga{}, NotFoundError(ErrorUnknownSaga, "saga", id)
	}
	return cloneSaga(saga), nil
}

func (s *MemoryStore) ListSagasByPayment(_ context.Context, paymentID string) ([]PaymentSaga, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaymentSaga, 0)
	for _, saga := range s.sagas {
		if saga.PaymentID == paymentID {
			out = append(out, cloneSaga(saga))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AdvanceSaga(_ context.Context, saga PaymentSaga, from SagaStage) (PaymentSaga, error) {
	if s == nil {
		return PaymentSaga{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sagas[saga.ID]
	if !ok {
		return PaymentSaga{}, NotFoundError(ErrorUnknownSaga, "saga", saga.ID)
	}
	if stored.Stage.Terminal() {
		return cloneSaga(stored), AlreadyTerminalError(stored)
	}
	if stored.Stage != from {
		return cloneSaga(stored), SagaInProgressError(stored)
	}
	s.sagas[saga.ID] = cloneSaga(saga)
	return cloneSaga(saga), nil
}

func (s *MemoryStore) ClaimSaga(_ context.Context, id string, claimedAt time.Time) (SagaClaim, error) {
	if s == nil {
		return SagaClaim{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[strings.TrimSpace(id)]
	if !ok {
		return SagaClaim{}, NotFoundError(ErrorUnknownSaga, "saga", id)
	}
	payment := s.payments[saga.PaymentID]
	if saga.Stage.Terminal() {
		return SagaClaim{Saga: cloneSaga(saga), Payment: payment, Terminal: true}, nil
	}
	if saga.Stage != SagaStageAwaitingInteraction || saga.ClaimedAt != nil {
		return SagaClaim{}, SagaInProgressError(saga)
	}

	claimed := claimedAt
	saga.ClaimedAt = &claimed
	saga.UpdatedAt = claimedAt
	if payment.Status == PaymentStatusPending {
		if err := payment.TransitionTo(PaymentStatusProcessing, "", claimedAt); err != nil {
			return SagaClaim{}, err
		}
		s.payments[payment.ID] = payment
	}
	s.sagas[saga.ID] = saga
	return SagaClaim{Saga: cloneSaga(saga), Payment: payment}, nil
}

func (s *MemoryStore) CloseSaga(_ context.Context, id string, outcome SagaOutcome) (SagaCloseResult, error) {
	if s == nil {
		return SagaCloseResult{}, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[strings.TrimSpace(id)]
	if !ok {
		return SagaCloseResult{}, NotFoundError(ErrorUnknownSaga, "saga", id)
	}
	payment := s.payments[saga.PaymentID]
	if saga.Stage.Terminal() {
		return SagaCloseResult{Saga: cloneSaga(saga), Payment: payment, AlreadyClosed: true}, nil
	}
	if outcome.RequireUnclaimed && saga.ClaimedAt != nil {
		return SagaCloseResult{}, SagaInProgressError(saga)
	}

	if err := ApplySagaOutcome(&saga, &payment, outcome); err != nil {
		return SagaCloseResult{}, err
	}
	s.sagas[saga.ID] = saga
	if payment.ID != "" {
		s.payments[payment.ID] = payment
	}
	return SagaCloseResult{Saga: cloneSaga(saga), Payment: payment}, nil
}

func (s *MemoryStore) ListExpiredSagas(_ context.Context, now time.Time, staleClaimBefore time.Time, limit int) ([]PaymentSaga, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaymentSaga, 0)
	for _, saga := range s.sagas {
		if ExpirableSaga(saga, now, staleClaimBefore) {
			out = append(out, cloneSaga(saga))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpirableSaga reports whether the sweep may fail saga: it is live, past its
// expiry and either unclaimed or holding a claim older than staleClaimBefore.
func ExpirableSaga(saga PaymentSaga, now time.Time, staleClaimBefore time.Time) bool {
	if saga.Stage.Terminal() || !saga.Expired(now) {
		return false
	}
	return saga.ClaimedAt == nil || saga.ClaimedAt.Before(staleClaimBefore)
}

// ApplySagaOutcome moves saga and its payment to their terminal state.
// Stores call it while holding the saga row.
func ApplySagaOutcome(saga *PaymentSaga, payment *Payment, outcome SagaOutcome) error {
	closedAt := outcome.ClosedAt
	if closedAt.IsZero() {
		closedAt = SystemClock()
	}
	if !outcome.Stage.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidSagaStageTransition, outcome.Stage)
	}
	if err := saga.TransitionTo(outcome.Stage, closedAt); err != nil {
		return err
	}
	if reason := strings.TrimSpace(outcome.FailureReason); reason != "" {
		saga.FailureReason = reason
	}
	if outcome.OutgoingPaymentID != "" {
		saga.OutgoingPaymentID = outcome.OutgoingPaymentID
	}
	if outcome.ManageURL != "" {
		saga.ManageURL = outcome.ManageURL
	}
	if outcome.PaymentStatus == "" || payment == nil || payment.ID == "" {
		return nil
	}
	if err := payment.TransitionTo(outcome.PaymentStatus, saga.FailureReason, closedAt); err != nil {
		return err
	}
	if outcome.ExternalRef != "" {
		payment.ExternalRef = outcome.ExternalRef
	}
	return nil
}

func paymentMatches(payment Payment, filter PaymentFilter) bool {
	if filter.TandaID != "" && payment.TandaID != filter.TandaID {
		return false
	}
	if filter.UserID != "" && payment.UserID != filter.UserID {
		return false
	}
	if filter.Type != "" && payment.Type != filter.Type {
		return false
	}
	if filter.Status != "" && payment.Status != filter.Status {
		return false
	}
	if filter.Round > 0 && payment.Round != filter.Round {
		return false
	}
	return true
}

func sortPayments(payments []Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
}

func sortedParticipants(participants []Participant) []Participant {
	out := append([]Participant(nil), participants...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].TurnOrder < out[j].TurnOrder
	})
	return out
}

func cloneTanda(tanda Tanda) Tanda {
	if tanda.CompletedAt != nil {
		completedAt := *tanda.CompletedAt
		tanda.CompletedAt = &completedAt
	}
	return tanda
}

func cloneSaga(saga PaymentSaga) PaymentSaga {
	if saga.ClaimedAt != nil {
		claimedAt := *saga.ClaimedAt
		saga.ClaimedAt = &claimedAt
	}
	return saga
}
