package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateTandaRequest struct {
	Name              string
	TotalAmount       decimal.Decimal
	MaxParticipants   int
	PoolWalletAddress string
	CreatedBy         string
}

type JoinRequest struct {
	TandaID       string
	UserID        string
	WalletAddress string
	// RequestedTurn is optional; zero assigns the lowest free turn.
	RequestedTurn int
}

type UpdateWalletRequest struct {
	TandaID       string
	UserID        string
	WalletAddress string
}

// RotationLedger owns tanda, participant and payment state. Every mutation
// runs under the store's per-tanda lock.
type RotationLedger struct {
	store           LedgerStore
	clock           Clock
	newID           IDGenerator
	minParticipants int
	maxParticipants int
	amountScale     int32

	// sagasFor and orphanAfter let RecordContribution fail a pending
	// contribution whose saga was never created.
	sagasFor    func(ctx context.Context, paymentID string) ([]PaymentSaga, error)
	orphanAfter time.Duration
}

func NewRotationLedger(store LedgerStore, cfg LedgerConfig, clock Clock, ids IDGenerator) *RotationLedger {
	defaults := DefaultConfig().Ledger
	if cfg.MinParticipants <= 0 {
		cfg.MinParticipants = defaults.MinParticipants
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = defaults.MaxParticipants
	}
	if clock == nil {
		clock = SystemClock
	}
	if ids == nil {
		ids = uuid.NewString
	}
	return &RotationLedger{
		store:           store,
		clock:           clock,
		newID:           ids,
		minParticipants: cfg.MinParticipants,
		maxParticipants: cfg.MaxParticipants,
		amountScale:     int32(cfg.AmountScale),
	}
}

// SetSagaLookup enables recovery of pending contributions left without a
// saga for longer than after.
func (l *RotationLedger) SetSagaLookup(lookup func(ctx context.Context, paymentID string) ([]PaymentSaga, error), after time.Duration) {
	if l == nil {
		return
	}
	l.sagasFor = lookup
	l.orphanAfter = after
}

func (l *RotationLedger) CreateTanda(ctx context.Context, req CreateTandaRequest) (Tanda, error) {
	if l == nil || l.store == nil {
		return Tanda{}, fmt.Errorf("core: ledger store is not configured")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Tanda{}, ValidationError(ErrorValidation, "name", "name is required")
	}
	if req.MaxParticipants < l.minParticipants || req.MaxParticipants > l.maxParticipants {
		return Tanda{}, ValidationError(
			ErrorValidation,
			"max_participants",
			fmt.Sprintf("max_participants must be between %d and %d", l.minParticipants, l.maxParticipants),
		)
	}
	if !req.TotalAmount.IsPositive() {
		return Tanda{}, ValidationError(ErrorValidation, "total_amount", "total_amount must be positive")
	}
	if !req.TotalAmount.Equal(req.TotalAmount.Round(l.amountScale)) {
		return Tanda{}, ValidationError(
			ErrorValidation,
			"total_amount",
			fmt.Sprintf("total_amount supports at most %d decimal places", l.amountScale),
		)
	}
	members := decimal.NewFromInt(int64(req.MaxParticipants))
	perParticipant := req.TotalAmount.DivRound(members, l.amountScale)
	if !perParticipant.Mul(members).Equal(req.TotalAmount) {
		return Tanda{}, ValidationError(
			ErrorValidation,
			"total_amount",
			"total_amount must split evenly between participants",
		)
	}
	pool := NormalizeWalletLocator(req.PoolWalletAddress)
	if pool == "" {
		return Tanda{}, ValidationError(ErrorValidation, "pool_wallet_address", "pool_wallet_address is required")
	}

	now := l.clock()
	return l.store.CreateTanda(ctx, Tanda{
		ID:                   l.newID(),
		Name:                 name,
		TotalAmount:          req.TotalAmount,
		MaxParticipants:      req.MaxParticipants,
		PerParticipantAmount: perParticipant,
		CurrentTurn:          1,
		RoundAccumulated:     decimal.Zero,
		Status:               TandaStatusRecruiting,
		PoolWalletAddress:    pool,
		CreatedBy:            strings.TrimSpace(req.CreatedBy),
		CreatedAt:            now,
		UpdatedAt:            now,
	})
}

// Join adds a participant. The tanda becomes active once every turn is taken.
func (l *RotationLedger) Join(ctx context.Context, req JoinRequest) (Participant, error) {
	if l == nil || l.store == nil {
		return Participant{}, fmt.Errorf("core: ledger store is not configured")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Participant{}, ValidationError(ErrorValidation, "user_id", "user_id is required")
	}
	wallet := NormalizeWalletLocator(req.WalletAddress)
	if wallet == "" {
		return Participant{}, ValidationError(ErrorValidation, "wallet_address", "wallet_address is required")
	}
	if req.RequestedTurn < 0 {
		return Participant{}, ValidationError(ErrorInvalidTurn, "requested_turn", "requested_turn must be positive")
	}

	var joined Participant
	err := l.store.WithTandaLock(ctx, req.TandaID, func(ctx context.Context, tx LedgerTx, tanda Tanda) error {
		participants, err := tx.Participants(ctx)
		if err != nil {
			return err
		}
		taken := make(map[int]bool, len(participants))
		for _, participant := range participants {
			if participant.UserID == userID {
				return ValidationError(ErrorAlreadyParticipant, "user_id", "user already joined this tanda")
			}
			taken[participant.TurnOrder] = true
		}
		if len(participants) >= tanda.MaxParticipants {
			return ValidationError(ErrorTandaFull, "tanda_id", "tanda is full")
		}
		if tanda.Status != TandaStatusRecruiting {
			return ValidationError(ErrorTandaNotRecruiting, "tanda_id", "tanda is not recruiting")
		}

		turn := req.RequestedTurn
		if turn > 0 {
			if turn > tanda.MaxParticipants {
				return ValidationError(
					ErrorInvalidTurn,
					"requested_turn",
					fmt.Sprintf("requested_turn must be between 1 and %d", tanda.MaxParticipants),
				)
			}
			if taken[turn] {
				return ValidationError(ErrorTurnTaken, "requested_turn", fmt.Sprintf("turn %d is already taken", turn))
			}
		} else {
			turn = lowestFreeTurn(taken, tanda.MaxParticipants)
		}

		now := l.clock()
		joined = Participant{
			TandaID:       tanda.ID,
			UserID:        userID,
			TurnOrder:     turn,
			WalletAddress: wallet,
			JoinedAt:      now,
		}
		if err := tx.AddParticipant(ctx, joined); err != nil {
			return err
		}
		if len(participants)+1 == tanda.MaxParticipants {
			if err := tanda.TransitionTo(TandaStatusActive, now); err != nil {
				return err
			}
			tanda.CurrentTurn = 1
			return tx.SaveTanda(ctx, tanda)
		}
		return nil
	})
	if err != nil {
		return Participant{}, err
	}
	return joined, nil
}

// UpdateParticipantWallet changes the wallet a participant is paid out to.
// Sagas already started keep the wallets they resolved.
func (l *RotationLedger) UpdateParticipantWallet(ctx context.Context, req UpdateWalletRequest) (Participant, error) {
	if l == nil || l.store == nil {
		return Participant{}, fmt.Errorf("core: ledger store is not configured")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Participant{}, ValidationError(ErrorValidation, "user_id", "user_id is required")
	}
	wallet := NormalizeWalletLocator(req.WalletAddress)
	if wallet == "" {
		return Participant{}, ValidationError(ErrorValidation, "wallet_address", "wallet_address is required")
	}

	var updated Participant
	err := l.store.WithTandaLock(ctx, req.TandaID, func(ctx context.Context, tx LedgerTx, tanda Tanda) error {
		if tanda.Status == TandaStatusCompleted {
			return ValidationError(ErrorTandaNotActive, "tanda_id", "tanda is completed")
		}
		participants, err := tx.Participants(ctx)
		if err != nil {
			return err
		}
		participant, ok := findParticipant(participants, userID)
		if !ok {
			return ValidationError(ErrorNotParticipant, "user_id", "user is not a participant of this tanda")
		}
		if err := tx.UpdateParticipantWallet(ctx, userID, wallet); err != nil {
			return err
		}
		participant.WalletAddress = wallet
		updated = participant
		return nil
	})
	if err != nil {
		return Participant{}, err
	}
	return updated, nil
}

func lowestFreeTurn(taken map[int]bool, max int) int {
	for turn := 1; turn <= max; turn++ {
		if !taken[turn] {
			return turn
		}
	}
	return 0
}

// RecordContribution inserts a pending contribution for the current round.
// Nothing else in the ledger changes until the payment is finalized.
func (l *RotationLedger) RecordContribution(ctx context.Context, tandaID string, userID string, amount decimal.Decimal) (Payment, Tanda, error) {
	if l == nil || l.store == nil {
		return Payment{}, Tanda{}, fmt.Errorf("core: ledger store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Payment{}, Tanda{}, ValidationError(ErrorValidation, "user_id", "user_id is required")
	}
	if !amount.IsPositive() {
		return Payment{}, Tanda{}, ValidationError(ErrorValidation, "amount", "amount must be positive")
	}

	orphans, err := l.orphanedContributions(ctx, tandaID, userID)
	if err != nil {
		return Payment{}, Tanda{}, err
	}

	var (
		recorded Payment
		locked   Tanda
	)
	err = l.store.WithTandaLock(ctx, tandaID, func(ctx context.Context, tx LedgerTx, tanda Tanda) error {
		if tanda.Status != TandaStatusActive {
			return ValidationError(ErrorTandaNotActive, "tanda_id", "tanda is not accepting contributions")
		}
		participants, err := tx.Participants(ctx)
		if err != nil {
			return err
		}
		payer, ok := findParticipant(participants, userID)
		if !ok {
			return ValidationError(ErrorNotParticipant, "user_id", "user is not a participant of this tanda")
		}
		if payer.TurnOrder == tanda.CurrentTurn {
			return ValidationError(ErrorInvalidTurn, "user_id", "the current receiver cannot contribute to their own round")
		}
		if !amount.Equal(tanda.PerParticipantAmount) {
			return ValidationError(
				ErrorValidation,
				"amount",
				fmt.Sprintf("amount must equal the per-participant amount %s", tanda.PerParticipantAmount.String()),
			)
		}

		roundPayments, err := tx.RoundPayments(ctx, tanda.CurrentTurn)
		if err != nil {
			return err
		}
		for _, payment := range roundPayments {
			if payment.Type == PaymentTypeContribution && payment.UserID == userID && payment.Status != PaymentStatusFailed {
				if payment.Status == PaymentStatusPending && orphans[payment.ID] {
					if err := tx.SetPaymentStatus(ctx, payment.ID, PaymentStatusFailed, l.clock()); err != nil {
						return err
					}
					continue
				}
				return ValidationError(
					ErrorDuplicateContribution,
					"user_id",
					fmt.Sprintf("user already has a %s contribution for round %d", payment.Status, tanda.CurrentTurn),
				)
			}
		}

		now := l.clock()
		recorded, err = tx.InsertPayment(ctx, Payment{
			ID:        l.newID(),
			TandaID:   tanda.ID,
			UserID:    userID,
			Amount:    amount,
			Type:      PaymentTypeContribution,
			Status:    PaymentStatusPending,
			Round:     tanda.CurrentTurn,
			CreatedAt: now,
			UpdatedAt: now,
		})
		locked = tanda
		return err
	})
	if err != nil {
		return Payment{}, Tanda{}, err
	}
	return recorded, locked, nil
}

// orphanedContributions lists the user's pending contributions that never got
// a saga and are old enough that no Initiate call can still be creating one.
// It reads outside the tanda lock; callers recheck the status under it.
func (l *RotationLedger) orphanedContributions(ctx context.Context, tandaID string, userID string) (map[string]bool, error) {
	if l.sagasFor == nil {
		return nil, nil
	}
	pending, err := l.store.ListPayments(ctx, PaymentFilter{
		TandaID: tandaID,
		UserID:  userID,
		Type:    PaymentTypeContribution,
		Status:  PaymentStatusPending,
	})
	if err != nil {
		return nil, err
	}
	now := l.clock()
	orphans := map[string]bool{}
	for _, payment := range pending {
		if now.Sub(payment.CreatedAt) < l.orphanAfter {
			continue
		}
		sagas, err := l.sagasFor(ctx, payment.ID)
		if err != nil {
			return nil, err
		}
		if len(sagas) == 0 {
			orphans[payment.ID] = true
		}
	}
	return orphans, nil
}

// AbandonContribution fails a contribution that is still pending. It is the
// compensation for an Initiate that could not open the payment's saga.
func (l *RotationLedger) AbandonContribution(ctx context.Context, payment Payment) (Payment, error) {
	if l == nil || l.store == nil {
		return Payment{}, fmt.Errorf("core: ledger store is not configured")
	}
	if payment.Type != PaymentTypeContribution {
		return payment, nil
	}
	abandoned := payment
	err := l.store.WithTandaLock(ctx, payment.TandaID, func(ctx context.Context, tx LedgerTx, _ Tanda) error {
		roundPayments, err := tx.RoundPayments(ctx, payment.Round)
		if err != nil {
			return err
		}
		for _, current := range roundPayments {
			if current.ID != payment.ID {
				continue
			}
			abandoned = current
			if current.Status != PaymentStatusPending {
				return nil
			}
			now := l.clock()
			if err := tx.SetPaymentStatus(ctx, current.ID, PaymentStatusFailed, now); err != nil {
				return err
			}
			abandoned.Status = PaymentStatusFailed
			abandoned.UpdatedAt = now
			return nil
		}
		return NotFoundError(ErrorPaymentNotFound, "payment", payment.ID)
	})
	if err != nil {
		return payment, err
	}
	return abandoned, nil
}

func (l *RotationLedger) ListTandas(ctx context.Context, filter TandaFilter) ([]Tanda, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("core: ledger store is not configured")
	}
	if filter.Limit < 0 {
		return nil, ValidationError(ErrorValidation, "limit", "limit must not be negative")
	}
	return l.store.ListTandas(ctx, filter)
}

// EvaluateRoundCompletion closes the current round when enough completed
// contributions exist. Concurrent callers serialize on the tanda lock, so only
// the first one to see the threshold creates the payout.
func (l *RotationLedger) EvaluateRoundCompletion(ctx context.Context, tandaID string) (RoundOutcome, error) {
	if l == nil || l.store == nil {
		return RoundOutcome{}, fmt.Errorf("core: ledger store is not configured")
	}

	var outcome RoundOutcome
	err := l.store.WithTandaLock(ctx, tandaID, func(ctx context.Context, tx LedgerTx, tanda Tanda) error {
		outcome = RoundOutcome{Tanda: tanda, Round: tanda.CurrentTurn, Collected: decimal.Zero}
		if tanda.Status != TandaStatusActive {
			return nil
		}

		round := tanda.CurrentTurn
		payments, err := tx.RoundPayments(ctx, round)
		if err != nil {
			return err
		}
		collected := decimal.Zero
		for _, payment := range payments {
			if payment.Type == PaymentTypePayout {
				// already closed; nothing left to evaluate for this round
				return nil
			}
			if payment.Status == PaymentStatusCompleted {
				collected = collected.Add(payment.Amount)
			}
		}
		outcome.Collected = collected

		now := l.clock()
		if collected.LessThan(tanda.RoundThreshold()) {
			if !tanda.RoundAccumulated.Equal(collected) {
				tanda.RoundAccumulated = collected
				tanda.UpdatedAt = now
				if err := tx.SaveTanda(ctx, tanda); err != nil {
					return err
				}
			}
			outcome.Tanda = tanda
			return nil
		}

		participants, err := tx.Participants(ctx)
		if err != nil {
			return err
		}
		receiver, ok := participantForTurn(participants, round)
		if !ok {
			return fmt.Errorf("core: no participant holds turn %d in tanda %s", round, tanda.ID)
		}

		payout, err := tx.InsertPayment(ctx, Payment{
			ID:        l.newID(),
			TandaID:   tanda.ID,
			UserID:    receiver.UserID,
			Amount:    collected,
			Type:      PaymentTypePayout,
			Status:    PaymentStatusCompleted,
			Round:     round,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if err := tx.MarkReceived(ctx, receiver.UserID); err != nil {
			return err
		}

		received := 1
		for _, participant := range participants {
			if participant.HasReceived && participant.UserID != receiver.UserID {
				received++
			}
		}
		tanda.RoundAccumulated = decimal.Zero
		tanda.UpdatedAt = now
		if received >= tanda.MaxParticipants || round >= tanda.MaxParticipants {
			if err := tanda.TransitionTo(TandaStatusCompleted, now); err != nil {
				return err
			}
		} else {
			tanda.CurrentTurn = round + 1
		}
		if err := tx.SaveTanda(ctx, tanda); err != nil {
			return err
		}

		outcome.Tanda = tanda
		outcome.Closed = true
		outcome.Payout = &payout
		return nil
	})
	if err != nil {
		return RoundOutcome{}, err
	}
	return outcome, nil
}

func (l *RotationLedger) GetTanda(ctx context.Context, tandaID string) (Tanda, error) {
	if l == nil || l.store == nil {
		return Tanda{}, fmt.Errorf("core: ledger store is not configured")
	}
	return l.store.GetTanda(ctx, tandaID)
}

func (l *RotationLedger) Participant(ctx context.Context, tandaID string, userID string) (Participant, error) {
	participants, err := l.store.ListParticipants(ctx, tandaID)
	if err != nil {
		return Participant{}, err
	}
	participant, ok := findParticipant(participants, userID)
	if !ok {
		return Participant{}, ValidationError(ErrorNotParticipant, "user_id", "user is not a participant of this tanda")
	}
	return participant, nil
}

func (l *RotationLedger) Status(ctx context.Context, tandaID string) (TandaStatusView, error) {
	if l == nil || l.store == nil {
		return TandaStatusView{}, fmt.Errorf("core: ledger store is not configured")
	}
	tanda, err := l.store.GetTanda(ctx, tandaID)
	if err != nil {
		return TandaStatusView{}, err
	}
	participants, err := l.store.ListParticipants(ctx, tandaID)
	if err != nil {
		return TandaStatusView{}, err
	}
	payments, err := l.store.ListPayments(ctx, PaymentFilter{
		TandaID: tandaID,
		Type:    PaymentTypeContribution,
		Round:   tanda.CurrentTurn,
	})
	if err != nil {
		return TandaStatusView{}, err
	}

	view := TandaStatusView{
		Tanda:          tanda,
		Participants:   participants,
		RoundCollected: decimal.Zero,
		RoundThreshold: tanda.RoundThreshold(),
		PaidThisRound:  []string{},
	}
	if tanda.Status == TandaStatusActive {
		if receiver, ok := participantForTurn(participants, tanda.CurrentTurn); ok {
			view.CurrentReceiver = &receiver
		}
	}
	for _, payment := range payments {
		if payment.Status != PaymentStatusCompleted {
			continue
		}
		view.RoundCollected = view.RoundCollected.Add(payment.Amount)
		view.PaidThisRound = append(view.PaidThisRound, payment.UserID)
	}
	sort.Strings(view.PaidThisRound)
	return view, nil
}

// PendingContributors lists participants that still owe a contribution for
// the current round, excluding the receiver.
func (l *RotationLedger) PendingContributors(ctx context.Context, tandaID string) ([]Participant, error) {
	view, err := l.Status(ctx, tandaID)
	if err != nil {
		return nil, err
	}
	if view.Tanda.Status != TandaStatusActive {
		return []Participant{}, nil
	}
	paid := make(map[string]bool, len(view.PaidThisRound))
	for _, userID := range view.PaidThisRound {
		paid[userID] = true
	}
	pending := make([]Participant, 0, len(view.Participants))
	for _, participant := range view.Participants {
		if participant.TurnOrder == view.Tanda.CurrentTurn || paid[participant.UserID] {
			continue
		}
		pending = append(pending, participant)
	}
	return pending, nil
}

func (l *RotationLedger) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("core: ledger store is not configured")
	}
	if strings.TrimSpace(filter.TandaID) == "" && strings.TrimSpace(filter.UserID) == "" {
		return nil, ValidationError(ErrorValidation, "tanda_id", "tanda_id or user_id is required")
	}
	return l.store.ListPayments(ctx, filter)
}

func findParticipant(participants []Participant, userID string) (Participant, bool) {
	for _, participant := range participants {
		if participant.UserID == userID {
			return participant, true
		}
	}
	return Participant{}, false
}

func participantForTurn(participants []Participant, turn int) (Participant, bool) {
	for _, participant := range participants {
		if participant.TurnOrder == turn {
			return participant, true
		}
	}
	return Participant{}, false
}
