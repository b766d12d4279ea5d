package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-tandas/core"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// LedgerStore persists tandas, participants and payments. Ledger mutations
// run inside WithTandaLock, which holds the tanda row for the whole
// transaction: SELECT ... FOR UPDATE on postgres, an early write on sqlite.
type LedgerStore struct {
	db           *bun.DB
	participants repository.Repository[*participantRecord]
	payments     repository.Repository[*paymentRecord]
}

func NewLedgerStore(db *bun.DB) (*LedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	participants := repository.NewRepository[*participantRecord](db, participantHandlers())
	if validator, ok := participants.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid participant repository wiring: %w", err)
		}
	}
	payments := repository.NewRepository[*paymentRecord](db, paymentHandlers())
	if validator, ok := payments.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid payment repository wiring: %w", err)
		}
	}
	return &LedgerStore{db: db, participants: participants, payments: payments}, nil
}

func (s *LedgerStore) CreateTanda(ctx context.Context, tanda core.Tanda) (core.Tanda, error) {
	if s == nil || s.db == nil {
		return core.Tanda{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if strings.TrimSpace(tanda.ID) == "" {
		return core.Tanda{}, fmt.Errorf("sqlstore: tanda id is required")
	}
	record := newTandaRecord(tanda)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Tanda{}, storeError(err, "create tanda")
	}
	return record.toDomain(), nil
}

func (s *LedgerStore) GetTanda(ctx context.Context, id string) (core.Tanda, error) {
	if s == nil || s.db == nil {
		return core.Tanda{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return loadTanda(ctx, s.db, strings.TrimSpace(id), false)
}

func (s *LedgerStore) ListTandas(ctx context.Context, filter core.TandaFilter) ([]core.Tanda, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	records := make([]tandaRecord, 0)
	query := s.db.NewSelect().
		Model(&records).
		Order("created_at ASC", "id ASC")
	if filter.Status != "" {
		query = query.Where("?TableAlias.status = ?", string(filter.Status))
	}
	if createdBy := strings.TrimSpace(filter.CreatedBy); createdBy != "" {
		query = query.Where("?TableAlias.created_by = ?", createdBy)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, storeError(err, "list tandas")
	}
	out := make([]core.Tanda, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (s *LedgerStore) ListParticipants(ctx context.Context, tandaID string) ([]core.Participant, error) {
	if s == nil || s.participants == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	tandaID = strings.TrimSpace(tandaID)
	if _, err := loadTanda(ctx, s.db, tandaID, false); err != nil {
		return nil, err
	}
	records, _, err := s.participants.List(ctx,
		repository.SelectBy("tanda_id", "=", tandaID),
		repository.OrderBy("turn_order ASC"),
	)
	if err != nil {
		return nil, storeError(err, "list participants")
	}
	out := make([]core.Participant, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *LedgerStore) GetPayment(ctx context.Context, id string) (core.Payment, error) {
	if s == nil || s.db == nil {
		return core.Payment{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return loadPayment(ctx, s.db, strings.TrimSpace(id))
}

func (s *LedgerStore) ListPayments(ctx context.Context, filter core.PaymentFilter) ([]core.Payment, error) {
	if s == nil || s.payments == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	}
	if tandaID := strings.TrimSpace(filter.TandaID); tandaID != "" {
		selectors = append(selectors, repository.SelectBy("tanda_id", "=", tandaID))
	}
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		selectors = append(selectors, repository.SelectBy("user_id", "=", userID))
	}
	if filter.Type != "" {
		selectors = append(selectors, repository.SelectBy("type", "=", string(filter.Type)))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if filter.Round > 0 {
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.round = ?", filter.Round)
		}))
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, 0))
	}
	records, _, err := s.payments.List(ctx, selectors...)
	if err != nil {
		return nil, storeError(err, "list payments")
	}
	out := make([]core.Payment, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *LedgerStore) WithTandaLock(ctx context.Context, tandaID string, fn core.LedgerTxFunc) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: ledger transaction callback is required")
	}
	tandaID = strings.TrimSpace(tandaID)
	postgres := s.db.Dialect().Name() == dialect.PG

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if !postgres {
			// take the sqlite write lock before reading so concurrent
			// evaluations serialize instead of failing at commit
			if _, err := tx.NewUpdate().
				Model((*tandaRecord)(nil)).
				Set("updated_at = updated_at").
				Where("id = ?", tandaID).
				Exec(ctx); err != nil {
				return storeError(err, "lock tanda")
			}
		}
		tanda, err := loadTanda(ctx, tx, tandaID, postgres)
		if err != nil {
			return err
		}
		return fn(ctx, &ledgerTx{tx: tx, tandaID: tandaID}, tanda)
	})
}

type ledgerTx struct {
	tx      bun.Tx
	tandaID string
}

func (l *ledgerTx) Participants(ctx context.Context) ([]core.Participant, error) {
	records := make([]participantRecord, 0)
	if err := l.tx.NewSelect().
		Model(&records).
		Where("?TableAlias.tanda_id = ?", l.tandaID).
		Order("turn_order ASC").
		Scan(ctx); err != nil {
		return nil, storeError(err, "load participants")
	}
	out := make([]core.Participant, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (l *ledgerTx) AddParticipant(ctx context.Context, participant core.Participant) error {
	participant.TandaID = l.tandaID
	if _, err := l.tx.NewInsert().Model(newParticipantRecord(participant)).Exec(ctx); err != nil {
		return storeError(err, "add participant")
	}
	return nil
}

func (l *ledgerTx) UpdateParticipantWallet(ctx context.Context, userID string, walletAddress string) error {
	result, err := l.tx.NewUpdate().
		Model((*participantRecord)(nil)).
		Set("wallet_address = ?", walletAddress).
		Where("tanda_id = ?", l.tandaID).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Exec(ctx)
	if err != nil {
		return storeError(err, "update participant wallet")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.NotFoundError(core.ErrorNotParticipant, "participant", userID)
	}
	return nil
}

func (l *ledgerTx) MarkReceived(ctx context.Context, userID string) error {
	result, err := l.tx.NewUpdate().
		Model((*participantRecord)(nil)).
		Set("has_received = ?", true).
		Where("tanda_id = ?", l.tandaID).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Exec(ctx)
	if err != nil {
		return storeError(err, "mark participant received")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.NotFoundError(core.ErrorNotParticipant, "participant", userID)
	}
	return nil
}

func (l *ledgerTx) SaveTanda(ctx context.Context, tanda core.Tanda) error {
	if tanda.ID != l.tandaID {
		return fmt.Errorf("sqlstore: tanda %q is not locked by this transaction", tanda.ID)
	}
	record := newTandaRecord(tanda)
	if _, err := l.tx.NewUpdate().
		Model(record).
		Column(
			"current_turn",
			"round_accumulated",
			"status",
			"updated_at",
			"completed_at",
		).
		WherePK().
		Exec(ctx); err != nil {
		return storeError(err, "save tanda")
	}
	return nil
}

func (l *ledgerTx) RoundPayments(ctx context.Context, round int) ([]core.Payment, error) {
	records := make([]paymentRecord, 0)
	if err := l.tx.NewSelect().
		Model(&records).
		Where("?TableAlias.tanda_id = ?", l.tandaID).
		Where("?TableAlias.round = ?", round).
		Order("created_at ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, storeError(err, "load round payments")
	}
	out := make([]core.Payment, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (l *ledgerTx) InsertPayment(ctx context.Context, payment core.Payment) (core.Payment, error) {
	if strings.TrimSpace(payment.ID) == "" {
		return core.Payment{}, fmt.Errorf("sqlstore: payment id is required")
	}
	payment.TandaID = l.tandaID
	record := newPaymentRecord(payment)
	if _, err := l.tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Payment{}, storeError(err, "insert payment")
	}
	return record.toDomain(), nil
}

func (l *ledgerTx) SetPaymentStatus(ctx context.Context, paymentID string, status core.PaymentStatus, at time.Time) error {
	result, err := l.tx.NewUpdate().
		Model((*paymentRecord)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", at).
		Where("id = ?", strings.TrimSpace(paymentID)).
		Where("tanda_id = ?", l.tandaID).
		Exec(ctx)
	if err != nil {
		return storeError(err, "set payment status")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.NotFoundError(core.ErrorPaymentNotFound, "payment", paymentID)
	}
	return nil
}

func loadTanda(ctx context.Context, db bun.IDB, id string, forUpdate bool) (core.Tanda, error) {
	record := &tandaRecord{}
	query := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1)
	if forUpdate {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Tanda{}, core.NotFoundError(core.ErrorTandaNotFound, "tanda", id)
		}
		return core.Tanda{}, storeError(err, "load tanda")
	}
	return record.toDomain(), nil
}

func loadPayment(ctx context.Context, db bun.IDB, id string) (core.Payment, error) {
	record := &paymentRecord{}
	if err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Payment{}, core.NotFoundError(core.ErrorPaymentNotFound, "payment", id)
		}
		return core.Payment{}, storeError(err, "load payment")
	}
	return record.toDomain(), nil
}

// storeError classifies driver errors; lock and unique violations surface as
// retryable concurrency conflicts.
func storeError(err error, message string) error {
	if err == nil {
		return nil
	}
	return core.PersistenceError(err, "sqlstore: "+message)
}
