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
)

// SagaStore persists payment sagas. Every stage change is a compare-and-set
// on the stored stage, so two workers racing on one saga never both win.
type SagaStore struct {
	db   *bun.DB
	repo repository.Repository[*sagaRecord]
}

func NewSagaStore(db *bun.DB) (*SagaStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*sagaRecord](db, sagaHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid saga repository wiring: %w", err)
		}
	}
	return &SagaStore{db: db, repo: repo}, nil
}

func (s *SagaStore) CreateSaga(ctx context.Context, saga core.PaymentSaga) (core.PaymentSaga, error) {
	if s == nil || s.db == nil {
		return core.PaymentSaga{}, fmt.Errorf("sqlstore: saga store is not configured")
	}
	if strings.TrimSpace(saga.ID) == "" {
		return core.PaymentSaga{}, fmt.Errorf("sqlstore: saga id is required")
	}
	record := newSagaRecord(saga)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := loadPayment(ctx, tx, saga.PaymentID); err != nil {
			return err
		}
		live := &sagaRecord{}
		err := tx.NewSelect().
			Model(live).
			Where("?TableAlias.payment_id = ?", saga.PaymentID).
			Where("?TableAlias.stage <> ?", string(core.SagaStageFailed)).
			Limit(1).
			Scan(ctx)
		switch {
		case err == nil:
			return core.SagaInProgressError(live.toDomain())
		case !errors.Is(err, sql.ErrNoRows):
			return storeError(err, "check live saga")
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return storeError(err, "create saga")
		}
		return nil
	})
	if err != nil {
		return core.PaymentSaga{}, err
	}
	return record.toDomain(), nil
}

func (s *SagaStore) GetSaga(ctx context.Context, id string) (core.PaymentSaga, error) {
	if s == nil || s.db == nil {
		return core.PaymentSaga{}, fmt.Errorf("sqlstore: saga store is not configured")
	}
	return loadSaga(ctx, s.db, strings.TrimSpace(id))
}

func (s *SagaStore) ListSagasByPayment(ctx context.Context, paymentID string) ([]core.PaymentSaga, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: saga store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("payment_id", "=", strings.TrimSpace(paymentID)),
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, storeError(err, "list sagas")
	}
	out := make([]core.PaymentSaga, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SagaStore) AdvanceSaga(ctx context.Context, saga core.PaymentSaga, from core.SagaStage) (core.PaymentSaga, error) {
	if s == nil || s.db == nil {
		return core.PaymentSaga{}, fmt.Errorf("sqlstore: saga store is not configured")
	}
	record := newSagaRecord(saga)
	result, err := s.db.NewUpdate().
		Model(record).
		ExcludeColumn("id", "payment_id", "tanda_id", "created_at").
		WherePK().
		Where("stage = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return core.PaymentSaga{}, storeError(err, "advance saga")
	}
	if affected, _ := result.RowsAffected(); affected == 1 {
		return record.toDomain(), nil
	}

	stored, err := loadSaga(ctx, s.db, saga.ID)
	if err != nil {
		return core.PaymentSaga{}, err
	}
	if stored.Stage.Terminal() {
		return stored, core.AlreadyTerminalError(stored)
	}
	return stored, core.SagaInProgressError(stored)
}

func (s *SagaStore) ClaimSaga(ctx context.Context, id string, claimedAt time.Time) (core.SagaClaim, error) {
	if s == nil || s.db == nil {
		return core.SagaClaim{}, fmt.Errorf("sqlstore: saga store is not configured")
	}
	id = strings.TrimSpace(id)
	claimedAt = claimedAt.UTC()

	var claim core.SagaClaim
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*sagaRecord)(nil)).
			Set("claimed_at = ?", claimedAt).
			Set("updated_at = ?", claimedAt).
			Where("id = ?", id).
			Where("stage = ?", string(core.SagaStageAwaitingInteraction)).
			Where("claimed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return storeError(err, "claim saga")
		}
		affected, _ := result.RowsAffected()

		saga, err := loadSaga(ctx, tx, id)
		if err != nil {
			return err
		}
		payment, err := loadPayment(ctx, tx, saga.PaymentID)
		if err != nil && !core.IsNotFound(err) {
			return err
		}
		if affected == 0 {
			if saga.Stage.Terminal() {
				claim = core.SagaClaim{Saga: saga, Payment: payment, Terminal: true}
				return nil
			}
			return core.SagaInProgressError(saga)
		}

		if payment.Status == core.PaymentStatusPending {
			if err := payment.TransitionTo(core.PaymentStatusProcessing, "", claimedAt); err != nil {
				return err
			}
			if err := savePaymentStatus(ctx, tx, payment, core.PaymentStatusPending); err != nil {
				return err
			}
		}
		claim = core.SagaClaim{Saga: saga, Payment: payment}
		return nil
	})
	if err != nil {
		return core.SagaClaim{}, err
	}
	return claim, nil
}

func (s *SagaStore) CloseSaga(ctx context.Context, id string, outcome core.SagaOutcome) (core.SagaCloseResult, error) {
	if s == nil || s.db == nil {
		return core.SagaCloseResult{}, fmt.Errorf("sqlstore: saga store is not configured")
	}
	id = strings.TrimSpace(id)

	var closed core.SagaCloseResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		saga, err := loadSaga(ctx, tx, id)
		if err != nil {
			return err
		}
		payment, err := loadPayment(ctx, tx, saga.PaymentID)
		if err != nil && !core.IsNotFound(err) {
			return err
		}
		if saga.Stage.Terminal() {
			closed = core.SagaCloseResult{Saga: saga, Payment: payment, AlreadyClosed: true}
			return nil
		}
		if outcome.RequireUnclaimed && saga.ClaimedAt != nil {
			return core.SagaInProgressError(saga)
		}

		fromStage := saga.Stage
		fromClaimed := saga.ClaimedAt != nil
		fromStatus := payment.Status
		if err := core.ApplySagaOutcome(&saga, &payment, outcome); err != nil {
			return err
		}

		record := newSagaRecord(saga)
		query := tx.NewUpdate().
			Model(record).
			Column("stage", "failure_reason", "outgoing_payment_id", "manage_url", "updated_at").
			WherePK().
			Where("stage = ?", string(fromStage))
		if outcome.RequireUnclaimed || !fromClaimed {
			query = query.Where("claimed_at IS NULL")
		}
		result, err := query.Exec(ctx)
		if err != nil {
			return storeError(err, "close saga")
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			// lost the race; report whatever the winner left behind
			current, loadErr := loadSaga(ctx, tx, id)
			if loadErr != nil {
				return loadErr
			}
			if current.Stage.Terminal() {
				currentPayment, _ := loadPayment(ctx, tx, current.PaymentID)
				closed = core.SagaCloseResult{Saga: current, Payment: currentPayment, AlreadyClosed: true}
				return nil
			}
			return core.SagaInProgressError(current)
		}
		if payment.ID != "" && payment.Status != fromStatus {
			if err := savePaymentStatus(ctx, tx, payment, fromStatus); err != nil {
				return err
			}
		}
		closed = core.SagaCloseResult{Saga: saga, Payment: payment}
		return nil
	})
	if err != nil {
		return core.SagaCloseResult{}, err
	}
	return closed, nil
}

func (s *SagaStore) ListExpiredSagas(ctx context.Context, now time.Time, staleClaimBefore time.Time, limit int) ([]core.PaymentSaga, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: saga store is not configured")
	}
	records := make([]sagaRecord, 0)
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.stage NOT IN (?)", bun.In([]string{
			string(core.SagaStageFinalized),
			string(core.SagaStageFailed),
		})).
		Where("?TableAlias.expires_at IS NOT NULL").
		Where("?TableAlias.expires_at < ?", now.UTC()).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.claimed_at IS NULL").
				WhereOr("?TableAlias.claimed_at < ?", staleClaimBefore.UTC())
		}).
		Order("expires_at ASC", "id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, storeError(err, "list expired sagas")
	}
	out := make([]core.PaymentSaga, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func loadSaga(ctx context.Context, db bun.IDB, id string) (core.PaymentSaga, error) {
	record := &sagaRecord{}
	if err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.PaymentSaga{}, core.NotFoundError(core.ErrorUnknownSaga, "saga", id)
		}
		return core.PaymentSaga{}, storeError(err, "load saga")
	}
	return record.toDomain(), nil
}

func savePaymentStatus(ctx context.Context, tx bun.Tx, payment core.Payment, from core.PaymentStatus) error {
	result, err := tx.NewUpdate().
		Model(newPaymentRecord(payment)).
		Column("status", "external_ref", "failure_reason", "updated_at").
		WherePK().
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return storeError(err, "save payment status")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.ConflictError(
			core.ErrorConcurrencyConflict,
			fmt.Sprintf("payment %q changed concurrently", payment.ID),
			map[string]any{"payment_id": payment.ID},
		)
	}
	return nil
}
