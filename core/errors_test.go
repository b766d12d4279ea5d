package core

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestTandaErrorMapper_AssignsStableCodes(t *testing.T) {
	mapped := tandaErrorMapper(stderrors.New("UNIQUE constraint failed: tanda_payments.tanda_id, tanda_payments.round"))
	if mapped.TextCode != ErrorConcurrencyConflict {
		t.Fatalf("expected concurrency conflict text code, got %q", mapped.TextCode)
	}
	if mapped.Category != goerrors.CategoryConflict || mapped.Code != 409 {
		t.Fatalf("expected conflict category with 409, got %q/%d", mapped.Category, mapped.Code)
	}

	mapped = tandaErrorMapper(fmt.Errorf("load tanda: %w", sql.ErrNoRows))
	if mapped.Category != goerrors.CategoryNotFound || mapped.TextCode != ErrorTandaNotFound {
		t.Fatalf("expected not found mapping, got %q/%q", mapped.Category, mapped.TextCode)
	}

	mapped = tandaErrorMapper(fmt.Errorf("advance: %w", ErrInvalidSagaStageTransition))
	if mapped.TextCode != ErrorSagaInProgress {
		t.Fatalf("expected saga in progress mapping, got %q", mapped.TextCode)
	}

	mapped = tandaErrorMapper(context.DeadlineExceeded)
	if mapped.Category != goerrors.CategoryOperation {
		t.Fatalf("expected operation category for deadline, got %q", mapped.Category)
	}
}

func TestTandaErrorMapper_PreservesRichErrors(t *testing.T) {
	original := ProtocolError(ErrorGrantDenied, "grant rejected", stderrors.New("403"))
	mapped := tandaErrorMapper(original)
	if mapped.TextCode != ErrorGrantDenied || mapped.Code != 502 {
		t.Fatalf("expected protocol error to pass through, got %q/%d", mapped.TextCode, mapped.Code)
	}
	if mapped != original {
		t.Fatalf("expected the original error to be returned")
	}
}

func TestPersistenceError_ClassifiesConflicts(t *testing.T) {
	err := PersistenceError(stderrors.New("pq: could not serialize access due to concurrent update"), "save tanda")
	if !IsConcurrencyConflict(err) {
		t.Fatalf("expected serialization failures to be retryable conflicts, got %v", err)
	}
	err = PersistenceError(stderrors.New("dial tcp: connection refused"), "save tanda")
	if !HasTextCode(err, ErrorStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestSagaErrors_CarryMetadata(t *testing.T) {
	saga := PaymentSaga{ID: "saga_1", Stage: SagaStageFinalized}
	err := AlreadyTerminalError(saga)
	if !IsAlreadyTerminal(err) {
		t.Fatalf("expected already terminal predicate to match")
	}
	if err.Metadata["saga_id"] != "saga_1" || err.Metadata["stage"] != "finalized" {
		t.Fatalf("expected saga metadata, got %#v", err.Metadata)
	}
	if !IsNotFound(NotFoundError(ErrorUnknownSaga, "saga", "x")) {
		t.Fatalf("expected not found predicate to match")
	}
}

func TestServiceMethods_MapErrorsToStableCodes(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.GetTandaStatus(context.Background(), "missing")
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != ErrorTandaNotFound || rich.Code != 404 {
		t.Fatalf("expected not found envelope, got %q/%d", rich.TextCode, rich.Code)
	}
}
