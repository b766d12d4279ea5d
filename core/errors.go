package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorValidation            = "TANDA_VALIDATION"
	ErrorInvalidTurn           = "TANDA_INVALID_TURN"
	ErrorTandaFull             = "TANDA_FULL"
	ErrorTandaNotRecruiting    = "TANDA_NOT_RECRUITING"
	ErrorTandaNotActive        = "TANDA_NOT_ACTIVE"
	ErrorAlreadyParticipant    = "TANDA_ALREADY_PARTICIPANT"
	ErrorNotParticipant        = "TANDA_NOT_PARTICIPANT"
	ErrorTurnTaken             = "TANDA_TURN_TAKEN"
	ErrorDuplicateContribution = "TANDA_DUPLICATE_CONTRIBUTION"

	ErrorTandaNotFound   = "TANDA_NOT_FOUND"
	ErrorPaymentNotFound = "PAYMENT_NOT_FOUND"
	ErrorUnknownSaga     = "SAGA_UNKNOWN"

	ErrorWalletUnreachable = "PROTOCOL_WALLET_UNREACHABLE"
	ErrorWalletMalformed   = "PROTOCOL_WALLET_MALFORMED"
	ErrorGrantDenied       = "PROTOCOL_GRANT_DENIED"
	ErrorQuoteExpired      = "PROTOCOL_QUOTE_EXPIRED"
	ErrorProtocolFailed    = "PROTOCOL_REQUEST_FAILED"
	ErrorInteractHash      = "PROTOCOL_INTERACT_HASH_MISMATCH"

	ErrorAlreadyTerminal     = "SAGA_ALREADY_TERMINAL"
	ErrorSagaInProgress      = "SAGA_IN_PROGRESS"
	ErrorConcurrencyConflict = "LEDGER_CONCURRENCY_CONFLICT"

	ErrorStoreUnavailable = "STORE_UNAVAILABLE"
	ErrorInternal         = "TANDA_INTERNAL_ERROR"
)

func newTandaError(message string, category goerrors.Category, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return ensureTandaErrorEnvelope(err)
}

func ValidationError(textCode string, field string, message string) *goerrors.Error {
	if strings.TrimSpace(textCode) == "" {
		textCode = ErrorValidation
	}
	err := goerrors.NewValidation(message, goerrors.FieldError{Field: field, Message: message}).
		WithTextCode(textCode)
	return ensureTandaErrorEnvelope(err)
}

func NotFoundError(textCode string, entity string, id string) *goerrors.Error {
	return newTandaError(
		fmt.Sprintf("%s %q not found", entity, strings.TrimSpace(id)),
		goerrors.CategoryNotFound,
		textCode,
		map[string]any{"entity": entity, "id": strings.TrimSpace(id)},
	)
}

// ProtocolError marks a failure returned by (or caused by) the payment network.
func ProtocolError(textCode string, message string, cause error) *goerrors.Error {
	if strings.TrimSpace(textCode) == "" {
		textCode = ErrorProtocolFailed
	}
	var err *goerrors.Error
	if cause != nil {
		err = &goerrors.Error{
			Category: goerrors.CategoryExternal,
			Message:  message,
			Source:   cause,
			Severity: goerrors.SeverityError,
		}
		var rich *goerrors.Error
		if goerrors.As(cause, &rich) && len(rich.Metadata) > 0 {
			err.WithMetadata(rich.Metadata)
		}
	} else {
		err = goerrors.New(message, goerrors.CategoryExternal)
	}
	err.TextCode = textCode
	err.Code = http.StatusBadGateway
	return ensureTandaErrorEnvelope(err)
}

func ConflictError(textCode string, message string, metadata map[string]any) *goerrors.Error {
	return newTandaError(message, goerrors.CategoryConflict, textCode, metadata)
}

func PersistenceError(cause error, message string) *goerrors.Error {
	if cause == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(cause, &rich) {
		return ensureTandaErrorEnvelope(rich)
	}
	if mapped := tandaErrorMapper(cause); mapped != nil && mapped.TextCode == ErrorConcurrencyConflict {
		mapped.Source = cause
		return mapped
	}
	err := goerrors.Wrap(cause, goerrors.CategoryInternal, message).
		WithTextCode(ErrorStoreUnavailable)
	return ensureTandaErrorEnvelope(err)
}

// InteractHashError rejects a confirmation whose hash does not bind the
// interact_ref to the grant this saga requested.
func InteractHashError(sagaID string) *goerrors.Error {
	return newTandaError(
		"interaction hash does not match the grant",
		goerrors.CategoryAuth,
		ErrorInteractHash,
		map[string]any{"saga_id": sagaID},
	)
}

func AlreadyTerminalError(saga PaymentSaga) *goerrors.Error {
	return ConflictError(
		ErrorAlreadyTerminal,
		fmt.Sprintf("saga %q is already %s", saga.ID, saga.Stage),
		map[string]any{"saga_id": saga.ID, "stage": string(saga.Stage)},
	)
}

func SagaInProgressError(saga PaymentSaga) *goerrors.Error {
	return ConflictError(
		ErrorSagaInProgress,
		fmt.Sprintf("saga %q cannot be resumed from stage %s", saga.ID, saga.Stage),
		map[string]any{"saga_id": saga.ID, "stage": string(saga.Stage)},
	)
}

// HasTextCode reports whether err carries the given go-errors text code.
func HasTextCode(err error, textCode string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

func IsAlreadyTerminal(err error) bool {
	return HasTextCode(err, ErrorAlreadyTerminal)
}

func IsConcurrencyConflict(err error) bool {
	return HasTextCode(err, ErrorConcurrencyConflict)
}

func IsNotFound(err error) bool {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.Category == goerrors.CategoryNotFound
	}
	return errors.Is(err, sql.ErrNoRows)
}

func tandaErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureTandaErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return newTandaError(err.Error(), goerrors.CategoryNotFound, ErrorTandaNotFound, nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newTandaError(err.Error(), goerrors.CategoryOperation, ErrorInternal, nil)
	case errors.Is(err, ErrInvalidSagaStageTransition):
		return newTandaError(err.Error(), goerrors.CategoryConflict, ErrorSagaInProgress, nil)
	case errors.Is(err, ErrInvalidTandaStatusTransition), errors.Is(err, ErrInvalidPaymentStatusTransition):
		return newTandaError(err.Error(), goerrors.CategoryConflict, ErrorConcurrencyConflict, nil)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "duplicate key"):
		return newTandaError(err.Error(), goerrors.CategoryConflict, ErrorConcurrencyConflict, nil)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "could not serialize"):
		return newTandaError(err.Error(), goerrors.CategoryConflict, ErrorConcurrencyConflict, nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newTandaError(err.Error(), goerrors.CategoryBadInput, ErrorValidation, nil)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureTandaErrorEnvelope(mapped)
}

func ensureTandaErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = tandaHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTandaTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTandaTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorValidation
	case goerrors.CategoryNotFound:
		return ErrorTandaNotFound
	case goerrors.CategoryConflict:
		return ErrorConcurrencyConflict
	case goerrors.CategoryExternal:
		return ErrorProtocolFailed
	default:
		return ErrorInternal
	}
}

func tandaHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
