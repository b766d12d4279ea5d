package sqlstore

import (
	"time"

	"github.com/goliatone/go-tandas/core"
)

func newTandaRecord(tanda core.Tanda) *tandaRecord {
	return &tandaRecord{
		ID:                   tanda.ID,
		Name:                 tanda.Name,
		TotalAmount:          tanda.TotalAmount,
		MaxParticipants:      tanda.MaxParticipants,
		PerParticipantAmount: tanda.PerParticipantAmount,
		CurrentTurn:          tanda.CurrentTurn,
		RoundAccumulated:     tanda.RoundAccumulated,
		Status:               string(tanda.Status),
		PoolWalletAddress:    tanda.PoolWalletAddress,
		CreatedBy:            tanda.CreatedBy,
		CreatedAt:            tanda.CreatedAt.UTC(),
		UpdatedAt:            tanda.UpdatedAt.UTC(),
		CompletedAt:          cloneTimePointer(tanda.CompletedAt),
	}
}

func (r *tandaRecord) toDomain() core.Tanda {
	if r == nil {
		return core.Tanda{}
	}
	return core.Tanda{
		ID:                   r.ID,
		Name:                 r.Name,
		TotalAmount:          r.TotalAmount,
		MaxParticipants:      r.MaxParticipants,
		PerParticipantAmount: r.PerParticipantAmount,
		CurrentTurn:          r.CurrentTurn,
		RoundAccumulated:     r.RoundAccumulated,
		Status:               core.TandaStatus(r.Status),
		PoolWalletAddress:    r.PoolWalletAddress,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
		CompletedAt:          cloneTimePointer(r.CompletedAt),
	}
}

func newParticipantRecord(participant core.Participant) *participantRecord {
	return &participantRecord{
		TandaID:       participant.TandaID,
		UserID:        participant.UserID,
		TurnOrder:     participant.TurnOrder,
		HasReceived:   participant.HasReceived,
		WalletAddress: participant.WalletAddress,
		JoinedAt:      participant.JoinedAt.UTC(),
	}
}

func (r *participantRecord) toDomain() core.Participant {
	if r == nil {
		return core.Participant{}
	}
	return core.Participant{
		TandaID:       r.TandaID,
		UserID:        r.UserID,
		TurnOrder:     r.TurnOrder,
		HasReceived:   r.HasReceived,
		WalletAddress: r.WalletAddress,
		JoinedAt:      r.JoinedAt.UTC(),
	}
}

func newPaymentRecord(payment core.Payment) *paymentRecord {
	return &paymentRecord{
		ID:            payment.ID,
		TandaID:       payment.TandaID,
		UserID:        payment.UserID,
		Amount:        payment.Amount,
		Type:          string(payment.Type),
		Status:        string(payment.Status),
		Round:         payment.Round,
		ExternalRef:   payment.ExternalRef,
		FailureReason: payment.FailureReason,
		CreatedAt:     payment.CreatedAt.UTC(),
		UpdatedAt:     payment.UpdatedAt.UTC(),
	}
}

func (r *paymentRecord) toDomain() core.Payment {
	if r == nil {
		return core.Payment{}
	}
	return core.Payment{
		ID:            r.ID,
		TandaID:       r.TandaID,
		UserID:        r.UserID,
		Amount:        r.Amount,
		Type:          core.PaymentType(r.Type),
		Status:        core.PaymentStatus(r.Status),
		Round:         r.Round,
		ExternalRef:   r.ExternalRef,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func newSagaRecord(saga core.PaymentSaga) *sagaRecord {
	record := &sagaRecord{
		ID:                   saga.ID,
		PaymentID:            saga.PaymentID,
		TandaID:              saga.TandaID,
		Stage:                string(saga.Stage),
		ContinuationURI:      saga.ContinuationURI,
		ContinuationToken:    saga.ContinuationToken,
		QuoteID:              saga.QuoteID,
		WalletResourceServer: saga.WalletResourceServer,
		WalletID:             saga.WalletID,
		ReceiverWalletID:     saga.ReceiverWalletID,
		IncomingPaymentID:    saga.IncomingPaymentID,
		DebitValue:           saga.DebitAmount.Value,
		DebitAssetCode:       saga.DebitAmount.AssetCode,
		DebitAssetScale:      saga.DebitAmount.AssetScale,
		InteractionURL:       saga.InteractionURL,
		InteractNonce:        saga.InteractNonce,
		InteractFinish:       saga.InteractFinish,
		GrantEndpoint:        saga.GrantEndpoint,
		ManageURL:            saga.ManageURL,
		OutgoingPaymentID:    saga.OutgoingPaymentID,
		FailureReason:        saga.FailureReason,
		ClaimedAt:            cloneTimePointer(saga.ClaimedAt),
		CreatedAt:            saga.CreatedAt.UTC(),
		UpdatedAt:            saga.UpdatedAt.UTC(),
	}
	if !saga.ExpiresAt.IsZero() {
		expiresAt := saga.ExpiresAt.UTC()
		record.ExpiresAt = &expiresAt
	}
	return record
}

func (r *sagaRecord) toDomain() core.PaymentSaga {
	if r == nil {
		return core.PaymentSaga{}
	}
	saga := core.PaymentSaga{
		ID:                   r.ID,
		PaymentID:            r.PaymentID,
		TandaID:              r.TandaID,
		Stage:                core.SagaStage(r.Stage),
		ContinuationURI:      r.ContinuationURI,
		ContinuationToken:    r.ContinuationToken,
		QuoteID:              r.QuoteID,
		WalletResourceServer: r.WalletResourceServer,
		WalletID:             r.WalletID,
		ReceiverWalletID:     r.ReceiverWalletID,
		IncomingPaymentID:    r.IncomingPaymentID,
		DebitAmount: core.Amount{
			Value:      r.DebitValue,
			AssetCode:  r.DebitAssetCode,
			AssetScale: r.DebitAssetScale,
		},
		InteractionURL:    r.InteractionURL,
		InteractNonce:     r.InteractNonce,
		InteractFinish:    r.InteractFinish,
		GrantEndpoint:     r.GrantEndpoint,
		ManageURL:         r.ManageURL,
		OutgoingPaymentID: r.OutgoingPaymentID,
		FailureReason:     r.FailureReason,
		ClaimedAt:         cloneTimePointer(r.ClaimedAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		saga.ExpiresAt = r.ExpiresAt.UTC()
	}
	return saga
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
