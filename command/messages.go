package command

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-tandas/core"
	"github.com/shopspring/decimal"
)

const (
	TypeCreateTanda          = "tandas.command.tanda.create"
	TypeJoinTanda            = "tandas.command.tanda.join"
	TypeUpdateWallet         = "tandas.command.participant.wallet.update"
	TypeInitiateContribution = "tandas.command.contribution.initiate"
	TypeInitiatePayout       = "tandas.command.payout.initiate"
	TypeCompletePayment      = "tandas.command.payment.complete"
	TypeCancelSaga           = "tandas.command.saga.cancel"
	TypeExpireSagas          = "tandas.command.saga.expire"
	TypeEvaluateRound        = "tandas.command.round.evaluate"
)

type CreateTandaMessage struct {
	Name              string          `json:"name"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	MaxParticipants   int             `json:"max_participants"`
	PoolWalletAddress string          `json:"pool_wallet_address"`
	CreatedBy         string          `json:"created_by"`
}

func (CreateTandaMessage) Type() string { return TypeCreateTanda }

func (m CreateTandaMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.Name, validation.By(requiredText)),
			validation.Field(&m.TotalAmount, validation.By(positiveAmount)),
			validation.Field(&m.MaxParticipants, validation.Required, validation.Min(2)),
			validation.Field(&m.PoolWalletAddress, validation.By(requiredText)),
			validation.Field(&m.CreatedBy, validation.By(requiredText)),
		)
	})
}

func (m CreateTandaMessage) Request() core.CreateTandaRequest {
	return core.CreateTandaRequest{
		Name:              strings.TrimSpace(m.Name),
		TotalAmount:       m.TotalAmount,
		MaxParticipants:   m.MaxParticipants,
		PoolWalletAddress: strings.TrimSpace(m.PoolWalletAddress),
		CreatedBy:         strings.TrimSpace(m.CreatedBy),
	}
}

type JoinTandaMessage struct {
	TandaID       string `json:"tanda_id"`
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	RequestedTurn int    `json:"requested_turn,omitempty"`
}

func (JoinTandaMessage) Type() string { return TypeJoinTanda }

func (m JoinTandaMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
			validation.Field(&m.UserID, validation.By(requiredText)),
			validation.Field(&m.WalletAddress, validation.By(requiredText)),
			validation.Field(&m.RequestedTurn, validation.Min(0)),
		)
	})
}

func (m JoinTandaMessage) Request() core.JoinRequest {
	return core.JoinRequest{
		TandaID:       strings.TrimSpace(m.TandaID),
		UserID:        strings.TrimSpace(m.UserID),
		WalletAddress: strings.TrimSpace(m.WalletAddress),
		RequestedTurn: m.RequestedTurn,
	}
}

type InitiateContributionMessage struct {
	TandaID         string          `json:"tanda_id"`
	PayerID         string          `json:"payer_id"`
	SenderWalletURL string          `json:"sender_wallet_url"`
	Amount          decimal.Decimal `json:"amount"`
}

func (InitiateContributionMessage) Type() string { return TypeInitiateContribution }

func (m InitiateContributionMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
			validation.Field(&m.PayerID, validation.By(requiredText)),
			validation.Field(&m.SenderWalletURL, validation.By(requiredText)),
			validation.Field(&m.Amount, validation.By(positiveAmount)),
		)
	})
}

func (m InitiateContributionMessage) Request() core.ContributionRequest {
	return core.ContributionRequest{
		TandaID:         strings.TrimSpace(m.TandaID),
		PayerID:         strings.TrimSpace(m.PayerID),
		SenderWalletURL: strings.TrimSpace(m.SenderWalletURL),
		Amount:          m.Amount,
	}
}

type InitiatePayoutMessage struct {
	PaymentID string `json:"payment_id"`
}

func (InitiatePayoutMessage) Type() string { return TypeInitiatePayout }

func (m InitiatePayoutMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.PaymentID, validation.By(requiredText)),
		)
	})
}

type CompletePaymentMessage struct {
	SagaID      string `json:"saga_id"`
	InteractRef string `json:"interact_ref"`
	Hash        string `json:"hash,omitempty"`
}

func (CompletePaymentMessage) Type() string { return TypeCompletePayment }

func (m CompletePaymentMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.SagaID, validation.By(requiredText)),
			validation.Field(&m.InteractRef, validation.By(requiredText)),
		)
	})
}

func (m CompletePaymentMessage) Request() core.CompletePaymentRequest {
	return core.CompletePaymentRequest{
		SagaID:      strings.TrimSpace(m.SagaID),
		InteractRef: strings.TrimSpace(m.InteractRef),
		Hash:        strings.TrimSpace(m.Hash),
	}
}

type CancelSagaMessage struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason,omitempty"`
}

func (CancelSagaMessage) Type() string { return TypeCancelSaga }

func (m CancelSagaMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.SagaID, validation.By(requiredText)),
			validation.Field(&m.Reason, validation.Length(0, 256)),
		)
	})
}

// ExpireSagasMessage triggers one expiry sweep.
type ExpireSagasMessage struct{}

func (ExpireSagasMessage) Type() string { return TypeExpireSagas }

func (ExpireSagasMessage) Validate() error { return nil }

type EvaluateRoundMessage struct {
	TandaID string `json:"tanda_id"`
}

func (EvaluateRoundMessage) Type() string { return TypeEvaluateRound }

func (m EvaluateRoundMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
		)
	})
}

// UpdateWalletMessage changes the wallet a participant is paid out to.
type UpdateWalletMessage struct {
	TandaID       string `json:"tanda_id"`
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
}

func (UpdateWalletMessage) Type() string { return TypeUpdateWallet }

func (m UpdateWalletMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
			validation.Field(&m.UserID, validation.By(requiredText)),
			validation.Field(&m.WalletAddress, validation.By(requiredText)),
		)
	})
}

func (m UpdateWalletMessage) Request() core.UpdateWalletRequest {
	return core.UpdateWalletRequest{
		TandaID:       strings.TrimSpace(m.TandaID),
		UserID:        strings.TrimSpace(m.UserID),
		WalletAddress: strings.TrimSpace(m.WalletAddress),
	}
}

func validate(fn func() error) error {
	if err := goerrors.ValidateWithOzzo(fn, "command: validation failed"); err != nil {
		return commandValidationEnvelope(err)
	}
	return nil
}

func requiredText(value any) error {
	text, _ := value.(string)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("is required")
	}
	return nil
}

func positiveAmount(value any) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return fmt.Errorf("must be a decimal amount")
	}
	if !amount.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}
