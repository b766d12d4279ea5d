package query

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-tandas/core"
)

const (
	TypeGetTandaStatus          = "tandas.query.tanda.status"
	TypeListPayments            = "tandas.query.payment.list"
	TypeGetSaga                 = "tandas.query.saga.get"
	TypeListPendingContributors = "tandas.query.round.pending_contributors"
	TypeListTandas              = "tandas.query.tanda.list"
	TypeResolveWallet           = "tandas.query.wallet.resolve"
)

// MaxListLimit caps ListPayments page size.
const MaxListLimit = 500

type GetTandaStatusMessage struct {
	TandaID string `json:"tanda_id"`
}

func (GetTandaStatusMessage) Type() string { return TypeGetTandaStatus }

func (m GetTandaStatusMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
		)
	})
}

type ListPaymentsMessage struct {
	TandaID     string             `json:"tanda_id"`
	UserID      string             `json:"user_id,omitempty"`
	PaymentType core.PaymentType   `json:"type,omitempty"`
	Status      core.PaymentStatus `json:"status,omitempty"`
	Round       int                `json:"round,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

func (ListPaymentsMessage) Type() string { return TypeListPayments }

func (m ListPaymentsMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
			validation.Field(&m.PaymentType, validation.In(core.PaymentTypeContribution, core.PaymentTypePayout)),
			validation.Field(&m.Status, validation.In(
				core.PaymentStatusPending,
				core.PaymentStatusProcessing,
				core.PaymentStatusCompleted,
				core.PaymentStatusFailed,
			)),
			validation.Field(&m.Round, validation.Min(0)),
			validation.Field(&m.Limit, validation.Min(0), validation.Max(MaxListLimit)),
		)
	})
}

func (m ListPaymentsMessage) Filter() core.PaymentFilter {
	return core.PaymentFilter{
		TandaID: strings.TrimSpace(m.TandaID),
		UserID:  strings.TrimSpace(m.UserID),
		Type:    m.PaymentType,
		Status:  m.Status,
		Round:   m.Round,
		Limit:   m.Limit,
	}
}

type GetSagaMessage struct {
	SagaID string `json:"saga_id"`
}

func (GetSagaMessage) Type() string { return TypeGetSaga }

func (m GetSagaMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.SagaID, validation.By(requiredText)),
		)
	})
}

type ListPendingContributorsMessage struct {
	TandaID string `json:"tanda_id"`
}

func (ListPendingContributorsMessage) Type() string { return TypeListPendingContributors }

func (m ListPendingContributorsMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.TandaID, validation.By(requiredText)),
		)
	})
}

type ListTandasMessage struct {
	Status    core.TandaStatus `json:"status,omitempty"`
	CreatedBy string           `json:"created_by,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

func (ListTandasMessage) Type() string { return TypeListTandas }

func (m ListTandasMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.Status, validation.In(
				core.TandaStatusRecruiting,
				core.TandaStatusActive,
				core.TandaStatusCompleted,
			)),
			validation.Field(&m.Limit, validation.Min(0), validation.Max(MaxListLimit)),
		)
	})
}

func (m ListTandasMessage) Filter() core.TandaFilter {
	return core.TandaFilter{
		Status:    m.Status,
		CreatedBy: strings.TrimSpace(m.CreatedBy),
		Limit:     m.Limit,
	}
}

// ResolveWalletMessage looks up a wallet address or $ payment pointer.
type ResolveWalletMessage struct {
	WalletAddress string `json:"wallet_address"`
}

func (ResolveWalletMessage) Type() string { return TypeResolveWallet }

func (m ResolveWalletMessage) Validate() error {
	return validate(func() error {
		return validation.ValidateStruct(&m,
			validation.Field(&m.WalletAddress, validation.By(requiredText)),
		)
	})
}

func validate(fn func() error) error {
	if err := goerrors.ValidateWithOzzo(fn, "query: validation failed"); err != nil {
		return queryValidationEnvelope(err)
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
