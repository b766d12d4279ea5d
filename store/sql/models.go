package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type tandaRecord struct {
	bun.BaseModel `bun:"table:tandas,alias:t"`

	ID                   string          `bun:"id,pk"`
	Name                 string          `bun:"name,notnull"`
	TotalAmount          decimal.Decimal `bun:"total_amount,notnull"`
	MaxParticipants      int             `bun:"max_participants,notnull"`
	PerParticipantAmount decimal.Decimal `bun:"per_participant_amount,notnull"`
	CurrentTurn          int             `bun:"current_turn,notnull"`
	RoundAccumulated     decimal.Decimal `bun:"round_accumulated,notnull"`
	Status               string          `bun:"status,notnull"`
	PoolWalletAddress    string          `bun:"pool_wallet_address,notnull"`
	CreatedBy            string          `bun:"created_by,notnull"`
	CreatedAt            time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt          *time.Time      `bun:"completed_at,nullzero"`
}

type participantRecord struct {
	bun.BaseModel `bun:"table:tanda_participants,alias:tp"`

	TandaID       string    `bun:"tanda_id,pk"`
	UserID        string    `bun:"user_id,pk"`
	TurnOrder     int       `bun:"turn_order,notnull"`
	HasReceived   bool      `bun:"has_received,notnull"`
	WalletAddress string    `bun:"wallet_address,notnull"`
	JoinedAt      time.Time `bun:"joined_at,nullzero,notnull,default:current_timestamp"`
}

type paymentRecord struct {
	bun.BaseModel `bun:"table:tanda_payments,alias:pay"`

	ID            string          `bun:"id,pk"`
	TandaID       string          `bun:"tanda_id,notnull"`
	UserID        string          `bun:"user_id,notnull"`
	Amount        decimal.Decimal `bun:"amount,notnull"`
	Type          string          `bun:"type,notnull"`
	Status        string          `bun:"status,notnull"`
	Round         int             `bun:"round,notnull"`
	ExternalRef   string          `bun:"external_ref,notnull"`
	FailureReason string          `bun:"failure_reason,notnull"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type sagaRecord struct {
	bun.BaseModel `bun:"table:payment_sagas,alias:ps"`

	ID                   string     `bun:"id,pk"`
	PaymentID            string     `bun:"payment_id,notnull"`
	TandaID              string     `bun:"tanda_id,notnull"`
	Stage                string     `bun:"stage,notnull"`
	ContinuationURI      string     `bun:"continuation_uri,notnull"`
	ContinuationToken    string     `bun:"continuation_token,notnull"`
	QuoteID              string     `bun:"quote_id,notnull"`
	WalletResourceServer string     `bun:"wallet_resource_server,notnull"`
	WalletID             string     `bun:"wallet_id,notnull"`
	ReceiverWalletID     string     `bun:"receiver_wallet_id,notnull"`
	IncomingPaymentID    string     `bun:"incoming_payment_id,notnull"`
	DebitValue           string     `bun:"debit_value,notnull"`
	DebitAssetCode       string     `bun:"debit_asset_code,notnull"`
	DebitAssetScale      int        `bun:"debit_asset_scale,notnull"`
	InteractionURL       string     `bun:"interaction_url,notnull"`
	InteractNonce        string     `bun:"interact_nonce,notnull"`
	InteractFinish       string     `bun:"interact_finish,notnull"`
	GrantEndpoint        string     `bun:"grant_endpoint,notnull"`
	ManageURL            string     `bun:"manage_url,notnull"`
	OutgoingPaymentID    string     `bun:"outgoing_payment_id,notnull"`
	FailureReason        string     `bun:"failure_reason,notnull"`
	ClaimedAt            *time.Time `bun:"claimed_at,nullzero"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt            *time.Time `bun:"expires_at,nullzero"`
}
