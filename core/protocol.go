package core

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a protocol amount expressed in minor units of AssetCode.
type Amount struct {
	Value      string
	AssetCode  string
	AssetScale int
}

// AmountFromDecimal converts a major-unit decimal into minor units for the
// given asset. Sub-minor fractions are rounded half away from zero.
func AmountFromDecimal(value decimal.Decimal, assetCode string, assetScale int) Amount {
	minor := value.Shift(int32(assetScale)).Round(0)
	return Amount{
		Value:      minor.String(),
		AssetCode:  strings.TrimSpace(assetCode),
		AssetScale: assetScale,
	}
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() (decimal.Decimal, error) {
	value := strings.TrimSpace(a.Value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("core: amount value is required")
	}
	minor, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("core: invalid amount value %q: %w", value, err)
	}
	return minor.Shift(-int32(a.AssetScale)), nil
}

func (a Amount) IsZero() bool {
	return strings.TrimSpace(a.Value) == ""
}

type Wallet struct {
	ID             string `json:"id"`
	PublicName     string `json:"public_name,omitempty"`
	AssetCode      string `json:"asset_code"`
	AssetScale     int    `json:"asset_scale"`
	AuthServer     string `json:"auth_server"`
	ResourceServer string `json:"resource_server"`
}

const (
	AccessTypeIncomingPayment = "incoming-payment"
	AccessTypeOutgoingPayment = "outgoing-payment"
	AccessTypeQuote           = "quote"
)

type AccessLimits struct {
	DebitAmount   *Amount
	ReceiveAmount *Amount
}

type AccessItem struct {
	Type       string
	Actions    []string
	Identifier string
	Limits     *AccessLimits
}

type InteractRequest struct {
	Start        []string
	FinishMethod string
	FinishURI    string
	Nonce        string
}

type GrantRequest struct {
	Access   []AccessItem
	Interact *InteractRequest
}

func (r GrantRequest) Interactive() bool {
	return r.Interact != nil
}

// Grant is either an issued access token or a pending interactive grant
// that must be continued after the user approves it.
type Grant struct {
	AccessToken      string
	ManageURL        string
	ExpiresIn        int
	InteractRedirect string
	InteractFinish   string
	ContinueURI      string
	ContinueToken    string
	ContinueWait     int
}

func (g Grant) Pending() bool {
	return strings.TrimSpace(g.InteractRedirect) != ""
}

type IncomingPaymentRequest struct {
	WalletID       string
	IncomingAmount Amount
	ExpiresAt      *time.Time
	Metadata       map[string]any
}

type IncomingPayment struct {
	ID             string
	WalletID       string
	IncomingAmount Amount
	ReceivedAmount Amount
	Completed      bool
}

type QuoteRequest struct {
	WalletID          string
	ReceiverPaymentID string
	Method            string
}

type Quote struct {
	ID            string
	WalletID      string
	Receiver      string
	DebitAmount   Amount
	ReceiveAmount Amount
	ExpiresAt     time.Time
}

func (q Quote) ExpiredAt(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

type OutgoingPaymentRequest struct {
	WalletID string
	QuoteID  string
	Metadata map[string]any
}

type OutgoingPayment struct {
	ID            string
	WalletID      string
	QuoteID       string
	Failed        bool
	DebitAmount   Amount
	SentAmount    Amount
	ReceiveAmount Amount
}

type WalletResolver interface {
	ResolveWallet(ctx context.Context, locator string) (Wallet, error)
}

type GrantNegotiator interface {
	RequestGrant(ctx context.Context, authServer string, req GrantRequest) (Grant, error)
	ContinueGrant(ctx context.Context, continueURI string, continueToken string, interactRef string) (Grant, error)
}

type QuoteService interface {
	CreateQuote(ctx context.Context, resourceServer string, accessToken string, req QuoteRequest) (Quote, error)
}

type PaymentService interface {
	CreateIncomingPayment(ctx context.Context, resourceServer string, accessToken string, req IncomingPaymentRequest) (IncomingPayment, error)
	CreateOutgoingPayment(ctx context.Context, resourceServer string, accessToken string, req OutgoingPaymentRequest) (OutgoingPayment, error)
}

// PaymentProvider bundles the protocol capabilities the orchestrator needs.
// Real and fake implementations are selected when the service is built.
type PaymentProvider interface {
	WalletResolver
	GrantNegotiator
	QuoteService
	PaymentService
	Name() string
}

// InteractHash is the hash an authorization server appends to the finish
// redirect: base64(sha256(clientNonce, finishNonce, interactRef and the grant
// endpoint, joined by newlines)).
func InteractHash(clientNonce string, finishNonce string, interactRef string, grantEndpoint string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{clientNonce, finishNonce, interactRef, grantEndpoint}, "\n")))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyInteractHash reports whether hash matches the saga's grant. Sagas
// created before the finish nonce was stored cannot be checked and pass.
func VerifyInteractHash(saga PaymentSaga, interactRef string, hash string) bool {
	if saga.InteractFinish == "" {
		return true
	}
	want := InteractHash(saga.InteractNonce, saga.InteractFinish, interactRef, saga.GrantEndpoint)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(hash))) == 1
}

// NormalizeWalletLocator turns payment pointers ($host/path) into https URLs.
func NormalizeWalletLocator(locator string) string {
	locator = strings.TrimSpace(locator)
	if strings.HasPrefix(locator, "$") {
		return "https://" + strings.TrimPrefix(locator, "$")
	}
	return locator
}
