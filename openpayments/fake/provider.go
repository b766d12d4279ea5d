// Package fake is a deterministic in-memory payment provider. It resolves
// wallets, issues grants and moves no money; interactive grants redirect
// straight back to the finish URI as if the user had approved them.
package fake

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-tandas/core"
)

const (
	ProviderName = "fake"

	// ResultAccepted is the result value appended to auto-approved redirects.
	ResultAccepted = "grant_accepted"
)

type Option func(*Provider)

func WithClock(clock core.Clock) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithQuoteTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.quoteTTL = ttl
		}
	}
}

// WithAsset sets the asset every auto-resolved wallet holds.
func WithAsset(code string, scale int) Option {
	return func(p *Provider) {
		p.assetCode = strings.TrimSpace(code)
		p.assetScale = scale
	}
}

// WithWallet registers an explicit wallet for locator.
func WithWallet(locator string, wallet core.Wallet) Option {
	return func(p *Provider) {
		p.wallets[core.NormalizeWalletLocator(locator)] = wallet
	}
}

// WithStrictWallets disables auto-resolution; only registered wallets resolve.
func WithStrictWallets() Option {
	return func(p *Provider) {
		p.strict = true
	}
}

type Provider struct {
	mu         sync.Mutex
	clock      core.Clock
	quoteTTL   time.Duration
	assetCode  string
	assetScale int
	strict     bool

	wallets     map[string]core.Wallet
	unreachable map[string]bool
	denied      map[string]bool
	failOut     bool

	incoming map[string]core.Amount
	outgoing []core.OutgoingPaymentRequest
	grants   []core.GrantRequest
	seq      int
}

func New(opts ...Option) *Provider {
	p := &Provider{
		clock:       func() time.Time { return time.Now().UTC() },
		quoteTTL:    10 * time.Minute,
		assetCode:   "USD",
		assetScale:  2,
		wallets:     map[string]core.Wallet{},
		unreachable: map[string]bool{},
		denied:      map[string]bool{},
		incoming:    map[string]core.Amount{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) Name() string { return ProviderName }

// MarkUnreachable makes ResolveWallet fail for locator.
func (p *Provider) MarkUnreachable(locator string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable[core.NormalizeWalletLocator(locator)] = true
}

// DenyInteractRef makes ContinueGrant reject ref as if the user declined.
func (p *Provider) DenyInteractRef(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[strings.TrimSpace(ref)] = true
}

// FailOutgoingPayments makes every outgoing payment come back failed.
func (p *Provider) FailOutgoingPayments(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOut = fail
}

func (p *Provider) OutgoingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoing)
}

func (p *Provider) Outgoing() []core.OutgoingPaymentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.OutgoingPaymentRequest(nil), p.outgoing...)
}

func (p *Provider) Grants() []core.GrantRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.GrantRequest(nil), p.grants...)
}

func (p *Provider) ResolveWallet(ctx context.Context, locator string) (core.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return core.Wallet{}, err
	}
	locator = core.NormalizeWalletLocator(locator)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable[locator] {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletUnreachable, fmt.Sprintf("wallet %s is unreachable", locator), nil)
	}
	if wallet, ok := p.wallets[locator]; ok {
		return wallet, nil
	}
	if p.strict {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletUnreachable, fmt.Sprintf("wallet %s is unreachable", locator), nil)
	}
	parsed, err := url.Parse(locator)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletMalformed, fmt.Sprintf("wallet locator %q is not an https url", locator), nil)
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		name = parsed.Host
	}
	wallet := core.Wallet{
		ID:             locator,
		PublicName:     name,
		AssetCode:      p.assetCode,
		AssetScale:     p.assetScale,
		AuthServer:     "https://" + parsed.Host + "/auth",
		ResourceServer: "https://" + parsed.Host,
	}
	p.wallets[locator] = wallet
	return wallet, nil
}

func (p *Provider) RequestGrant(ctx context.Context, authServer string, req core.GrantRequest) (core.Grant, error) {
	if err := ctx.Err(); err != nil {
		return core.Grant{}, err
	}
	if len(req.Access) == 0 {
		return core.Grant{}, core.ProtocolError(core.ErrorProtocolFailed, "grant request has no access items", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants = append(p.grants, req)
	p.seq++
	if !req.Interactive() {
		return core.Grant{AccessToken: fmt.Sprintf("fake-%s-token-%d", req.Access[0].Type, p.seq)}, nil
	}

	continueURI := fmt.Sprintf("%s/continue/%d", strings.TrimSuffix(authServer, "/"), p.seq)
	redirect := continueURI + "/interact"
	finishNonce := fmt.Sprintf("fake-finish-%d", p.seq)
	if finish := strings.TrimSpace(req.Interact.FinishURI); finish != "" {
		interactRef := fmt.Sprintf("fake-ref-%d", p.seq)
		approved, err := appendQuery(finish, map[string]string{
			"interact_ref": interactRef,
			"hash":         core.InteractHash(req.Interact.Nonce, finishNonce, interactRef, authServer),
			"result":       ResultAccepted,
		})
		if err != nil {
			return core.Grant{}, core.ProtocolError(core.ErrorProtocolFailed, "invalid finish uri", err)
		}
		redirect = approved
	}
	return core.Grant{
		InteractRedirect: redirect,
		InteractFinish:   finishNonce,
		ContinueURI:      continueURI,
		ContinueToken:    fmt.Sprintf("fake-continue-%d", p.seq),
	}, nil
}

func (p *Provider) ContinueGrant(ctx context.Context, continueURI string, continueToken string, interactRef string) (core.Grant, error) {
	if err := ctx.Err(); err != nil {
		return core.Grant{}, err
	}
	if strings.TrimSpace(continueToken) == "" {
		return core.Grant{}, core.ProtocolError(core.ErrorGrantDenied, "continuation token is required", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied[strings.TrimSpace(interactRef)] {
		return core.Grant{}, core.ProtocolError(core.ErrorGrantDenied, "grant was rejected", nil)
	}
	return core.Grant{
		AccessToken: "fake-outgoing-" + continueToken,
		ManageURL:   strings.TrimSuffix(continueURI, "/") + "/manage",
	}, nil
}

func (p *Provider) CreateIncomingPayment(ctx context.Context, resourceServer string, _ string, req core.IncomingPaymentRequest) (core.IncomingPayment, error) {
	if err := ctx.Err(); err != nil {
		return core.IncomingPayment{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("%s/incoming-payments/%d", strings.TrimSuffix(resourceServer, "/"), p.seq)
	p.incoming[id] = req.IncomingAmount
	return core.IncomingPayment{
		ID:             id,
		WalletID:       req.WalletID,
		IncomingAmount: req.IncomingAmount,
		ReceivedAmount: core.Amount{Value: "0", AssetCode: req.IncomingAmount.AssetCode, AssetScale: req.IncomingAmount.AssetScale},
	}, nil
}

func (p *Provider) CreateQuote(ctx context.Context, resourceServer string, _ string, req core.QuoteRequest) (core.Quote, error) {
	if err := ctx.Err(); err != nil {
		return core.Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.incoming[req.ReceiverPaymentID]
	if !ok {
		return core.Quote{}, core.ProtocolError(core.ErrorProtocolFailed, fmt.Sprintf("unknown receiver %s", req.ReceiverPaymentID), nil)
	}
	p.seq++
	return core.Quote{
		ID:            fmt.Sprintf("%s/quotes/%d", strings.TrimSuffix(resourceServer, "/"), p.seq),
		WalletID:      req.WalletID,
		Receiver:      req.ReceiverPaymentID,
		DebitAmount:   amount,
		ReceiveAmount: amount,
		ExpiresAt:     p.clock().Add(p.quoteTTL),
	}, nil
}

func (p *Provider) CreateOutgoingPayment(ctx context.Context, resourceServer string, _ string, req core.OutgoingPaymentRequest) (core.OutgoingPayment, error) {
	if err := ctx.Err(); err != nil {
		return core.OutgoingPayment{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = append(p.outgoing, req)
	payment := core.OutgoingPayment{
		ID:       fmt.Sprintf("%s/outgoing-payments/%d", strings.TrimSuffix(resourceServer, "/"), len(p.outgoing)),
		WalletID: req.WalletID,
		QuoteID:  req.QuoteID,
		Failed:   p.failOut,
	}
	return payment, nil
}

func appendQuery(raw string, values map[string]string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for key, value := range values {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

var _ core.PaymentProvider = (*Provider)(nil)
