// Package openpayments is an HTTP client for Open Payments wallet, grant
// (GNAP), quote and payment resources.
package openpayments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tandas/core"
	"github.com/goliatone/go-tandas/transport"
)

const ProviderName = "openpayments"

type Option func(*Client)

func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(c *Client) {
		if client != nil {
			c.rest.Client = client
		}
	}
}

func WithSigner(signer transport.RequestSigner) Option {
	return func(c *Client) {
		c.rest.Signer = signer
	}
}

func WithReliability(reliability Reliability) Option {
	return func(c *Client) {
		c.reliability = reliability
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithWalletCache memoizes wallet lookups in cacheService.
func WithWalletCache(cacheService repositorycache.CacheService) Option {
	return func(c *Client) {
		c.walletCache = cacheService
	}
}

// Client talks to wallet, authorization and resource servers on behalf of
// one client wallet address, which identifies this application in grant
// requests.
type Client struct {
	clientWallet string
	rest         *transport.RESTAdapter
	reliability  Reliability
	timeout      time.Duration
	walletCache  repositorycache.CacheService
	wallets      core.WalletResolver
}

func NewClient(clientWallet string, opts ...Option) (*Client, error) {
	clientWallet = core.NormalizeWalletLocator(clientWallet)
	if clientWallet == "" {
		return nil, fmt.Errorf("openpayments: client wallet address is required")
	}
	c := &Client{
		clientWallet: clientWallet,
		rest:         transport.NewRESTAdapter(nil),
		timeout:      15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.wallets = walletFetcher{client: c}
	if c.walletCache != nil {
		cached, err := NewCachedWalletResolver(c.wallets, c.walletCache)
		if err != nil {
			return nil, err
		}
		c.wallets = cached
	}
	return c, nil
}

// NewFromConfig builds a client with retry, breaker, request signing and the
// wallet cache configured from cfg.
func NewFromConfig(cfg core.ProtocolConfig, opts ...Option) (*Client, error) {
	base := []Option{
		WithTimeout(cfg.Timeout),
		WithReliability(DefaultReliability(cfg)),
	}
	if strings.TrimSpace(cfg.KeyID) != "" && strings.TrimSpace(cfg.PrivateKeyPath) != "" {
		signer, err := LoadSigner(cfg.KeyID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		base = append(base, WithSigner(signer))
	}
	if cfg.WalletCacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cfg.WalletCacheTTL
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("openpayments: wallet cache: %w", err)
		}
		base = append(base, WithWalletCache(cacheService))
	}
	return NewClient(cfg.WalletAddress, append(base, opts...)...)
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) ResolveWallet(ctx context.Context, locator string) (core.Wallet, error) {
	return c.wallets.ResolveWallet(ctx, locator)
}

type walletFetcher struct {
	client *Client
}

func (f walletFetcher) ResolveWallet(ctx context.Context, locator string) (core.Wallet, error) {
	return f.client.fetchWallet(ctx, locator)
}

func (c *Client) fetchWallet(ctx context.Context, locator string) (core.Wallet, error) {
	locator = core.NormalizeWalletLocator(locator)
	parsed, err := url.Parse(locator)
	if err != nil || parsed.Scheme != "https" && parsed.Scheme != "http" || parsed.Host == "" {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletMalformed, fmt.Sprintf("wallet locator %q is not an http(s) url", locator), nil)
	}

	var doc walletAddressJSON
	err = c.reliability.Do(ctx, func() error {
		res, err := c.rest.Do(ctx, transport.Request{Method: http.MethodGet, URL: locator, Timeout: c.timeout})
		if err != nil {
			return err
		}
		if err := transport.StatusError(res, "openpayments: get wallet address"); err != nil {
			return err
		}
		return res.DecodeJSON(&doc)
	})
	if err != nil {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletUnreachable, fmt.Sprintf("wallet %s is unreachable", locator), err)
	}
	if strings.TrimSpace(doc.AuthServer) == "" || strings.TrimSpace(doc.ResourceServer) == "" {
		return core.Wallet{}, core.ProtocolError(core.ErrorWalletMalformed, fmt.Sprintf("wallet %s did not advertise its servers", locator), nil)
	}
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		id = locator
	}
	return core.Wallet{
		ID:             id,
		PublicName:     doc.PublicName,
		AssetCode:      doc.AssetCode,
		AssetScale:     doc.AssetScale,
		AuthServer:     strings.TrimSpace(doc.AuthServer),
		ResourceServer: strings.TrimSpace(doc.ResourceServer),
	}, nil
}

func (c *Client) RequestGrant(ctx context.Context, authServer string, req core.GrantRequest) (core.Grant, error) {
	if strings.TrimSpace(authServer) == "" {
		return core.Grant{}, core.ProtocolError(core.ErrorProtocolFailed, "authorization server is required", nil)
	}
	var out grantResponseJSON
	err := c.reliability.Do(ctx, func() error {
		res, err := c.rest.DoJSON(ctx, transport.Request{
			Method:  http.MethodPost,
			URL:     authServer,
			Timeout: c.timeout,
		}, newGrantRequestJSON(c.clientWallet, req))
		if err != nil {
			return err
		}
		if err := transport.StatusError(res, "openpayments: request grant"); err != nil {
			return err
		}
		return res.DecodeJSON(&out)
	})
	if err != nil {
		return core.Grant{}, grantError(err, "grant request was rejected")
	}
	return out.domain(), nil
}

func (c *Client) ContinueGrant(ctx context.Context, continueURI string, continueToken string, interactRef string) (core.Grant, error) {
	if strings.TrimSpace(continueURI) == "" || strings.TrimSpace(continueToken) == "" {
		return core.Grant{}, core.ProtocolError(core.ErrorGrantDenied, "grant continuation is missing", nil)
	}
	var out grantResponseJSON
	err := c.reliability.Do(ctx, func() error {
		res, err := c.rest.DoJSON(ctx, transport.Request{
			Method:  http.MethodPost,
			URL:     continueURI,
			Headers: gnapHeader(continueToken),
			Timeout: c.timeout,
		}, continueRequestJSON{InteractRef: strings.TrimSpace(interactRef)})
		if err != nil {
			return err
		}
		if err := transport.StatusError(res, "openpayments: continue grant"); err != nil {
			return err
		}
		return res.DecodeJSON(&out)
	})
	if err != nil {
		return core.Grant{}, grantError(err, "grant continuation was rejected")
	}
	grant := out.domain()
	if strings.TrimSpace(grant.AccessToken) == "" {
		return core.Grant{}, core.ProtocolError(core.ErrorGrantDenied, "grant continuation did not issue an access token", nil)
	}
	return grant, nil
}

func (c *Client) CreateIncomingPayment(ctx context.Context, resourceServer string, accessToken string, req core.IncomingPaymentRequest) (core.IncomingPayment, error) {
	var out incomingPaymentJSON
	err := c.reliability.Do(ctx, func() error {
		return c.postResource(ctx, resourceServer, "incoming-payments", accessToken, incomingPaymentRequestJSON{
			WalletAddress:  req.WalletID,
			IncomingAmount: toAmountJSON(req.IncomingAmount),
			ExpiresAt:      req.ExpiresAt,
			Metadata:       req.Metadata,
		}, &out, "openpayments: create incoming payment")
	})
	if err != nil {
		return core.IncomingPayment{}, core.ProtocolError(core.ErrorProtocolFailed, "incoming payment could not be created", err)
	}
	return core.IncomingPayment{
		ID:             out.ID,
		WalletID:       out.WalletAddress,
		IncomingAmount: out.IncomingAmount.domain(),
		ReceivedAmount: out.ReceivedAmount.domain(),
		Completed:      out.Completed,
	}, nil
}

func (c *Client) CreateQuote(ctx context.Context, resourceServer string, accessToken string, req core.QuoteRequest) (core.Quote, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = core.QuoteMethodILP
	}
	var out quoteJSON
	err := c.reliability.Do(ctx, func() error {
		return c.postResource(ctx, resourceServer, "quotes", accessToken, quoteRequestJSON{
			WalletAddress: req.WalletID,
			Receiver:      req.ReceiverPaymentID,
			Method:        method,
		}, &out, "openpayments: create quote")
	})
	if err != nil {
		return core.Quote{}, core.ProtocolError(core.ErrorProtocolFailed, "quote could not be created", err)
	}
	quote := core.Quote{
		ID:            out.ID,
		WalletID:      out.WalletAddress,
		Receiver:      out.Receiver,
		DebitAmount:   out.DebitAmount.domain(),
		ReceiveAmount: out.ReceiveAmount.domain(),
	}
	if out.ExpiresAt != nil {
		quote.ExpiresAt = out.ExpiresAt.UTC()
	}
	return quote, nil
}

// CreateOutgoingPayment is attempted once: a timeout after the server
// accepted the request must not become a second transfer.
func (c *Client) CreateOutgoingPayment(ctx context.Context, resourceServer string, accessToken string, req core.OutgoingPaymentRequest) (core.OutgoingPayment, error) {
	var out outgoingPaymentJSON
	err := c.reliability.Once(func() error {
		return c.postResource(ctx, resourceServer, "outgoing-payments", accessToken, outgoingPaymentRequestJSON{
			WalletAddress: req.WalletID,
			QuoteID:       req.QuoteID,
			Metadata:      req.Metadata,
		}, &out, "openpayments: create outgoing payment")
	})
	if err != nil {
		return core.OutgoingPayment{}, core.ProtocolError(core.ErrorProtocolFailed, "outgoing payment could not be created", err)
	}
	return core.OutgoingPayment{
		ID:            out.ID,
		WalletID:      out.WalletAddress,
		QuoteID:       out.QuoteID,
		Failed:        out.Failed,
		DebitAmount:   out.DebitAmount.domain(),
		SentAmount:    out.SentAmount.domain(),
		ReceiveAmount: out.ReceiveAmount.domain(),
	}, nil
}

func (c *Client) postResource(ctx context.Context, resourceServer string, resource string, accessToken string, payload any, out any, message string) error {
	endpoint, err := resourceURL(resourceServer, resource)
	if err != nil {
		return err
	}
	res, err := c.rest.DoJSON(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Headers: gnapHeader(accessToken),
		Timeout: c.timeout,
	}, payload)
	if err != nil {
		return err
	}
	if err := transport.StatusError(res, message); err != nil {
		return err
	}
	return res.DecodeJSON(out)
}

func resourceURL(resourceServer string, resource string) (string, error) {
	base := strings.TrimSpace(resourceServer)
	if base == "" {
		return "", core.ProtocolError(core.ErrorProtocolFailed, "resource server is required", nil)
	}
	return strings.TrimSuffix(base, "/") + "/" + resource, nil
}

func gnapHeader(token string) map[string]string {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "GNAP " + token}
}

// grantError turns auth-class rejections into GrantDenied and everything
// else into a generic protocol failure.
func grantError(err error, message string) error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		switch rich.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryBadInput:
			return core.ProtocolError(core.ErrorGrantDenied, message, err)
		}
	}
	return core.ProtocolError(core.ErrorProtocolFailed, message, err)
}

var _ core.PaymentProvider = (*Client)(nil)
