package openpayments

import (
	"time"

	"github.com/goliatone/go-tandas/core"
)

type amountJSON struct {
	Value      string `json:"value"`
	AssetCode  string `json:"assetCode"`
	AssetScale int    `json:"assetScale"`
}

func toAmountJSON(amount core.Amount) *amountJSON {
	if amount.IsZero() {
		return nil
	}
	return &amountJSON{Value: amount.Value, AssetCode: amount.AssetCode, AssetScale: amount.AssetScale}
}

func (a *amountJSON) domain() core.Amount {
	if a == nil {
		return core.Amount{}
	}
	return core.Amount{Value: a.Value, AssetCode: a.AssetCode, AssetScale: a.AssetScale}
}

type walletAddressJSON struct {
	ID             string `json:"id"`
	PublicName     string `json:"publicName"`
	AssetCode      string `json:"assetCode"`
	AssetScale     int    `json:"assetScale"`
	AuthServer     string `json:"authServer"`
	ResourceServer string `json:"resourceServer"`
}

type accessLimitsJSON struct {
	DebitAmount   *amountJSON `json:"debitAmount,omitempty"`
	ReceiveAmount *amountJSON `json:"receiveAmount,omitempty"`
}

type accessItemJSON struct {
	Type       string            `json:"type"`
	Actions    []string          `json:"actions"`
	Identifier string            `json:"identifier,omitempty"`
	Limits     *accessLimitsJSON `json:"limits,omitempty"`
}

type interactFinishJSON struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	Nonce  string `json:"nonce"`
}

type interactJSON struct {
	Start  []string            `json:"start"`
	Finish *interactFinishJSON `json:"finish,omitempty"`
}

type grantRequestJSON struct {
	AccessToken struct {
		Access []accessItemJSON `json:"access"`
	} `json:"access_token"`
	Client   string        `json:"client"`
	Interact *interactJSON `json:"interact,omitempty"`
}

type continueRequestJSON struct {
	InteractRef string `json:"interact_ref,omitempty"`
}

type grantResponseJSON struct {
	AccessToken *struct {
		Value     string `json:"value"`
		Manage    string `json:"manage"`
		ExpiresIn int    `json:"expires_in"`
	} `json:"access_token"`
	Interact *struct {
		Redirect string `json:"redirect"`
		Finish   string `json:"finish"`
	} `json:"interact"`
	Continue *struct {
		AccessToken struct {
			Value string `json:"value"`
		} `json:"access_token"`
		URI  string `json:"uri"`
		Wait int    `json:"wait"`
	} `json:"continue"`
}

func (g grantResponseJSON) domain() core.Grant {
	grant := core.Grant{}
	if g.AccessToken != nil {
		grant.AccessToken = g.AccessToken.Value
		grant.ManageURL = g.AccessToken.Manage
		grant.ExpiresIn = g.AccessToken.ExpiresIn
	}
	if g.Interact != nil {
		grant.InteractRedirect = g.Interact.Redirect
		grant.InteractFinish = g.Interact.Finish
	}
	if g.Continue != nil {
		grant.ContinueURI = g.Continue.URI
		grant.ContinueToken = g.Continue.AccessToken.Value
		grant.ContinueWait = g.Continue.Wait
	}
	return grant
}

func newGrantRequestJSON(client string, req core.GrantRequest) grantRequestJSON {
	payload := grantRequestJSON{Client: client}
	for _, item := range req.Access {
		wire := accessItemJSON{
			Type:       item.Type,
			Actions:    append([]string(nil), item.Actions...),
			Identifier: item.Identifier,
		}
		if item.Limits != nil {
			limits := &accessLimitsJSON{}
			if item.Limits.DebitAmount != nil {
				limits.DebitAmount = toAmountJSON(*item.Limits.DebitAmount)
			}
			if item.Limits.ReceiveAmount != nil {
				limits.ReceiveAmount = toAmountJSON(*item.Limits.ReceiveAmount)
			}
			wire.Limits = limits
		}
		payload.AccessToken.Access = append(payload.AccessToken.Access, wire)
	}
	if req.Interact != nil {
		interact := &interactJSON{Start: append([]string(nil), req.Interact.Start...)}
		if req.Interact.FinishURI != "" {
			interact.Finish = &interactFinishJSON{
				Method: req.Interact.FinishMethod,
				URI:    req.Interact.FinishURI,
				Nonce:  req.Interact.Nonce,
			}
		}
		payload.Interact = interact
	}
	return payload
}

type incomingPaymentRequestJSON struct {
	WalletAddress  string         `json:"walletAddress"`
	IncomingAmount *amountJSON    `json:"incomingAmount,omitempty"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type incomingPaymentJSON struct {
	ID             string      `json:"id"`
	WalletAddress  string      `json:"walletAddress"`
	IncomingAmount *amountJSON `json:"incomingAmount"`
	ReceivedAmount *amountJSON `json:"receivedAmount"`
	Completed      bool        `json:"completed"`
}

type quoteRequestJSON struct {
	WalletAddress string `json:"walletAddress"`
	Receiver      string `json:"receiver"`
	Method        string `json:"method"`
}

type quoteJSON struct {
	ID            string      `json:"id"`
	WalletAddress string      `json:"walletAddress"`
	Receiver      string      `json:"receiver"`
	DebitAmount   *amountJSON `json:"debitAmount"`
	ReceiveAmount *amountJSON `json:"receiveAmount"`
	ExpiresAt     *time.Time  `json:"expiresAt"`
}

type outgoingPaymentRequestJSON struct {
	WalletAddress string         `json:"walletAddress"`
	QuoteID       string         `json:"quoteId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type outgoingPaymentJSON struct {
	ID            string      `json:"id"`
	WalletAddress string      `json:"walletAddress"`
	QuoteID       string      `json:"quoteId"`
	Failed        bool        `json:"failed"`
	DebitAmount   *amountJSON `json:"debitAmount"`
	SentAmount    *amountJSON `json:"sentAmount"`
	ReceiveAmount *amountJSON `json:"receiveAmount"`
}
