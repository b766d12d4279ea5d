package tandas

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-tandas/core"
	"github.com/goliatone/go-tandas/openpayments"
	"github.com/goliatone/go-tandas/openpayments/fake"
)

func FakeProvider(opts ...fake.Option) core.PaymentProvider {
	return fake.New(opts...)
}

func OpenPaymentsProvider(cfg core.ProtocolConfig, opts ...openpayments.Option) (core.PaymentProvider, error) {
	client, err := openpayments.NewFromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// PaymentProviderFor builds the provider named by cfg.Provider. An empty name
// selects the fake provider.
func PaymentProviderFor(cfg core.ProtocolConfig) (core.PaymentProvider, error) {
	switch strings.TrimSpace(cfg.Provider) {
	case "", core.ProviderFake:
		return FakeProvider(), nil
	case core.ProviderOpenPayments:
		if strings.TrimSpace(cfg.WalletAddress) == "" {
			return nil, fmt.Errorf("tandas: protocol.wallet_address is required for the openpayments provider")
		}
		return OpenPaymentsProvider(cfg)
	default:
		return nil, fmt.Errorf("tandas: unknown payment provider %q", cfg.Provider)
	}
}
