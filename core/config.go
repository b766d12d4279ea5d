package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenPayments = "openpayments"
	ProviderFake         = "fake"
)

type LedgerConfig struct {
	MinParticipants int `koanf:"min_participants" mapstructure:"min_participants"`
	MaxParticipants int `koanf:"max_participants" mapstructure:"max_participants"`
	// AmountScale bounds the number of decimal places accepted for amounts.
	AmountScale int `koanf:"amount_scale" mapstructure:"amount_scale"`
}

type SagaConfig struct {
	TTL           time.Duration `koanf:"ttl" mapstructure:"ttl"`
	ClaimTimeout  time.Duration `koanf:"claim_timeout" mapstructure:"claim_timeout"`
	CallbackURL   string        `koanf:"callback_url" mapstructure:"callback_url"`
	SweepInterval time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
	SweepBatch    int           `koanf:"sweep_batch" mapstructure:"sweep_batch"`
}

type PayoutConfig struct {
	Enabled bool `koanf:"enabled" mapstructure:"enabled"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown" mapstructure:"cooldown"`
}

type ProtocolConfig struct {
	Provider       string        `koanf:"provider" mapstructure:"provider"`
	WalletAddress  string        `koanf:"wallet_address" mapstructure:"wallet_address"`
	KeyID          string        `koanf:"key_id" mapstructure:"key_id"`
	PrivateKeyPath string        `koanf:"private_key_path" mapstructure:"private_key_path"`
	Timeout        time.Duration `koanf:"timeout" mapstructure:"timeout"`
	WalletCacheTTL time.Duration `koanf:"wallet_cache_ttl" mapstructure:"wallet_cache_ttl"`
	Retry          RetryConfig   `koanf:"retry" mapstructure:"retry"`
	Breaker        BreakerConfig `koanf:"breaker" mapstructure:"breaker"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Ledger      LedgerConfig   `koanf:"ledger" mapstructure:"ledger"`
	Saga        SagaConfig     `koanf:"saga" mapstructure:"saga"`
	Payouts     PayoutConfig   `koanf:"payouts" mapstructure:"payouts"`
	Protocol    ProtocolConfig `koanf:"protocol" mapstructure:"protocol"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "tandas",
		Ledger: LedgerConfig{
			MinParticipants: 3,
			MaxParticipants: 24,
			AmountScale:     2,
		},
		Saga: SagaConfig{
			TTL:           30 * time.Minute,
			ClaimTimeout:  10 * time.Minute,
			CallbackURL:   "http://localhost:8080/payments/callback",
			SweepInterval: time.Minute,
			SweepBatch:    100,
		},
		Protocol: ProtocolConfig{
			Provider:       ProviderFake,
			Timeout:        15 * time.Second,
			WalletCacheTTL: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Ledger.MinParticipants < 2 {
		return fmt.Errorf("core: ledger.min_participants must be at least 2")
	}
	if c.Ledger.MaxParticipants < c.Ledger.MinParticipants {
		return fmt.Errorf("core: ledger.max_participants must be >= ledger.min_participants")
	}
	if c.Ledger.AmountScale < 0 || c.Ledger.AmountScale > 8 {
		return fmt.Errorf("core: ledger.amount_scale must be between 0 and 8")
	}
	if c.Saga.TTL <= 0 {
		return fmt.Errorf("core: saga.ttl must be positive")
	}
	if c.Saga.ClaimTimeout <= 0 {
		return fmt.Errorf("core: saga.claim_timeout must be positive")
	}
	if c.Saga.SweepBatch <= 0 {
		return fmt.Errorf("core: saga.sweep_batch must be positive")
	}
	callback, err := url.Parse(strings.TrimSpace(c.Saga.CallbackURL))
	if err != nil || callback.Scheme == "" || callback.Host == "" {
		return fmt.Errorf("core: saga.callback_url must be an absolute url")
	}
	switch strings.TrimSpace(c.Protocol.Provider) {
	case ProviderOpenPayments:
		if strings.TrimSpace(c.Protocol.WalletAddress) == "" {
			return fmt.Errorf("core: protocol.wallet_address is required for the openpayments provider")
		}
	case ProviderFake:
	default:
		return fmt.Errorf("core: protocol.provider %q is invalid", c.Protocol.Provider)
	}
	if c.Protocol.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: protocol.retry.max_attempts must be at least 1")
	}
	return nil
}
