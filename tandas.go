// Package tandas wires the rotation ledger, the payment saga orchestrator
// and a payment provider into a ready to use service.
package tandas

import (
	"github.com/goliatone/go-tandas/core"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type CreateTandaRequest = core.CreateTandaRequest
type JoinRequest = core.JoinRequest
type ContributionRequest = core.ContributionRequest
type CompletePaymentRequest = core.CompletePaymentRequest
type PaymentFilter = core.PaymentFilter

var (
	WithLogger                = core.WithLogger
	WithLoggerProvider        = core.WithLoggerProvider
	WithErrorFactory          = core.WithErrorFactory
	WithErrorMapper           = core.WithErrorMapper
	WithPersistenceClient     = core.WithPersistenceClient
	WithRepositoryFactory     = core.WithRepositoryFactory
	WithConfigProvider        = core.WithConfigProvider
	WithOptionsResolver       = core.WithOptionsResolver
	WithStore                 = core.WithStore
	WithLedgerStore           = core.WithLedgerStore
	WithSagaStore             = core.WithSagaStore
	WithPaymentProvider       = core.WithPaymentProvider
	WithJobEnqueuer           = core.WithJobEnqueuer
	WithSettlementRetryPolicy = core.WithSettlementRetryPolicy
	WithClock                 = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewService builds a service without choosing a payment provider; pass one
// with WithPaymentProvider.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

// New resolves cfg against the defaults, builds the payment provider named by
// protocol.provider and returns the service. A WithPaymentProvider option in
// opts takes precedence over the configured one.
func New(cfg Config, opts ...Option) (*Service, error) {
	resolved, err := core.GoOptionsResolver{}.Resolve(core.DefaultConfig(), Config{}, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := PaymentProviderFor(resolved.Protocol)
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(opts)+1)
	all = append(all, core.WithPaymentProvider(provider))
	all = append(all, opts...)
	return core.NewService(cfg, all...)
}
