package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"github.com/google/uuid"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StoreFactory builds the ledger/saga store from a persistence client.
type StoreFactory interface {
	BuildStore(persistenceClient any) (Store, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	ledgerStore       LedgerStore
	sagaStore         SagaStore
	paymentProvider   PaymentProvider
	jobEnqueuer       JobEnqueuer
	retryPolicy       RetryPolicy
	clock             Clock
	idGenerator       IDGenerator
	nonceGenerator    IDGenerator
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a StoreFactory or a ready Store.
func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithStore(store Store) Option {
	return func(b *serviceBuilder) {
		b.ledgerStore = store
		b.sagaStore = store
	}
}

func WithLedgerStore(store LedgerStore) Option {
	return func(b *serviceBuilder) {
		b.ledgerStore = store
	}
}

func WithSagaStore(store SagaStore) Option {
	return func(b *serviceBuilder) {
		b.sagaStore = store
	}
}

func WithPaymentProvider(provider PaymentProvider) Option {
	return func(b *serviceBuilder) {
		b.paymentProvider = provider
	}
}

// WithJobEnqueuer routes saga expiry through a job queue instead of applying
// it inline during the sweep.
func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.jobEnqueuer = enqueuer
	}
}

func WithSettlementRetryPolicy(policy RetryPolicy) Option {
	return func(b *serviceBuilder) {
		b.retryPolicy = policy
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func WithIDGenerator(generator IDGenerator) Option {
	return func(b *serviceBuilder) {
		b.idGenerator = generator
	}
}

func WithNonceGenerator(generator IDGenerator) Option {
	return func(b *serviceBuilder) {
		b.nonceGenerator = generator
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("tandas", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		retryPolicy:     DefaultSettlementRetryPolicy(),
		clock:           SystemClock,
		idGenerator:     uuid.NewString,
		nonceGenerator:  uuid.NewString,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return tandaErrorMapper(err)
}

// SystemClock returns the current UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// NewStaticConfigLoader serves a fixed raw map, typically built from env vars.
func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap keeps only set values unless includeZero is true, so a
// partially populated runtime Config does not erase lower layers.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	ledger := map[string]any{}
	putInt(ledger, "min_participants", cfg.Ledger.MinParticipants, includeZero)
	putInt(ledger, "max_participants", cfg.Ledger.MaxParticipants, includeZero)
	putInt(ledger, "amount_scale", cfg.Ledger.AmountScale, includeZero)
	putSection(layer, "ledger", ledger)

	saga := map[string]any{}
	putDuration(saga, "ttl", cfg.Saga.TTL, includeZero)
	putDuration(saga, "claim_timeout", cfg.Saga.ClaimTimeout, includeZero)
	putString(saga, "callback_url", cfg.Saga.CallbackURL, includeZero)
	putDuration(saga, "sweep_interval", cfg.Saga.SweepInterval, includeZero)
	putInt(saga, "sweep_batch", cfg.Saga.SweepBatch, includeZero)
	putSection(layer, "saga", saga)

	if includeZero || cfg.Payouts.Enabled {
		layer["payouts"] = map[string]any{"enabled": cfg.Payouts.Enabled}
	}

	protocol := map[string]any{}
	putString(protocol, "provider", cfg.Protocol.Provider, includeZero)
	putString(protocol, "wallet_address", cfg.Protocol.WalletAddress, includeZero)
	putString(protocol, "key_id", cfg.Protocol.KeyID, includeZero)
	putString(protocol, "private_key_path", cfg.Protocol.PrivateKeyPath, includeZero)
	putDuration(protocol, "timeout", cfg.Protocol.Timeout, includeZero)
	putDuration(protocol, "wallet_cache_ttl", cfg.Protocol.WalletCacheTTL, includeZero)
	retry := map[string]any{}
	putInt(retry, "max_attempts", cfg.Protocol.Retry.MaxAttempts, includeZero)
	putDuration(retry, "base_delay", cfg.Protocol.Retry.BaseDelay, includeZero)
	putDuration(retry, "max_delay", cfg.Protocol.Retry.MaxDelay, includeZero)
	putSection(protocol, "retry", retry)
	breaker := map[string]any{}
	putInt(breaker, "failure_threshold", cfg.Protocol.Breaker.FailureThreshold, includeZero)
	putDuration(breaker, "cooldown", cfg.Protocol.Breaker.Cooldown, includeZero)
	putSection(protocol, "breaker", breaker)
	putSection(layer, "protocol", protocol)

	return layer
}

func putString(section map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		section[key] = strings.TrimSpace(value)
	}
}

func putInt(section map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putDuration(section map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putSection(parent map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		parent[key] = section
	}
}
