package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config            Config
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
	clock             Clock

	ledger       *RotationLedger
	orchestrator *PaymentOrchestrator
	settlement   *SettlementCoordinator
	sweeper      *SagaSweeper
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	LedgerStore       LedgerStore
	SagaStore         SagaStore
	PaymentProvider   PaymentProvider
	JobEnqueuer       JobEnqueuer
}

type CompletePaymentRequest struct {
	SagaID      string
	InteractRef string
	// Hash, when set, must match the grant's interaction hash.
	Hash string
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("tandas", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("tandas"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = SystemClock
	}
	if builder.retryPolicy.MaxAttempts == 0 && builder.retryPolicy.ShouldRetry == nil {
		builder.retryPolicy = DefaultSettlementRetryPolicy()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if (builder.ledgerStore == nil || builder.sagaStore == nil) && builder.repositoryFactory != nil {
		var store Store
		switch factory := builder.repositoryFactory.(type) {
		case StoreFactory:
			built, buildErr := factory.BuildStore(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			store = built
		case Store:
			store = factory
		}
		if store != nil {
			if builder.ledgerStore == nil {
				builder.ledgerStore = store
			}
			if builder.sagaStore == nil {
				builder.sagaStore = store
			}
		}
	}
	if builder.ledgerStore == nil || builder.sagaStore == nil {
		memory := NewMemoryStore()
		if builder.ledgerStore == nil {
			builder.ledgerStore = memory
		}
		if builder.sagaStore == nil {
			builder.sagaStore = memory
		}
	}

	ledger := NewRotationLedger(builder.ledgerStore, finalConfig.Ledger, builder.clock, builder.idGenerator)
	ledger.SetSagaLookup(builder.sagaStore.ListSagasByPayment, finalConfig.Saga.ClaimTimeout)
	orchestrator := NewPaymentOrchestrator(ledger, builder.sagaStore, builder.paymentProvider, OrchestratorConfig{
		CallbackURL:  finalConfig.Saga.CallbackURL,
		SagaTTL:      finalConfig.Saga.TTL,
		ClaimTimeout: finalConfig.Saga.ClaimTimeout,
	})
	orchestrator.SetLogger(logger)
	orchestrator.SetClock(builder.clock)
	orchestrator.SetIDGenerators(builder.idGenerator, builder.nonceGenerator)

	settlement := NewSettlementCoordinator(ledger, builder.retryPolicy)
	settlement.SetLogger(logger)
	if finalConfig.Payouts.Enabled {
		settlement.SetPayoutInitiator(orchestrator)
	}
	orchestrator.SetSettlementHandler(settlement)

	sweeper := NewSagaSweeper(orchestrator, builder.jobEnqueuer, finalConfig.Saga.SweepBatch)
	sweeper.SetLogger(logger)
	sweeper.SetClock(builder.clock)
	sweeper.SetReconciler(settlement)

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		ledgerStore:       builder.ledgerStore,
		sagaStore:         builder.sagaStore,
		paymentProvider:   builder.paymentProvider,
		jobEnqueuer:       builder.jobEnqueuer,
		clock:             builder.clock,
		ledger:            ledger,
		orchestrator:      orchestrator,
		settlement:        settlement,
		sweeper:           sweeper,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		LedgerStore:       s.ledgerStore,
		SagaStore:         s.sagaStore,
		PaymentProvider:   s.paymentProvider,
		JobEnqueuer:       s.jobEnqueuer,
	}
}

// Sweeper exposes the expiry sweep for background runners.
func (s *Service) Sweeper() *SagaSweeper {
	if s == nil {
		return nil
	}
	return s.sweeper
}

func (s *Service) CreateTanda(ctx context.Context, req CreateTandaRequest) (tanda Tanda, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"name":             req.Name,
		"max_participants": req.MaxParticipants,
		"total_amount":     req.TotalAmount.String(),
	}
	defer func() {
		fields["tanda_id"] = tanda.ID
		s.observeOperation(ctx, startedAt, "create_tanda", err, fields)
	}()

	tanda, err = s.ledger.CreateTanda(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return Tanda{}, err
	}
	return tanda, nil
}

func (s *Service) JoinTanda(ctx context.Context, req JoinRequest) (participant Participant, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tanda_id":       req.TandaID,
		"user_id":        req.UserID,
		"requested_turn": req.RequestedTurn,
	}
	defer func() {
		fields["turn_order"] = participant.TurnOrder
		s.observeOperation(ctx, startedAt, "join_tanda", err, fields)
	}()

	participant, err = s.ledger.Join(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return Participant{}, err
	}
	return participant, nil
}

// UpdateParticipantWallet points a participant's future payouts at a new
// wallet. The wallet must resolve through the payment provider.
func (s *Service) UpdateParticipantWallet(ctx context.Context, req UpdateWalletRequest) (participant Participant, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tanda_id": req.TandaID,
		"user_id":  req.UserID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "update_participant_wallet", err, fields)
	}()

	if _, err = s.ResolveWallet(ctx, req.WalletAddress); err != nil {
		return Participant{}, err
	}
	participant, err = s.ledger.UpdateParticipantWallet(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return Participant{}, err
	}
	return participant, nil
}

// ResolveWallet looks a wallet address or payment pointer up through the
// payment provider.
func (s *Service) ResolveWallet(ctx context.Context, locator string) (Wallet, error) {
	normalized := NormalizeWalletLocator(locator)
	if normalized == "" {
		return Wallet{}, s.mapError(ValidationError(ErrorValidation, "wallet_address", "wallet address is required"))
	}
	if s.paymentProvider == nil {
		return Wallet{}, s.mapError(fmt.Errorf("core: payment provider is not configured"))
	}
	wallet, err := s.paymentProvider.ResolveWallet(ctx, normalized)
	if err != nil {
		return Wallet{}, s.mapError(err)
	}
	return wallet, nil
}

func (s *Service) InitiateContribution(ctx context.Context, req ContributionRequest) (initiation Initiation, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"tanda_id":     req.TandaID,
		"user_id":      req.PayerID,
		"payment_type": string(PaymentTypeContribution),
		"amount":       req.Amount.String(),
	}
	defer func() {
		fields["saga_id"] = initiation.Saga.ID
		fields["payment_id"] = initiation.Payment.ID
		fields["stage"] = string(initiation.Saga.Stage)
		s.observeOperation(ctx, startedAt, "initiate_contribution", err, fields)
	}()

	initiation, err = s.orchestrator.Initiate(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return initiation, err
	}
	return initiation, nil
}

// InitiatePayout starts (or restarts after a failure) the transfer for a
// recorded payout.
func (s *Service) InitiatePayout(ctx context.Context, paymentID string) (initiation Initiation, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"payment_id":   paymentID,
		"payment_type": string(PaymentTypePayout),
	}
	defer func() {
		fields["tanda_id"] = initiation.Payment.TandaID
		fields["saga_id"] = initiation.Saga.ID
		fields["stage"] = string(initiation.Saga.Stage)
		s.observeOperation(ctx, startedAt, "initiate_payout", err, fields)
	}()

	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		err = ValidationError(ErrorValidation, "payment_id", "payment_id is required")
		return Initiation{}, err
	}
	payout, err := s.ledgerStore.GetPayment(ctx, paymentID)
	if err != nil {
		err = s.mapError(err)
		return Initiation{}, err
	}
	initiation, err = s.orchestrator.InitiatePayout(ctx, payout)
	if err != nil {
		err = s.mapError(err)
		return initiation, err
	}
	return initiation, nil
}

// CompletePayment resumes a saga after the interactive grant. A replay of a
// finished saga returns the recorded completion together with an
// AlreadyTerminal error.
func (s *Service) CompletePayment(ctx context.Context, req CompletePaymentRequest) (completion Completion, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"saga_id": req.SagaID,
	}
	defer func() {
		fields["tanda_id"] = completion.Saga.TandaID
		fields["payment_id"] = completion.Payment.ID
		fields["payment_type"] = string(completion.Payment.Type)
		fields["stage"] = string(completion.Saga.Stage)
		fields["replayed"] = completion.Replayed
		s.observeOperation(ctx, startedAt, "complete_payment", err, fields)
	}()

	completion, err = s.orchestrator.Complete(ctx, req)
	s.recordRoundClosed(ctx, completion.Round, closedByCompletion)
	if err != nil {
		if HasTextCode(err, ErrorInteractHash) {
			s.recordCounter(ctx, MetricHashRejections, 1, nil)
		}
		err = s.mapError(err)
		return completion, err
	}
	return completion, nil
}

func (s *Service) CancelPayment(ctx context.Context, sagaID string, reason string) (saga PaymentSaga, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"saga_id": sagaID,
		"reason":  reason,
	}
	defer func() {
		fields["tanda_id"] = saga.TandaID
		fields["stage"] = string(saga.Stage)
		s.observeOperation(ctx, startedAt, "cancel_payment", err, fields)
	}()

	saga, err = s.orchestrator.Cancel(ctx, sagaID, reason)
	if err != nil {
		err = s.mapError(err)
		return saga, err
	}
	return saga, nil
}

func (s *Service) ExpireSagas(ctx context.Context) (result SweepResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["scanned"] = result.Scanned
		fields["expired"] = result.Expired
		fields["enqueued"] = result.Enqueued
		fields["rounds_closed"] = result.RoundsClosed
		s.observeOperation(ctx, startedAt, "expire_sagas", err, fields)
	}()

	result, err = s.sweeper.Sweep(ctx)
	s.recordSweep(ctx, result)
	if err != nil {
		err = s.mapError(err)
		return result, err
	}
	return result, nil
}

// HandleExpiryJob applies one queued saga-expire job.
func (s *Service) HandleExpiryJob(ctx context.Context, delivery JobDelivery) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"job_id": JobIDSagaExpire}
	defer func() {
		s.observeOperation(ctx, startedAt, "expire_saga_job", err, fields)
	}()

	if delivery != nil && delivery.Message() != nil {
		fields["saga_id"] = delivery.Message().Parameters["saga_id"]
	}
	if err = s.sweeper.HandleDelivery(ctx, delivery); err != nil {
		err = s.mapError(err)
		return err
	}
	return nil
}

// EvaluateRound re-runs round evaluation for a tanda. It is idempotent and
// serves as the manual repair path when settlement failed after a payment
// finalized.
func (s *Service) EvaluateRound(ctx context.Context, tandaID string) (outcome RoundOutcome, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"tanda_id": tandaID}
	defer func() {
		fields["round"] = outcome.Round
		fields["closed"] = outcome.Closed
		s.observeOperation(ctx, startedAt, "evaluate_round", err, fields)
	}()

	outcome, err = s.settlement.Evaluate(ctx, tandaID)
	if err != nil {
		err = s.mapError(err)
		return RoundOutcome{}, err
	}
	s.recordRoundClosed(ctx, &outcome, closedByEvaluation)
	return outcome, nil
}

func (s *Service) GetTandaStatus(ctx context.Context, tandaID string) (TandaStatusView, error) {
	view, err := s.ledger.Status(ctx, tandaID)
	if err != nil {
		return TandaStatusView{}, s.mapError(err)
	}
	return view, nil
}

func (s *Service) ListTandas(ctx context.Context, filter TandaFilter) ([]Tanda, error) {
	tandas, err := s.ledger.ListTandas(ctx, filter)
	if err != nil {
		return nil, s.mapError(err)
	}
	return tandas, nil
}

func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	payments, err := s.ledger.ListPayments(ctx, filter)
	if err != nil {
		return nil, s.mapError(err)
	}
	return payments, nil
}

func (s *Service) PendingContributors(ctx context.Context, tandaID string) ([]Participant, error) {
	pending, err := s.ledger.PendingContributors(ctx, tandaID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return pending, nil
}

func (s *Service) GetSaga(ctx context.Context, sagaID string) (PaymentSaga, error) {
	saga, err := s.orchestrator.GetSaga(ctx, sagaID)
	if err != nil {
		return PaymentSaga{}, s.mapError(err)
	}
	return saga, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
