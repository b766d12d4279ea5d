package tandas

import (
	"context"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	tandacommand "github.com/goliatone/go-tandas/command"
	"github.com/goliatone/go-tandas/core"
	tandaquery "github.com/goliatone/go-tandas/query"
)

type CommandQueryService interface {
	tandacommand.MutatingService
	tandaquery.TandaReader
	tandaquery.PaymentReader
	tandaquery.SagaReader
	tandaquery.WalletReader
}

type Commands struct {
	CreateTanda          *tandacommand.CreateTandaCommand
	JoinTanda            *tandacommand.JoinTandaCommand
	InitiateContribution *tandacommand.InitiateContributionCommand
	InitiatePayout       *tandacommand.InitiatePayoutCommand
	CompletePayment      *tandacommand.CompletePaymentCommand
	CancelSaga           *tandacommand.CancelSagaCommand
	ExpireSagas          *tandacommand.ExpireSagasCommand
	EvaluateRound        *tandacommand.EvaluateRoundCommand
	UpdateWallet         *tandacommand.UpdateWalletCommand
}

type Queries struct {
	GetTandaStatus          *tandaquery.GetTandaStatusQuery
	ListPayments            *tandaquery.ListPaymentsQuery
	GetSaga                 *tandaquery.GetSagaQuery
	ListPendingContributors *tandaquery.ListPendingContributorsQuery
	ListTandas              *tandaquery.ListTandasQuery
	ResolveWallet           *tandaquery.ResolveWalletQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("tandas: command/query service is required")
	}
	facade := &Facade{service: service}
	facade.commands = Commands{
		CreateTanda:          tandacommand.NewCreateTandaCommand(service),
		JoinTanda:            tandacommand.NewJoinTandaCommand(service),
		InitiateContribution: tandacommand.NewInitiateContributionCommand(service),
		InitiatePayout:       tandacommand.NewInitiatePayoutCommand(service),
		CompletePayment:      tandacommand.NewCompletePaymentCommand(service),
		CancelSaga:           tandacommand.NewCancelSagaCommand(service),
		ExpireSagas:          tandacommand.NewExpireSagasCommand(service),
		EvaluateRound:        tandacommand.NewEvaluateRoundCommand(service),
		UpdateWallet:         tandacommand.NewUpdateWalletCommand(service),
	}
	facade.queries = Queries{
		GetTandaStatus:          tandaquery.NewGetTandaStatusQuery(service),
		ListPayments:            tandaquery.NewListPaymentsQuery(service),
		GetSaga:                 tandaquery.NewGetSagaQuery(service),
		ListPendingContributors: tandaquery.NewListPendingContributorsQuery(service),
		ListTandas:              tandaquery.NewListTandasQuery(service),
		ResolveWallet:           tandaquery.NewResolveWalletQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

type executor[M any] interface {
	Execute(ctx context.Context, msg M) error
}

// ExecuteResult runs cmd with a result collector attached and returns the
// value the handler stored. The second return is false when the handler
// stored nothing.
func ExecuteResult[T any, M any](ctx context.Context, cmd executor[M], msg M) (T, bool, error) {
	var zero T
	if cmd == nil {
		return zero, false, fmt.Errorf("tandas: command is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	collector := gocmd.NewResult[T]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, false, err
	}
	value, ok := collector.Load()
	return value, ok, nil
}

var _ CommandQueryService = (*core.Service)(nil)
