package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tandas/core"
)

// MutatingService is the write side of core.Service.
type MutatingService interface {
	CreateTanda(ctx context.Context, req core.CreateTandaRequest) (core.Tanda, error)
	JoinTanda(ctx context.Context, req core.JoinRequest) (core.Participant, error)
	UpdateParticipantWallet(ctx context.Context, req core.UpdateWalletRequest) (core.Participant, error)
	InitiateContribution(ctx context.Context, req core.ContributionRequest) (core.Initiation, error)
	InitiatePayout(ctx context.Context, paymentID string) (core.Initiation, error)
	CompletePayment(ctx context.Context, req core.CompletePaymentRequest) (core.Completion, error)
	CancelPayment(ctx context.Context, sagaID string, reason string) (core.PaymentSaga, error)
	ExpireSagas(ctx context.Context) (core.SweepResult, error)
	EvaluateRound(ctx context.Context, tandaID string) (core.RoundOutcome, error)
}

type CreateTandaCommand struct {
	service MutatingService
}

func NewCreateTandaCommand(service MutatingService) *CreateTandaCommand {
	return &CreateTandaCommand{service: service}
}

func (c *CreateTandaCommand) Execute(ctx context.Context, msg CreateTandaMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: tanda service is required")
	}
	out, err := c.service.CreateTanda(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type JoinTandaCommand struct {
	service MutatingService
}

func NewJoinTandaCommand(service MutatingService) *JoinTandaCommand {
	return &JoinTandaCommand{service: service}
}

func (c *JoinTandaCommand) Execute(ctx context.Context, msg JoinTandaMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: tanda service is required")
	}
	out, err := c.service.JoinTanda(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type InitiateContributionCommand struct {
	service MutatingService
}

func NewInitiateContributionCommand(service MutatingService) *InitiateContributionCommand {
	return &InitiateContributionCommand{service: service}
}

func (c *InitiateContributionCommand) Execute(ctx context.Context, msg InitiateContributionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: contribution service is required")
	}
	out, err := c.service.InitiateContribution(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type InitiatePayoutCommand struct {
	service MutatingService
}

func NewInitiatePayoutCommand(service MutatingService) *InitiatePayoutCommand {
	return &InitiatePayoutCommand{service: service}
}

func (c *InitiatePayoutCommand) Execute(ctx context.Context, msg InitiatePayoutMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payout service is required")
	}
	out, err := c.service.InitiatePayout(ctx, msg.PaymentID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompletePaymentCommand struct {
	service MutatingService
}

func NewCompletePaymentCommand(service MutatingService) *CompletePaymentCommand {
	return &CompletePaymentCommand{service: service}
}

func (c *CompletePaymentCommand) Execute(ctx context.Context, msg CompletePaymentMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment service is required")
	}
	out, err := c.service.CompletePayment(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CancelSagaCommand struct {
	service MutatingService
}

func NewCancelSagaCommand(service MutatingService) *CancelSagaCommand {
	return &CancelSagaCommand{service: service}
}

func (c *CancelSagaCommand) Execute(ctx context.Context, msg CancelSagaMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment service is required")
	}
	out, err := c.service.CancelPayment(ctx, msg.SagaID, msg.Reason)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ExpireSagasCommand struct {
	service MutatingService
}

func NewExpireSagasCommand(service MutatingService) *ExpireSagasCommand {
	return &ExpireSagasCommand{service: service}
}

func (c *ExpireSagasCommand) Execute(ctx context.Context, _ ExpireSagasMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: saga service is required")
	}
	out, err := c.service.ExpireSagas(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EvaluateRoundCommand struct {
	service MutatingService
}

func NewEvaluateRoundCommand(service MutatingService) *EvaluateRoundCommand {
	return &EvaluateRoundCommand{service: service}
}

func (c *EvaluateRoundCommand) Execute(ctx context.Context, msg EvaluateRoundMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ledger service is required")
	}
	out, err := c.service.EvaluateRound(ctx, msg.TandaID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UpdateWalletCommand struct {
	service MutatingService
}

func NewUpdateWalletCommand(service MutatingService) *UpdateWalletCommand {
	return &UpdateWalletCommand{service: service}
}

func (c *UpdateWalletCommand) Execute(ctx context.Context, msg UpdateWalletMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: tanda service is required")
	}
	out, err := c.service.UpdateParticipantWallet(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
