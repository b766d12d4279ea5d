package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tandas/core"
)

var (
	_ gocmd.Commander[CreateTandaMessage]          = (*CreateTandaCommand)(nil)
	_ gocmd.Commander[JoinTandaMessage]            = (*JoinTandaCommand)(nil)
	_ gocmd.Commander[InitiateContributionMessage] = (*InitiateContributionCommand)(nil)
	_ gocmd.Commander[InitiatePayoutMessage]       = (*InitiatePayoutCommand)(nil)
	_ gocmd.Commander[CompletePaymentMessage]      = (*CompletePaymentCommand)(nil)
	_ gocmd.Commander[CancelSagaMessage]           = (*CancelSagaCommand)(nil)
	_ gocmd.Commander[ExpireSagasMessage]          = (*ExpireSagasCommand)(nil)
	_ gocmd.Commander[EvaluateRoundMessage]        = (*EvaluateRoundCommand)(nil)
	_ gocmd.Commander[UpdateWalletMessage]         = (*UpdateWalletCommand)(nil)

	_ MutatingService = (core.TandaService)(nil)
)
