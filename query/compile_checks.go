package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tandas/core"
)

var (
	_ gocmd.Querier[GetTandaStatusMessage, core.TandaStatusView]        = (*GetTandaStatusQuery)(nil)
	_ gocmd.Querier[ListPaymentsMessage, []core.Payment]                = (*ListPaymentsQuery)(nil)
	_ gocmd.Querier[GetSagaMessage, core.PaymentSaga]                   = (*GetSagaQuery)(nil)
	_ gocmd.Querier[ListPendingContributorsMessage, []core.Participant] = (*ListPendingContributorsQuery)(nil)
	_ gocmd.Querier[ListTandasMessage, []core.Tanda]                    = (*ListTandasQuery)(nil)
	_ gocmd.Querier[ResolveWalletMessage, core.Wallet]                  = (*ResolveWalletQuery)(nil)
	_ TandaReader                                                       = (core.TandaService)(nil)
	_ PaymentReader                                                     = (core.TandaService)(nil)
	_ SagaReader                                                        = (core.TandaService)(nil)
	_ WalletReader                                                      = (core.TandaService)(nil)
)
