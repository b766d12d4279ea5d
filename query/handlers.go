package query

import (
	"context"

	"github.com/goliatone/go-tandas/core"
)

type TandaReader interface {
	GetTandaStatus(ctx context.Context, tandaID string) (core.TandaStatusView, error)
	ListTandas(ctx context.Context, filter core.TandaFilter) ([]core.Tanda, error)
	PendingContributors(ctx context.Context, tandaID string) ([]core.Participant, error)
}

type PaymentReader interface {
	ListPayments(ctx context.Context, filter core.PaymentFilter) ([]core.Payment, error)
}

type SagaReader interface {
	GetSaga(ctx context.Context, sagaID string) (core.PaymentSaga, error)
}

type WalletReader interface {
	ResolveWallet(ctx context.Context, locator string) (core.Wallet, error)
}

type GetTandaStatusQuery struct {
	reader TandaReader
}

func NewGetTandaStatusQuery(reader TandaReader) *GetTandaStatusQuery {
	return &GetTandaStatusQuery{reader: reader}
}

func (q *GetTandaStatusQuery) Query(ctx context.Context, msg GetTandaStatusMessage) (core.TandaStatusView, error) {
	if q == nil || q.reader == nil {
		return core.TandaStatusView{}, queryDependencyError("query: tanda reader is required")
	}
	return q.reader.GetTandaStatus(ctx, msg.TandaID)
}

type ListPaymentsQuery struct {
	reader PaymentReader
}

func NewListPaymentsQuery(reader PaymentReader) *ListPaymentsQuery {
	return &ListPaymentsQuery{reader: reader}
}

func (q *ListPaymentsQuery) Query(ctx context.Context, msg ListPaymentsMessage) ([]core.Payment, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: payment reader is required")
	}
	return q.reader.ListPayments(ctx, msg.Filter())
}

type GetSagaQuery struct {
	reader SagaReader
}

func NewGetSagaQuery(reader SagaReader) *GetSagaQuery {
	return &GetSagaQuery{reader: reader}
}

func (q *GetSagaQuery) Query(ctx context.Context, msg GetSagaMessage) (core.PaymentSaga, error) {
	if q == nil || q.reader == nil {
		return core.PaymentSaga{}, queryDependencyError("query: saga reader is required")
	}
	return q.reader.GetSaga(ctx, msg.SagaID)
}

// ListPendingContributorsQuery lists participants who still owe a
// contribution for the current round.
type ListPendingContributorsQuery struct {
	reader TandaReader
}

func NewListPendingContributorsQuery(reader TandaReader) *ListPendingContributorsQuery {
	return &ListPendingContributorsQuery{reader: reader}
}

func (q *ListPendingContributorsQuery) Query(
	ctx context.Context,
	msg ListPendingContributorsMessage,
) ([]core.Participant, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: tanda reader is required")
	}
	return q.reader.PendingContributors(ctx, msg.TandaID)
}

type ListTandasQuery struct {
	reader TandaReader
}

func NewListTandasQuery(reader TandaReader) *ListTandasQuery {
	return &ListTandasQuery{reader: reader}
}

func (q *ListTandasQuery) Query(ctx context.Context, msg ListTandasMessage) ([]core.Tanda, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: tanda reader is required")
	}
	return q.reader.ListTandas(ctx, msg.Filter())
}

type ResolveWalletQuery struct {
	reader WalletReader
}

func NewResolveWalletQuery(reader WalletReader) *ResolveWalletQuery {
	return &ResolveWalletQuery{reader: reader}
}

func (q *ResolveWalletQuery) Query(ctx context.Context, msg ResolveWalletMessage) (core.Wallet, error) {
	if q == nil || q.reader == nil {
		return core.Wallet{}, queryDependencyError("query: wallet reader is required")
	}
	return q.reader.ResolveWallet(ctx, msg.WalletAddress)
}
