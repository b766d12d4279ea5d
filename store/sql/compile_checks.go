package sqlstore

import "github.com/goliatone/go-tandas/core"

var (
	_ core.LedgerStore  = (*LedgerStore)(nil)
	_ core.SagaStore    = (*SagaStore)(nil)
	_ core.Store        = (*Store)(nil)
	_ core.StoreFactory = (*RepositoryFactory)(nil)
)
