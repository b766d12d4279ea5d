package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ TandaService      = (*Service)(nil)
	_ Store             = (*MemoryStore)(nil)
	_ SettlementHandler = (*SettlementCoordinator)(nil)
	_ PayoutInitiator   = (*PaymentOrchestrator)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
