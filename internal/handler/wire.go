package handler

import (
	"github.com/google/wire"
)

// Handlers 汇总所有 HTTP handler，供路由注册。
type Handlers struct {
	Ops      *OpsHandler
	Payments *PaymentsHandler
}

// ProvideHandlers creates the Handlers struct
func ProvideHandlers(opsHandler *OpsHandler, paymentsHandler *PaymentsHandler) *Handlers {
	return &Handlers{
		Ops:      opsHandler,
		Payments: paymentsHandler,
	}
}

// ProviderSet is the Wire provider set for all handlers
var ProviderSet = wire.NewSet(
	NewOpsHandler,
	NewPaymentsHandler,
	ProvideHandlers,
)
