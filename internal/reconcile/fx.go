package reconcile

import (
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	"github.com/smallbiznis/meterflow/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(service.NewWorker),
	fx.Provide(func(w *service.Worker) recondomain.Service { return w }),
)
