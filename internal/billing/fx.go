package billing

import (
	"github.com/smallbiznis/meterflow/internal/billing/stripe"
	"github.com/smallbiznis/meterflow/internal/billing/writer"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(stripe.NewDriver),
	fx.Provide(writer.NewWorker),
)
