package aggregation

import (
	"github.com/smallbiznis/meterflow/internal/aggregation/dispatcher"
	"github.com/smallbiznis/meterflow/internal/aggregation/repository"
	"github.com/smallbiznis/meterflow/internal/aggregation/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregation",
	fx.Provide(dispatcher.New),
	fx.Provide(repository.ProvideCounterStore),
	fx.Provide(worker.NewWorker),
)
