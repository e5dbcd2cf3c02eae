package mapping

import (
	"github.com/smallbiznis/meterflow/internal/mapping/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("mapping",
	fx.Provide(repository.Provide),
)
