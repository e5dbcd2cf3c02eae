package apikey

import (
	"github.com/smallbiznis/meterflow/internal/apikey/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey",
	fx.Provide(repository.ProvideVerifier),
)
