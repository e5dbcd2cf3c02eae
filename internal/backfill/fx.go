package backfill

import (
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	"github.com/smallbiznis/meterflow/internal/backfill/service"
	"go.uber.org/fx"
)

var Module = fx.Module("backfill.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) backfilldomain.Service { return s }),
)
