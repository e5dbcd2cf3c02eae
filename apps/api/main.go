package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/migration"
	reconsvc "github.com/smallbiznis/meterflow/internal/reconcile/service"
	"github.com/smallbiznis/meterflow/internal/seed"
	"github.com/smallbiznis/meterflow/internal/server"
	"github.com/smallbiznis/meterflow/pkg/db"
	"github.com/smallbiznis/meterflow/pkg/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		// server.Module pulls in the feature modules: usage, aggregation,
		// mapping, billing, reconcile, backfill, queue, apikey.
		server.Module,

		// The reconciler loop lives in the API process so that trigger
		// requests land on the worker that drains them.
		fx.Invoke(StartReconciler),
		fx.Invoke(SeedDevData),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func SeedDevData(cfg config.Config, conn *gorm.DB, logger *zap.Logger) error {
	if cfg.Environment != "development" {
		return nil
	}
	return seed.EnsureDevTenant(conn, logger)
}

func StartReconciler(lc fx.Lifecycle, w *reconsvc.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
