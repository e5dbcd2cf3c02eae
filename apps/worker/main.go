package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	aggworker "github.com/smallbiznis/meterflow/internal/aggregation/worker"
	"github.com/smallbiznis/meterflow/internal/backfill"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	backfillsvc "github.com/smallbiznis/meterflow/internal/backfill/service"
	"github.com/smallbiznis/meterflow/internal/billing"
	"github.com/smallbiznis/meterflow/internal/billing/writer"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/mapping"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/queue"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/pkg/db"
	"github.com/smallbiznis/meterflow/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(config.NewWorkerSettingsHolder),
		db.Module,
		migration.Module,
		queue.Module,

		// Domain services consumed by the queue handlers.
		usage.Module,
		aggregation.Module,
		mapping.Module,
		billing.Module,
		backfill.Module,

		// No server module.
		fx.Invoke(StartConsumer),
		fx.Invoke(StartWriterSweep),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

// StartConsumer registers the queue handlers and runs the poll loop until
// shutdown. In-flight jobs drain before the hook returns.
func StartConsumer(
	lc fx.Lifecycle,
	consumer *queue.Consumer,
	agg *aggworker.Worker,
	push *writer.Worker,
	backfills *backfillsvc.Service,
) {
	consumer.Register(aggdomain.JobTypeAggregate, agg.HandleJob)
	consumer.Register(writer.JobTypePush, push.HandleJob)
	consumer.Register(backfilldomain.JobTypeBackfill, backfills.HandleJob)

	runLoop(lc, consumer.Run)
}

// StartWriterSweep periodically enqueues one push job per active mapping for
// the current period.
func StartWriterSweep(lc fx.Lifecycle, push *writer.Worker) {
	runLoop(lc, push.RunForever)
}

func runLoop(lc fx.Lifecycle, run func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				run(ctx)
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
