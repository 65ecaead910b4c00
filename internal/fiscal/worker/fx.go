package worker

import (
	"context"

	"github.com/corretora/backoffice/internal/fiscal/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("fiscal.worker",
	fx.Provide(
		NewDrainLock,
		New,
		func(w *Worker) domain.JobQueue { return w },
	),
	fx.Invoke(Run),
)

func Run(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
