package reconcile

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(New),
	fx.Invoke(startReconciler),
)

func startReconciler(lc fx.Lifecycle, r *Reconciler) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				r.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
