package reconcile

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	processed int
	failed    int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.failed++
}

func (s *Reconciler) startRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	return obscontext.WithRequestID(ctx, "reconcile-"+run.runID), run
}

func (s *Reconciler) logJobFinish(run *jobRun, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("processed", run.processed),
		zap.Int("failed", run.failed),
		zap.Duration("duration", s.clock.Now().Sub(run.startedAt)),
	}
	if err != nil {
		s.log.Warn("reconcile job finished with errors", append(fields, zap.Error(err))...)
		return
	}
	if run.processed == 0 && run.failed == 0 {
		s.log.Debug("reconcile job idle", fields...)
		return
	}
	s.log.Info("reconcile job finished", fields...)
}
