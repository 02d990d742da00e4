package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/bookshelf/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"github.com/smallbiznis/bookshelf/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobPollPending        = "poll_pending"
	JobRepairEntitlements = "repair_entitlements"
	JobExpirePending      = "expire_pending"

	leaderLockKey = "bookshelf:reconcile:leader"
)

var ErrInvalidConfig = errors.New("invalid_reconciler_config")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.StorefrontPolicyHolder
	Engine    entitlementdomain.Service
	OrderRepo purchasedomain.Repository
	Locker    *ratelimit.Locker            `optional:"true"`
	Metrics   *obsmetrics.ReconcileMetrics `optional:"true"`
	Config    Config                       `optional:"true"`
}

// Reconciler drives orders that were left behind by lost webhooks, client timeouts and
// failed entitlement writes toward a terminal state.
type Reconciler struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.StorefrontPolicyHolder
	engine    entitlementdomain.Service
	orderRepo purchasedomain.Repository
	locker    *ratelimit.Locker
	metrics   *obsmetrics.ReconcileMetrics
	cfg       Config
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil || p.Engine == nil || p.OrderRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Reconciler{
		db:        p.DB,
		log:       p.Log.Named("reconcile").With(zap.String("component", "reconciler")),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		engine:    p.Engine,
		orderRepo: p.OrderRepo,
		locker:    p.Locker,
		metrics:   p.Metrics,
		cfg:       p.Config.withDefaults(),
	}, nil
}

// RunOnce runs every enabled job once. Job errors are joined; a timeout is not an error.
func (s *Reconciler) RunOnce(ctx context.Context) error {
	jobs := []struct {
		name string
		run  func(context.Context, *jobRun) error
	}{
		{JobRepairEntitlements, s.repairEntitlements},
		{JobPollPending, s.pollPending},
		{JobExpirePending, s.expirePending},
	}

	var err error
	for _, job := range jobs {
		if s.isJobEnabled(job.name) {
			err = errors.Join(err, s.runJob(ctx, job.name, job.run))
		}
	}
	return err
}

func (s *Reconciler) runJob(parent context.Context, name string, fn func(context.Context, *jobRun) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.logJobFinish(run, err)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		s.metrics.IncJobError(name, err)
		s.log.Warn("reconcile job timed out", zap.String("job", name), zap.Duration("timeout", s.cfg.JobTimeout))
		return nil
	}
	s.metrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunForever runs the jobs on the policy interval until ctx is cancelled. With a redis
// locker only the instance holding the leader lock does work.
func (s *Reconciler) RunForever(ctx context.Context) {
	interval := s.policy.Get().ReconcileInterval()
	nextRun := s.clock.Now().Add(interval)

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.runAsLeader(ctx); err != nil {
			s.log.Warn("reconcile run failed", zap.Error(err))
		}

		interval = s.policy.Get().ReconcileInterval()
		nextRun = s.clock.Now().Add(interval)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Reconciler) runAsLeader(ctx context.Context) error {
	if s.locker == nil {
		return s.RunOnce(ctx)
	}
	held, err := s.locker.Hold(ctx, leaderLockKey, s.cfg.LockTTL, s.RunOnce)
	if !held && err == nil {
		s.log.Debug("reconcile skipped, another instance holds the lock")
	}
	if err != nil {
		return fmt.Errorf("leader run: %w", err)
	}
	return nil
}

func (s *Reconciler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), name) {
			return true
		}
	}
	return false
}

// claimStale reads a batch of old pending orders inside a short transaction so concurrent
// reconcilers on postgres skip each other's rows.
func (s *Reconciler) claimStale(ctx context.Context, olderThan time.Duration, requireRef bool) ([]purchasedomain.Order, error) {
	var orders []purchasedomain.Order
	lockStart := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		orders, err = s.orderRepo.ListStalePending(ctx, tx, purchasedomain.StaleFilter{
			CreatedBefore: s.clock.Now().UTC().Add(-olderThan),
			RequireRef:    requireRef,
			Limit:         s.cfg.BatchSize,
			LockForUpdate: true,
		})
		return err
	})
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourcePendingOrders, s.clock.Now().Sub(lockStart))
	return orders, err
}

// pollPending asks the gateway about pending orders whose webhook never arrived.
func (s *Reconciler) pollPending(ctx context.Context, run *jobRun) error {
	orders, err := s.claimStale(ctx, s.policy.Get().PendingPollAfter(), true)
	if err != nil {
		return err
	}

	var jobErr error
	for _, order := range orders {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		res, err := s.engine.VerifyPurchase(ctx, order.ID)
		if err != nil {
			run.IncError()
			// Gateway rejections are terminal for the order and already recorded by the engine.
			if !errors.Is(err, entitlementdomain.ErrAmountMismatch) {
				jobErr = errors.Join(jobErr, fmt.Errorf("order %s: %w", order.ID, err))
			}
			continue
		}
		if res.Status != purchasedomain.OrderStatusPending {
			s.log.Info("pending order settled",
				zap.String("order_id", order.ID.String()),
				zap.String("status", string(res.Status)),
			)
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(JobPollPending, obsmetrics.LockResourcePendingOrders, run.processed)
	return jobErr
}

// repairEntitlements re-grants captured orders that have no entitlement row.
func (s *Reconciler) repairEntitlements(ctx context.Context, run *jobRun) error {
	lockStart := s.clock.Now()
	orders, err := s.orderRepo.ListCapturedWithoutEntitlement(ctx, s.db, s.cfg.BatchSize)
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourceCapturedOrders, s.clock.Now().Sub(lockStart))
	if err != nil {
		return err
	}

	var jobErr error
	for _, order := range orders {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.engine.RepairEntitlement(ctx, order.ID); err != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(JobRepairEntitlements, obsmetrics.LockResourceCapturedOrders, run.processed)
	return jobErr
}

// expirePending fails orders that stayed pending past the expiry age.
func (s *Reconciler) expirePending(ctx context.Context, run *jobRun) error {
	orders, err := s.claimStale(ctx, s.policy.Get().PendingExpireAfter(), false)
	if err != nil {
		return err
	}

	var jobErr error
	for _, order := range orders {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		expired, err := s.engine.ExpireOrder(ctx, order.ID)
		if err != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		if expired {
			run.AddProcessed(1)
		}
	}
	s.metrics.AddBatchProcessed(JobExpirePending, obsmetrics.LockResourcePendingOrders, run.processed)
	return jobErr
}
