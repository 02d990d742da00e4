package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("poll_pending: %w", context.DeadlineExceeded), want: JobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "42P01"}, want: JobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestGrantAndFailureCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newReconcileMetrics(registry, Config{ServiceName: "bookshelf", Environment: "test"})

	m.IncGrantAttempt(GrantOutcomeRetry)
	m.IncGrantAttempt(GrantOutcomeRetry)
	m.IncReconciliationFailure("complete_purchase")
	m.AddBatchProcessed("poll_pending", "orders", 3)

	if got := testutil.ToFloat64(m.grantAttempts.WithLabelValues(GrantOutcomeRetry)); got != 2 {
		t.Fatalf("expected 2 retry attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconciliationFailures.WithLabelValues("complete_purchase")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("poll_pending", "orders")); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
}
