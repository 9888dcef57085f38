package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

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
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: JobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: JobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: JobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: JobReasonUniqueViolation,
		},
		{
			name: "other_pg_error",
			err:  &pgconn.PgError{Code: "42P01"},
			want: JobReasonDB,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: JobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestJobMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewJobMetrics(registry, Config{ServiceName: "genquota", Environment: "test"})

	m.IncJobRun("prune_generation_events")
	m.AddPruned("prune_generation_events", "generation_events", 3)
	m.AddPruned("prune_generation_events", "generation_events", 0)
	m.IncJobError("prune_generation_events", context.DeadlineExceeded)
	m.MarkSuccess("prune_generation_events", time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.runs.WithLabelValues("prune_generation_events")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(m.pruned.WithLabelValues("prune_generation_events", "generation_events")); got != 3 {
		t.Fatalf("expected 3 pruned, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("prune_generation_events", JobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("prune_generation_events")); got != 1700000000 {
		t.Fatalf("unexpected last success %v", got)
	}
}
