// Package recorder counts successful generations against the usage ledger
// without holding up the HTTP response.
package recorder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genquota/internal/observability/metrics"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"github.com/smallbiznis/genquota/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrRecorderClosed = errors.New("recorder_closed")

// Event is one completed generation.
type Event struct {
	CompletionID string
	UserID       string
	Feature      plandomain.FeatureType
	Period       periodomain.Period
	Reserved     bool
	Metadata     map[string]any
}

// Releaser returns a reserved slot to the pool.
type Releaser interface {
	Release(ctx context.Context, reservation *quotadomain.Reservation) error
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Log       *zap.Logger
	Cfg       config.Config
	Ledger    usagedomain.Ledger
	Releaser  Releaser
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Recorder struct {
	log      *zap.Logger
	ledger   usagedomain.Ledger
	releaser Releaser
	metrics  *obsmetrics.Metrics

	timeout      time.Duration
	drainTimeout time.Duration

	seen *lru.Cache[string, struct{}]

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func New(p Params) (*Recorder, error) {
	capacity := p.Cfg.Recorder.DedupCapacity
	if capacity <= 0 {
		capacity = 4096
	}
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		log:          p.Log.Named("usage.recorder"),
		ledger:       p.Ledger,
		releaser:     p.Releaser,
		metrics:      p.Metrics,
		timeout:      millisOr(p.Cfg.Recorder.TimeoutMillis, 5*time.Second),
		drainTimeout: secondsOr(p.Cfg.Recorder.DrainTimeoutSeconds, 10*time.Second),
		seen:         seen,
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				drainCtx, cancel := context.WithTimeout(ctx, r.drainTimeout)
				defer cancel()
				r.Drain(drainCtx)
				return nil
			},
		})
	}
	return r, nil
}

// Begin opens a completion for a granted reservation. Exactly one of
// Succeed or Fail takes effect.
func (r *Recorder) Begin(reservation *quotadomain.Reservation) *Completion {
	return &Completion{
		id:          ulid.Make().String(),
		recorder:    r,
		reservation: reservation,
	}
}

// RecordOnce writes the event to the ledger unless this completion was
// already counted, here or by another instance.
func (r *Recorder) RecordOnce(ctx context.Context, ev Event) (bool, error) {
	ev.CompletionID = strings.TrimSpace(ev.CompletionID)
	if ev.CompletionID == "" {
		return false, usagedomain.ErrInvalidCompletionID
	}
	if seen, _ := r.seen.ContainsOrAdd(ev.CompletionID, struct{}{}); seen {
		return false, nil
	}

	recorded, _, err := r.ledger.Record(ctx, usagedomain.RecordRequest{
		CompletionID: ev.CompletionID,
		UserID:       ev.UserID,
		Feature:      ev.Feature,
		Period:       ev.Period,
		Reserved:     ev.Reserved,
		Metadata:     ev.Metadata,
	})
	if err != nil {
		r.seen.Remove(ev.CompletionID)
		return false, err
	}
	if recorded {
		r.metrics.RecordUsageRecorded(ctx, string(ev.Feature))
	}
	return recorded, nil
}

// Drain waits for dispatched work until ctx ends. Work still running
// afterwards is counted as dropped.
func (r *Recorder) Drain(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		dropped := r.inflight.Load()
		if dropped > 0 {
			r.metrics.RecordUsageDropped(context.Background(), dropped)
			r.log.Warn("recorder drain deadline reached", zap.Int64("dropped", dropped))
		}
	}
}

// Inflight reports the number of dispatched operations not yet finished.
func (r *Recorder) Inflight() int64 {
	return r.inflight.Load()
}

func (r *Recorder) dispatch(ctx context.Context, operation string, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.RecordUsageDropped(ctx, 1)
		logger.WithContext(ctx, r.log).Warn("recorder closed, dropping work", zap.String("operation", operation))
		return ErrRecorderClosed
	}
	r.wg.Add(1)
	r.inflight.Add(1)
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)

		runCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		if err := fn(runCtx); err != nil {
			r.metrics.RecordUsageFailure(runCtx, operation)
			logger.WithContext(runCtx, r.log).Error("usage "+operation+" failed", zap.Error(err))
		}
	}()
	return nil
}

// Completion is the single-fire latch for one generation.
type Completion struct {
	id          string
	recorder    *Recorder
	reservation *quotadomain.Reservation
	once        sync.Once
}

func (c *Completion) ID() string {
	return c.id
}

// Succeed schedules the usage record. It reports whether this call fired.
func (c *Completion) Succeed(ctx context.Context, metadata map[string]any) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		if c.reservation == nil {
			return
		}
		ev := Event{
			CompletionID: c.id,
			UserID:       c.reservation.UserID,
			Feature:      c.reservation.Feature,
			Period:       c.reservation.Period,
			Reserved:     c.reservation.Reserved,
			Metadata:     correlation.AnnotateMetadata(ctx, metadata),
		}
		ev.Metadata["tier"] = string(c.reservation.Tier)
		_ = c.recorder.dispatch(ctx, "record", func(runCtx context.Context) error {
			_, err := c.recorder.RecordOnce(runCtx, ev)
			return err
		})
	})
	return fired
}

// Fail returns the reserved slot. Nothing is recorded.
func (c *Completion) Fail(ctx context.Context, cause error) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		if c.reservation == nil || !c.reservation.Reserved {
			return
		}
		if cause != nil {
			logger.WithContext(ctx, c.recorder.log).Debug("generation failed, releasing reservation", zap.Error(cause))
		}
		reservation := c.reservation
		_ = c.recorder.dispatch(ctx, "release", func(runCtx context.Context) error {
			return c.recorder.releaser.Release(runCtx, reservation)
		})
	})
	return fired
}

func millisOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
