package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/config"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/zap"
)

type fakeLedger struct {
	usagedomain.Ledger

	mu       sync.Mutex
	keys     map[string]struct{}
	requests []usagedomain.RecordRequest
	err      error
	block    chan struct{}
}

func (f *fakeLedger) Record(ctx context.Context, req usagedomain.RecordRequest) (bool, *usagedomain.UsageRecord, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, nil, f.err
	}
	if f.keys == nil {
		f.keys = map[string]struct{}{}
	}
	if _, ok := f.keys[req.CompletionID]; ok {
		return false, nil, nil
	}
	f.keys[req.CompletionID] = struct{}{}
	f.requests = append(f.requests, req)
	return true, &usagedomain.UsageRecord{UserID: req.UserID, Count: int64(len(f.requests))}, nil
}

func (f *fakeLedger) recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeReleaser struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReleaser) Release(context.Context, *quotadomain.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newRecorder(t *testing.T, ledger usagedomain.Ledger, releaser Releaser) *Recorder {
	t.Helper()
	r, err := New(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{Recorder: config.RecorderConfig{TimeoutMillis: 1000, DedupCapacity: 16}},
		Ledger:   ledger,
		Releaser: releaser,
	})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return r
}

func testReservation() *quotadomain.Reservation {
	return &quotadomain.Reservation{
		UserID:  "u1",
		Feature: plandomain.FeatureViralHooks,
		Tier:    plandomain.TierPro,
		Period: periodomain.Period{
			Key:   "calendar_2025-03",
			Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		Limit:    50,
		Reserved: true,
	}
}

func drain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Drain(ctx)
	if r.Inflight() != 0 {
		t.Fatalf("expected drained recorder, %d in flight", r.Inflight())
	}
}

func TestRecordOnceTwiceCountsOnce(t *testing.T) {
	ledger := &fakeLedger{}
	r := newRecorder(t, ledger, &fakeReleaser{})
	res := testReservation()
	ev := Event{CompletionID: "c-1", UserID: res.UserID, Feature: res.Feature, Period: res.Period, Reserved: true}

	first, err := r.RecordOnce(context.Background(), ev)
	if err != nil || !first {
		t.Fatalf("first record: recorded=%v err=%v", first, err)
	}
	second, err := r.RecordOnce(context.Background(), ev)
	if err != nil || second {
		t.Fatalf("second record: recorded=%v err=%v", second, err)
	}
	if ledger.recorded() != 1 {
		t.Fatalf("expected 1 ledger write, got %d", ledger.recorded())
	}
}

func TestRecordOnceDedupesAcrossInstances(t *testing.T) {
	ledger := &fakeLedger{}
	a := newRecorder(t, ledger, &fakeReleaser{})
	b := newRecorder(t, ledger, &fakeReleaser{})
	ev := Event{CompletionID: "c-2", UserID: "u1", Feature: plandomain.FeatureViralHooks}

	if ok, _ := a.RecordOnce(context.Background(), ev); !ok {
		t.Fatalf("expected first instance to record")
	}
	if ok, _ := b.RecordOnce(context.Background(), ev); ok {
		t.Fatalf("expected second instance to see the idempotency key")
	}
}

func TestRecordOnceRetriesAfterLedgerError(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("db down")}
	r := newRecorder(t, ledger, &fakeReleaser{})
	ev := Event{CompletionID: "c-3", UserID: "u1", Feature: plandomain.FeatureViralHooks}

	if _, err := r.RecordOnce(context.Background(), ev); err == nil {
		t.Fatalf("expected ledger error")
	}
	ledger.mu.Lock()
	ledger.err = nil
	ledger.mu.Unlock()
	if ok, err := r.RecordOnce(context.Background(), ev); err != nil || !ok {
		t.Fatalf("expected retry to record, got recorded=%v err=%v", ok, err)
	}
}

func TestRecordOnceRejectsEmptyCompletionID(t *testing.T) {
	r := newRecorder(t, &fakeLedger{}, &fakeReleaser{})
	if _, err := r.RecordOnce(context.Background(), Event{UserID: "u1"}); !errors.Is(err, usagedomain.ErrInvalidCompletionID) {
		t.Fatalf("expected ErrInvalidCompletionID, got %v", err)
	}
}

func TestCompletionSucceedRecordsOnce(t *testing.T) {
	ledger := &fakeLedger{}
	releaser := &fakeReleaser{}
	r := newRecorder(t, ledger, releaser)

	c := r.Begin(testReservation())
	if c.ID() == "" {
		t.Fatalf("expected completion id")
	}
	if !c.Succeed(context.Background(), map[string]any{"model": "m1"}) {
		t.Fatalf("expected first Succeed to fire")
	}
	if c.Succeed(context.Background(), nil) {
		t.Fatalf("expected second Succeed to be ignored")
	}
	if c.Fail(context.Background(), errors.New("late")) {
		t.Fatalf("expected Fail after Succeed to be ignored")
	}
	drain(t, r)

	if ledger.recorded() != 1 {
		t.Fatalf("expected 1 record, got %d", ledger.recorded())
	}
	if releaser.count() != 0 {
		t.Fatalf("expected no release, got %d", releaser.count())
	}
	req := ledger.requests[0]
	if req.CompletionID != c.ID() || !req.Reserved {
		t.Fatalf("unexpected record request: %+v", req)
	}
	if req.Metadata["model"] != "m1" || req.Metadata["tier"] != "pro" {
		t.Fatalf("unexpected metadata: %+v", req.Metadata)
	}
}

func TestCompletionFailNeverRecords(t *testing.T) {
	ledger := &fakeLedger{}
	releaser := &fakeReleaser{}
	r := newRecorder(t, ledger, releaser)

	c := r.Begin(testReservation())
	if !c.Fail(context.Background(), context.Canceled) {
		t.Fatalf("expected Fail to fire")
	}
	if c.Succeed(context.Background(), nil) {
		t.Fatalf("expected Succeed after Fail to be ignored")
	}
	drain(t, r)

	if ledger.recorded() != 0 {
		t.Fatalf("expected no record, got %d", ledger.recorded())
	}
	if releaser.count() != 1 {
		t.Fatalf("expected 1 release, got %d", releaser.count())
	}
}

func TestCompletionFailWithoutReservationSkipsRelease(t *testing.T) {
	releaser := &fakeReleaser{}
	r := newRecorder(t, &fakeLedger{}, releaser)
	res := testReservation()
	res.Reserved = false

	r.Begin(res).Fail(context.Background(), nil)
	drain(t, r)
	if releaser.count() != 0 {
		t.Fatalf("expected no release for unreserved completion")
	}
}

func TestSucceedSurvivesRequestCancellation(t *testing.T) {
	ledger := &fakeLedger{}
	r := newRecorder(t, ledger, &fakeReleaser{})

	ctx, cancel := context.WithCancel(context.Background())
	r.Begin(testReservation()).Succeed(ctx, nil)
	cancel()
	drain(t, r)

	if ledger.recorded() != 1 {
		t.Fatalf("expected record despite cancelled request, got %d", ledger.recorded())
	}
}

func TestDrainDeadlineLeavesWorkDropped(t *testing.T) {
	ledger := &fakeLedger{block: make(chan struct{})}
	r := newRecorder(t, ledger, &fakeReleaser{})
	r.Begin(testReservation()).Succeed(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Drain(ctx)
	if r.Inflight() != 1 {
		t.Fatalf("expected 1 in-flight after deadline, got %d", r.Inflight())
	}
	close(ledger.block)

	if r.Begin(testReservation()).Succeed(context.Background(), nil); ledger.recorded() > 1 {
		t.Fatalf("closed recorder must not dispatch new work")
	}
}
