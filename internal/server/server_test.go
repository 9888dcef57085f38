package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genquota/internal/authorization"
	"github.com/smallbiznis/genquota/internal/billingperiod"
	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/clock"
	"github.com/smallbiznis/genquota/internal/config"
	gendomain "github.com/smallbiznis/genquota/internal/generation/domain"
	"github.com/smallbiznis/genquota/internal/plan"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	quotaservice "github.com/smallbiznis/genquota/internal/quota/service"
	"github.com/smallbiznis/genquota/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"github.com/smallbiznis/genquota/internal/usage/recorder"
	"github.com/smallbiznis/genquota/internal/usage/repository"
	usageservice "github.com/smallbiznis/genquota/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type subscriptionsStub struct {
	mu   sync.Mutex
	subs map[string]*subscriptiondomain.Subscription
}

func (s *subscriptionsStub) GetActiveByUserID(_ context.Context, userID string) (*subscriptiondomain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[userID], nil
}

func (s *subscriptionsStub) Invalidate(string) {}

func (s *subscriptionsStub) set(userID string, tier plandomain.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[userID] = &subscriptiondomain.Subscription{
		UserID:   userID,
		Status:   subscriptiondomain.SubscriptionStatusActive,
		Tier:     string(tier),
		AnchorAt: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

type fakeGenerator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, req gendomain.Request) (gendomain.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return gendomain.Response{}, f.err
	}
	return gendomain.Response{Output: json.RawMessage(`{"text":"ok"}`), Model: "test-model"}, nil
}

type fakeAuthz struct {
	admins map[string]bool
}

func (f fakeAuthz) Authorize(_ context.Context, userID, _, _ string) error {
	if f.admins[userID] {
		return nil
	}
	return authorization.ErrForbidden
}

func (fakeAuthz) GrantAdmin(context.Context, string) error  { return nil }
func (fakeAuthz) RevokeAdmin(context.Context, string) error { return nil }

type testEnv struct {
	router    *gin.Engine
	ledger    usagedomain.Ledger
	subs      *subscriptionsStub
	generator *fakeGenerator
	recorder  *recorder.Recorder
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	return setupServerWith(t, func(ledger usagedomain.Ledger) ratelimit.Backend {
		return ratelimit.NewLedgerWindow(ledger)
	})
}

func setupServerWith(t *testing.T, window func(usagedomain.Ledger) ratelimit.Backend) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(usagedomain.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	log := zap.NewNop()
	clk := clock.NewFakeClock(now)
	ledger := usageservice.NewService(usageservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	subs := &subscriptionsStub{subs: map[string]*subscriptiondomain.Subscription{}}
	resolver := billingperiod.NewResolver(billingperiod.Params{Log: log, Clock: clk, Subscriptions: subs})
	holder := plan.NewStaticHolder(plan.DefaultCatalog())
	gate := quotaservice.NewGate(quotaservice.Params{Log: log, Plans: holder, Periods: resolver, Ledger: ledger})
	rec, err := recorder.New(recorder.Params{
		Log:      log,
		Cfg:      config.Config{Recorder: config.RecorderConfig{TimeoutMillis: 2000}},
		Ledger:   ledger,
		Releaser: gate,
	})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rec.Drain(ctx)
	})

	generator := &fakeGenerator{}
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:       engine,
		Cfg:       config.Config{},
		Log:       log,
		Plans:     holder,
		Periods:   resolver,
		Gate:      gate,
		Ledger:    ledger,
		Recorder:  rec,
		Limiter:   ratelimit.New(log, clk, window(ledger), nil, nil),
		Generator: generator,
		AuthzSvc:  fakeAuthz{admins: map[string]bool{"admin-1": true}},
	})

	return &testEnv{router: engine, ledger: ledger, subs: subs, generator: generator, recorder: rec}
}

func (e *testEnv) do(method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) generate(userID string, feature plandomain.FeatureType) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, "/api/generations/"+string(feature), userID, `{"input":{"topic":"golang"}}`)
}

func proPeriodKey() string {
	return billingperiod.PeriodKey(
		time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	)
}

func decodeDeny(t *testing.T, resp *httptest.ResponseRecorder) denyResponse {
	t.Helper()
	var body denyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestFreeUserViralHooksIsForbidden(t *testing.T) {
	env := setupServer(t)

	resp := env.generate("free-1", plandomain.FeatureViralHooks)
	require.Equal(t, http.StatusForbidden, resp.Code)

	body := decodeDeny(t, resp)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, quotadomain.ReasonFeatureNotAvailable, body.Details.Reason)
	assert.False(t, body.Details.HasFeatureAccess)
	assert.Nil(t, body.Details.UsageData)
	assert.Equal(t, 0, env.generator.calls)
}

func TestProUserLastSlotThenDenied(t *testing.T) {
	env := setupServer(t)
	env.subs.set("pro-1", plandomain.TierPro)
	ctx := context.Background()

	period := periodomain.Period{
		Key:    proPeriodKey(),
		Start:  time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		IsPaid: true,
	}
	for i := 0; i < 49; i++ {
		_, err := env.ledger.Increment(ctx, usagedomain.IncrementRequest{UserID: "pro-1", Feature: plandomain.FeatureCaptionBuilder, Period: period})
		require.NoError(t, err)
	}

	check := env.do(http.MethodGet, "/api/usage/check/viral-hooks", "pro-1", "")
	require.Equal(t, http.StatusOK, check.Code)
	var checkBody struct {
		Data quotadomain.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(check.Body.Bytes(), &checkBody))
	assert.True(t, checkBody.Data.Allowed)
	assert.Equal(t, int64(1), checkBody.Data.Usage.Remaining)

	resp := env.generate("pro-1", plandomain.FeatureViralHooks)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var ok generateResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ok))
	assert.True(t, ok.Success)
	assert.NotEmpty(t, ok.Data.CompletionID)
	assert.Equal(t, int64(0), ok.Usage.Remaining)

	require.Eventually(t, func() bool {
		sum, err := env.ledger.SumForPeriod(ctx, "pro-1", period.Key)
		return err == nil && sum == 50
	}, 2*time.Second, 10*time.Millisecond)

	denied := env.generate("pro-1", plandomain.FeatureViralHooks)
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	body := decodeDeny(t, denied)
	assert.Equal(t, quotadomain.ReasonUsageLimitExceeded, body.Details.Reason)
	assert.True(t, body.Details.HasFeatureAccess)
	assert.False(t, body.Details.HasUsageAvailable)
	require.NotNil(t, body.Details.UsageData)
	assert.Equal(t, int64(0), body.Details.UsageData.Remaining)
	assert.Equal(t, 1, env.generator.calls)
}

func TestGenerationFailureReleasesReservation(t *testing.T) {
	env := setupServer(t)
	env.subs.set("pro-2", plandomain.TierPro)
	env.generator.err = gendomain.ErrGeneratorUnavailable

	resp := env.generate("pro-2", plandomain.FeatureViralHooks)
	require.Equal(t, http.StatusBadGateway, resp.Code)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		allowance, err := env.ledger.Allowance(ctx, "pro-2", proPeriodKey())
		return err == nil && allowance == 0
	}, 2*time.Second, 10*time.Millisecond)

	sum, err := env.ledger.SumForPeriod(ctx, "pro-2", proPeriodKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum, "failed generations are never counted")
}

func TestClientCancellationIsNotCounted(t *testing.T) {
	env := setupServer(t)
	env.generator.err = context.Canceled

	resp := env.generate("free-2", plandomain.FeatureCaptionBuilder)
	assert.Equal(t, statusClientClosedRequest, resp.Code)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		allowance, err := env.ledger.Allowance(ctx, "free-2", "calendar_2025-03")
		return err == nil && allowance == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHourlyCapReturnsHeaders(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	period := periodomain.Period{
		Key:   "calendar_2025-03",
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 0; i < 3; i++ {
		_, _, err := env.ledger.Record(ctx, usagedomain.RecordRequest{
			CompletionID: fmt.Sprintf("seed-%d", i),
			UserID:       "free-3",
			Feature:      plandomain.FeatureCaptionBuilder,
			Period:       period,
		})
		require.NoError(t, err)
	}

	resp := env.generate("free-3", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "3", resp.Header().Get(headerLimitHourly))
	assert.Equal(t, "0", resp.Header().Get(headerRemainingHourly))
	assert.Equal(t, "5", resp.Header().Get(headerLimitDaily))
	assert.Equal(t, "2", resp.Header().Get(headerRemainingDaily))
	assert.Equal(t, "3600", resp.Header().Get("Retry-After"))
	assert.Equal(t, 0, env.generator.calls)

	body := decodeDeny(t, resp)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, quotadomain.Reason(ratelimit.ReasonHourlyLimitExceeded), body.Details.Reason)
	assert.True(t, body.Details.HasFeatureAccess)
	assert.False(t, body.Details.HasUsageAvailable)
	require.NotNil(t, body.Details.RateLimit)
	assert.Equal(t, int64(3), body.Details.RateLimit.HourlyLimit)
	assert.Equal(t, int64(0), body.Details.RateLimit.HourlyRemaining)
	assert.Equal(t, int64(5), body.Details.RateLimit.DailyLimit)
	assert.Equal(t, int64(2), body.Details.RateLimit.DailyRemaining)
	assert.Equal(t, int64(3600), body.Details.RateLimit.RetryAfterSeconds)
}

func setupRedisServer(t *testing.T) (*testEnv, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := setupServerWith(t, func(usagedomain.Ledger) ratelimit.Backend {
		return ratelimit.NewRedisWindow(client)
	})
	return env, mr
}

func windowMembers(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	total := 0
	for _, key := range mr.Keys() {
		members, err := mr.ZMembers(key)
		if err != nil {
			continue
		}
		total += len(members)
	}
	return total
}

func TestDeniedFeatureDoesNotConsumeRateWindow(t *testing.T) {
	env, mr := setupRedisServer(t)

	for i := 0; i < 3; i++ {
		resp := env.generate("free-9", plandomain.FeatureViralHooks)
		require.Equal(t, http.StatusForbidden, resp.Code)
	}
	assert.Equal(t, 0, windowMembers(t, mr))

	resp := env.generate("free-9", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "2", resp.Header().Get(headerRemainingHourly))
	assert.Equal(t, 1, windowMembers(t, mr))
}

func TestFailedGenerationDoesNotConsumeRateWindow(t *testing.T) {
	env, mr := setupRedisServer(t)
	env.generator.err = gendomain.ErrGenerationFailed

	for i := 0; i < 4; i++ {
		resp := env.generate("free-10", plandomain.FeatureCaptionBuilder)
		require.Equal(t, http.StatusBadGateway, resp.Code, resp.Body.String())
	}
	assert.Equal(t, 0, windowMembers(t, mr))

	env.generator.err = nil
	resp := env.generate("free-10", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, 1, windowMembers(t, mr))
}

func TestHourlyCapDenialOnRedisWindow(t *testing.T) {
	env, _ := setupRedisServer(t)

	for i := 0; i < 3; i++ {
		resp := env.generate("free-11", plandomain.FeatureCaptionBuilder)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	}

	resp := env.generate("free-11", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	body := decodeDeny(t, resp)
	assert.Equal(t, quotadomain.Reason(ratelimit.ReasonHourlyLimitExceeded), body.Details.Reason)
	require.NotNil(t, body.Details.RateLimit)
	assert.Equal(t, int64(3), body.Details.RateLimit.HourlyLimit)
	assert.Equal(t, int64(0), body.Details.RateLimit.HourlyRemaining)
	assert.Equal(t, ratelimit.ReasonHourlyLimitExceeded, resp.Header().Get("X-Rate-Limited-Reason"))
}

func TestSuccessfulGenerationSetsRateLimitHeaders(t *testing.T) {
	env := setupServer(t)

	resp := env.generate("free-4", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "3", resp.Header().Get(headerRemainingHourly))
	assert.Equal(t, "5", resp.Header().Get(headerRemainingDaily))
}

func TestRequestsRequireUser(t *testing.T) {
	env := setupServer(t)

	resp := env.generate("", plandomain.FeatureCaptionBuilder)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestUnknownFeatureIsRejected(t *testing.T) {
	env := setupServer(t)

	resp := env.generate("free-5", "essay-writer")
	require.Equal(t, http.StatusBadRequest, resp.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Type)
	assert.Equal(t, "invalid_feature_type", body.Error.Errors[0].Code)
}

func TestInvalidBodyTakesNoSlot(t *testing.T) {
	env := setupServer(t)

	resp := env.do(http.MethodPost, "/api/generations/caption-builder", "free-6", `{"input":null}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	allowance, err := env.ledger.Allowance(context.Background(), "free-6", "calendar_2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), allowance)
	assert.Equal(t, 0, env.generator.calls)
}

func TestUsageStatsAndHistory(t *testing.T) {
	env := setupServer(t)
	env.subs.set("pro-3", plandomain.TierPro)

	resp := env.generate("pro-3", plandomain.FeatureThreadBuilder)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Eventually(t, func() bool {
		sum, err := env.ledger.SumForPeriod(context.Background(), "pro-3", proPeriodKey())
		return err == nil && sum == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := env.do(http.MethodGet, "/api/usage/stats", "pro-3", "")
	require.Equal(t, http.StatusOK, stats.Code)
	var statsBody struct {
		Data usageStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &statsBody))
	assert.Equal(t, plandomain.TierPro, statsBody.Data.Tier)
	assert.Equal(t, proPeriodKey(), statsBody.Data.PeriodKey)
	assert.Equal(t, int64(1), statsBody.Data.Total)
	assert.Equal(t, int64(1), statsBody.Data.ByFeature[plandomain.FeatureThreadBuilder])
	assert.Equal(t, int64(50), statsBody.Data.Limit)
	assert.Equal(t, int64(49), statsBody.Data.Remaining)
	assert.True(t, statsBody.Data.IsPaidPeriod)

	history := env.do(http.MethodGet, "/api/usage/history?limit=5", "pro-3", "")
	require.Equal(t, http.StatusOK, history.Code)
	var historyBody struct {
		Data []usagedomain.PeriodSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(history.Body.Bytes(), &historyBody))
	require.Len(t, historyBody.Data, 1)
	assert.Equal(t, int64(1), historyBody.Data[0].Total)

	bad := env.do(http.MethodGet, "/api/usage/history?limit=abc", "pro-3", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCheckIsAlwaysOK(t *testing.T) {
	env := setupServer(t)

	resp := env.do(http.MethodGet, "/api/usage/check/viral-hooks", "free-7", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data quotadomain.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.False(t, body.Data.Allowed)
	assert.Equal(t, quotadomain.ReasonFeatureNotAvailable, body.Data.Reason)
}

func TestAdminResetRequiresPermission(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	_, err := env.ledger.Increment(ctx, usagedomain.IncrementRequest{
		UserID:  "free-8",
		Feature: plandomain.FeatureCaptionBuilder,
		Period: periodomain.Period{
			Key:   "calendar_2025-03",
			Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	forbidden := env.do(http.MethodDelete, "/admin/usage/free-8", "free-8", "")
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	resp := env.do(http.MethodDelete, "/admin/usage/free-8?period_key=calendar_2025-03", "admin-1", "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var body struct {
		Data usagedomain.ResetResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Data.UsageRecords)

	sum, err := env.ledger.SumForPeriod(ctx, "free-8", "calendar_2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestMapErrorStatuses(t *testing.T) {
	cases := map[error]int{
		ErrUnauthorized:                 http.StatusUnauthorized,
		authorization.ErrForbidden:      http.StatusForbidden,
		ratelimit.ErrLimiterUnavailable: http.StatusServiceUnavailable,
		gendomain.ErrGenerationFailed:   http.StatusBadGateway,
		usagedomain.ErrInvalidPeriod:    http.StatusBadRequest,
		errors.New("boom"):              http.StatusInternalServerError,
		gorm.ErrRecordNotFound:          http.StatusNotFound,
	}
	for err, want := range cases {
		status, _ := mapError(err)
		if status != want {
			t.Fatalf("%v: expected %d, got %d", err, want, status)
		}
	}
}

func TestRateLimiterOutageDenies(t *testing.T) {
	env, mr := setupRedisServer(t)
	mr.Close()

	resp := env.generate("free-12", plandomain.FeatureCaptionBuilder)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	body := decodeDeny(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, quotadomain.Reason(ratelimit.ReasonLimiterUnavailable), body.Details.Reason)
	assert.Nil(t, body.Details.RateLimit)
	assert.Equal(t, 0, env.generator.calls)
}
