package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/generation/domain"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	"github.com/smallbiznis/genquota/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGeneratorPostsRequest(t *testing.T) {
	var gotPath, gotCorrelation, gotIdempotency string
	var gotBody domain.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCorrelation = r.Header.Get(correlation.HeaderName)
		gotIdempotency = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"hooks":["a","b"]},"model":"m-1"}`))
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL+"/", time.Second)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-1")
	resp, err := gen.Generate(ctx, domain.Request{
		CompletionID: "c-1",
		UserID:       "u1",
		Feature:      plandomain.FeatureViralHooks,
		Input:        json.RawMessage(`{"topic":"go"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "/generate/viral-hooks", gotPath)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.Equal(t, "c-1", gotIdempotency)
	assert.Equal(t, "u1", gotBody.UserID)
	assert.JSONEq(t, `{"topic":"go"}`, string(gotBody.Input))
	assert.Equal(t, "m-1", resp.Model)
	assert.JSONEq(t, `{"hooks":["a","b"]}`, string(resp.Output))
}

func TestHTTPGeneratorUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), domain.Request{Feature: plandomain.FeatureViralHooks})
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
}

func TestHTTPGeneratorEmptyOutputFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), domain.Request{Feature: plandomain.FeatureViralHooks})
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
}

func TestHTTPGeneratorHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPGenerator(srv.URL, 5*time.Second).Generate(ctx, domain.Request{Feature: plandomain.FeatureViralHooks})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestNewGeneratorFallsBackToEcho(t *testing.T) {
	gen, err := NewGenerator(config.Config{Environment: "development"})
	require.NoError(t, err)
	resp, err := gen.Generate(context.Background(), domain.Request{Feature: plandomain.FeatureCaptionBuilder, Input: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Model)
	assert.JSONEq(t, `{"feature":"caption-builder","input":"hi"}`, string(resp.Output))

	_, err = NewGenerator(config.Config{Environment: "production"})
	assert.Error(t, err)
}
