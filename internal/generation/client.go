package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/generation/domain"
	"github.com/smallbiznis/genquota/internal/observability/tracing"
)

const maxResponseBytes = 4 << 20

// HTTPGenerator posts generation requests to an upstream model service.
type HTTPGenerator struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPGenerator(endpoint string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: tracing.WrapHTTPClient(&http.Client{
			Timeout: timeout,
		}),
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req domain.Request) (domain.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Response{}, err
	}

	url := g.endpoint + "/generate/" + string(req.Feature)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CompletionID != "" {
		httpReq.Header.Set("Idempotency-Key", req.CompletionID)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Response{}, ctxErr
		}
		return domain.Response{}, errors.Join(domain.ErrGeneratorUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Response{}, errors.Join(domain.ErrGeneratorUnavailable, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return domain.Response{}, fmt.Errorf("%w: upstream returned %s", domain.ErrGenerationFailed, resp.Status)
	}

	var out domain.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Response{}, fmt.Errorf("%w: decode response: %v", domain.ErrGenerationFailed, err)
	}
	if len(out.Output) == 0 {
		return domain.Response{}, fmt.Errorf("%w: empty output", domain.ErrGenerationFailed)
	}
	return out, nil
}

// EchoGenerator answers locally with the request input. It backs development
// setups without GENERATOR_URL.
type EchoGenerator struct{}

func (EchoGenerator) Generate(ctx context.Context, req domain.Request) (domain.Response, error) {
	if err := ctx.Err(); err != nil {
		return domain.Response{}, err
	}
	output, err := json.Marshal(map[string]any{
		"feature": req.Feature,
		"input":   req.Input,
	})
	if err != nil {
		return domain.Response{}, err
	}
	return domain.Response{Output: output, Model: "echo"}, nil
}

func NewGenerator(cfg config.Config) (domain.Generator, error) {
	if cfg.Generator.URL == "" {
		if cfg.IsProduction() {
			return nil, errors.New("GENERATOR_URL is required in production")
		}
		return EchoGenerator{}, nil
	}
	return NewHTTPGenerator(cfg.Generator.URL, time.Duration(cfg.Generator.TimeoutSeconds)*time.Second), nil
}
