package domain

import (
	"context"
	"encoding/json"
	"errors"

	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
)

type Request struct {
	CompletionID string                 `json:"completionId"`
	UserID       string                 `json:"userId"`
	Feature      plandomain.FeatureType `json:"feature"`
	Input        json.RawMessage        `json:"input,omitempty"`
}

type Response struct {
	Output json.RawMessage `json:"output"`
	Model  string          `json:"model,omitempty"`
}

// Generator performs the AI generation. Implementations must honour ctx
// cancellation.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

var (
	ErrGenerationFailed      = errors.New("generation_failed")
	ErrGeneratorUnavailable  = errors.New("generator_unavailable")
	ErrInvalidGenerationBody = errors.New("invalid_generation_body")
)
