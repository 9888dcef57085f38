package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	gendomain "github.com/smallbiznis/genquota/internal/generation/domain"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	"go.uber.org/zap"
)

// statusClientClosedRequest is reported when the caller went away mid-generation.
const statusClientClosedRequest = 499

const (
	contextGenerationKey          = "generation_request"
	contextGenerationSucceededKey = "generation_succeeded"
)

type generateRequest struct {
	Input json.RawMessage `json:"input"`
}

type generateData struct {
	CompletionID string          `json:"completionId"`
	Feature      string          `json:"feature"`
	Model        string          `json:"model,omitempty"`
	Output       json.RawMessage `json:"output"`
}

type generateResponse struct {
	Success bool               `json:"success"`
	Data    generateData       `json:"data"`
	Usage   *quotadomain.Usage `json:"usage,omitempty"`
}

// GenerationBody validates the payload before any quota or window capacity
// is spent on it.
func (s *Server) GenerationBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Input) == 0 || string(req.Input) == "null" {
			AbortWithError(c, gendomain.ErrInvalidGenerationBody)
			return
		}
		c.Set(contextGenerationKey, req)
		c.Next()
	}
}

func (s *Server) Generate(c *gin.Context) {
	ctx := c.Request.Context()
	completion := completionFrom(c)
	if completion == nil {
		AbortWithError(c, ErrInternal)
		return
	}
	v, _ := c.Get(contextGenerationKey)
	req, _ := v.(generateRequest)

	feature := featureFrom(c)
	resp, err := s.generator.Generate(ctx, gendomain.Request{
		CompletionID: completion.ID(),
		UserID:       userIDFrom(c),
		Feature:      feature,
		Input:        req.Input,
	})
	if err != nil {
		completion.Fail(ctx, err)
		if errors.Is(err, context.Canceled) {
			c.AbortWithStatus(statusClientClosedRequest)
			return
		}
		logger.FromContext(ctx).Warn("generation failed", zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			AbortWithError(c, ErrBadGateway)
			return
		}
		AbortWithError(c, err)
		return
	}

	decision := decisionFrom(c)
	body := generateResponse{
		Success: true,
		Data: generateData{
			CompletionID: completion.ID(),
			Feature:      string(feature),
			Model:        resp.Model,
			Output:       resp.Output,
		},
		Usage: decision.Usage,
	}

	completion.Succeed(ctx, map[string]any{
		"model": resp.Model,
	})
	c.Set(contextGenerationSucceededKey, true)
	c.JSON(http.StatusOK, body)
}

func generationSucceeded(c *gin.Context) bool {
	return c.GetBool(contextGenerationSucceededKey)
}
