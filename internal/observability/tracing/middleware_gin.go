package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/genquota/internal/observability/context"
	"github.com/smallbiznis/genquota/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens one server span per request. Generation requests are
// named after their feature and carry the caller, the quota outcome and the
// remaining short-window capacity.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("genquota/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		ctx, _ = correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		// Handlers downstream replace the request context with user and feature.
		reqCtx := c.Request.Context()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName(spanName(c.Request.Method, route, obscontext.FeatureFromContext(reqCtx)))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if userID := obscontext.UserIDFromContext(reqCtx); userID != "" {
			attrs = append(attrs, attribute.String("enduser.id", userID))
		}
		if feature := obscontext.FeatureFromContext(reqCtx); feature != "" {
			attrs = append(attrs, attribute.String("genquota.feature", feature))
		}
		if reason := c.GetString("deny_reason"); reason != "" {
			attrs = append(attrs,
				attribute.String("genquota.deny_reason", reason),
				attribute.Bool("genquota.denied", true),
			)
		}
		if remaining := c.Writer.Header().Get("X-RateLimit-Remaining-Hourly"); remaining != "" {
			attrs = append(attrs, attribute.String("genquota.rate_limit.remaining_hourly", remaining))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

func spanName(method, route, feature string) string {
	if feature != "" && strings.HasPrefix(route, "/api/generations/") {
		return "generation " + feature
	}
	return "HTTP " + strings.ToUpper(method) + " " + route
}
