package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/genquota/internal/observability/context"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
)

const (
	// HeaderUserID is set by the upstream gateway after authentication.
	HeaderUserID = "X-User-ID"

	contextUserIDKey     = "user_id"
	contextFeatureKey    = "feature"
	contextDenyReasonKey = "deny_reason"
)

// UserContext copies the authenticated user onto the request context.
func (s *Server) UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID != "" {
			c.Set(contextUserIDKey, userID)
			c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

func (s *Server) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userIDFrom(c) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// FeatureParam validates the :feature path segment.
func (s *Server) FeatureParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		feature, err := plandomain.ParseFeature(c.Param("feature"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextFeatureKey, string(feature))
		c.Request = c.Request.WithContext(obscontext.WithFeature(c.Request.Context(), string(feature)))
		c.Next()
	}
}

func (s *Server) RequirePermission(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authzSvc.Authorize(c.Request.Context(), userIDFrom(c), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func userIDFrom(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(contextUserIDKey))
}

func featureFrom(c *gin.Context) plandomain.FeatureType {
	return plandomain.FeatureType(c.GetString(contextFeatureKey))
}
