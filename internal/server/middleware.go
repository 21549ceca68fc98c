package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quartershq/quarters/internal/requestctx"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderFingerprint = "X-Device-Fingerprint"
	HeaderRequestID   = "X-Request-ID"
)

// RequestID propagates the caller's request id or mints one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(requestctx.WithRequestID(c.Request.Context(), id))
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RequestContext lifts actor and client metadata out of the headers so
// services never touch the transport. The upstream gateway authenticates
// callers and is trusted for these headers.
func (s *Server) RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if raw := strings.TrimSpace(c.GetHeader(HeaderUserID)); raw != "" {
			if userID, err := snowflake.ParseString(raw); err == nil && userID != 0 {
				ctx = requestctx.WithUserID(ctx, userID)
			}
		}
		if role := strings.TrimSpace(c.GetHeader(HeaderUserRole)); role != "" {
			ctx = requestctx.WithRole(ctx, role)
		}
		ctx = requestctx.WithIPAddress(ctx, c.ClientIP())
		if ua := c.Request.UserAgent(); ua != "" {
			ctx = requestctx.WithUserAgent(ctx, ua)
		}
		if fp := strings.TrimSpace(c.GetHeader(HeaderFingerprint)); fp != "" {
			ctx = requestctx.WithDeviceFingerprint(ctx, fp)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAction gates a route on the caller's role via the policy table.
func (s *Server) RequireAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := requestctx.RoleFromContext(c.Request.Context())
		if err := s.authzSvc.Authorize(c.Request.Context(), role, object, action); err != nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}
