package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	allocationdomain "github.com/quartershq/quarters/internal/allocation/domain"
	gatedomain "github.com/quartershq/quarters/internal/gate/domain"
	"github.com/quartershq/quarters/internal/requestctx"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
)

type accessCheckRequest struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource" binding:"required"`
	Amount   int    `json:"amount"`
}

type usageMutationRequest struct {
	UserID      string `json:"user_id"`
	Resource    string `json:"resource" binding:"required"`
	Amount      int    `json:"amount"`
	OperationID string `json:"operation_id"`
}

// resolveSubject prefers the authenticated actor; an explicit user_id in the
// body is only honoured for callers with the activity.view privilege acting
// on someone else's behalf.
func (s *Server) resolveSubject(c *gin.Context, raw string) (snowflake.ID, error) {
	ctxUser, ok := requestctx.UserIDFromContext(c.Request.Context())

	raw = strings.TrimSpace(raw)
	if raw == "" {
		if !ok {
			return 0, newValidationError("user_id", "invalid_user_id", "invalid user_id")
		}
		return ctxUser, nil
	}

	parsed, err := snowflake.ParseString(raw)
	if err != nil || parsed == 0 {
		return 0, newValidationError("user_id", "invalid_user_id", "invalid user_id")
	}
	if ok && parsed != ctxUser {
		role := requestctx.RoleFromContext(c.Request.Context())
		if s.authzSvc.CanBypassChecks(c.Request.Context(), role) {
			return parsed, nil
		}
		return 0, ErrForbidden
	}
	return parsed, nil
}

func (s *Server) CheckAccess(c *gin.Context) {
	var req accessCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}

	decision, err := s.gateSvc.CheckAccess(c.Request.Context(), gatedomain.CheckAccessRequest{
		UserID:   userID,
		Resource: subscriptiondomain.ResourceType(strings.TrimSpace(req.Resource)),
		Amount:   amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) Allocate(c *gin.Context) {
	s.mutateUsage(c, s.gateSvc.Allocate)
}

func (s *Server) Deallocate(c *gin.Context) {
	s.mutateUsage(c, s.gateSvc.Deallocate)
}

func (s *Server) mutateUsage(c *gin.Context, op func(context.Context, gatedomain.AllocateRequest) (allocationdomain.Result, error)) {
	var req usageMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}

	result, err := op(c.Request.Context(), gatedomain.AllocateRequest{
		UserID:      userID,
		Resource:    subscriptiondomain.ResourceType(strings.TrimSpace(req.Resource)),
		Amount:      amount,
		OperationID: strings.TrimSpace(req.OperationID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		// Business denial, not a transport failure. 409 keeps retried
		// clients from treating it as their own bad request.
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"data": result})
}
