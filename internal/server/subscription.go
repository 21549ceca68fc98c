package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
)

type selectPlanRequest struct {
	UserID        string         `json:"user_id"`
	PlanCode      string         `json:"plan_code" binding:"required"`
	BillingCycle  string         `json:"billing_cycle"`
	CustomPricing map[string]any `json:"custom_pricing"`
}

type changePlanRequest struct {
	UserID   string `json:"user_id"`
	PlanCode string `json:"plan_code" binding:"required"`
}

type upgradeRequest struct {
	UserID       string `json:"user_id"`
	BillingCycle string `json:"billing_cycle" binding:"required"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) SelectPlan(c *gin.Context) {
	var req selectPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cycle := subscriptiondomain.BillingCycle(strings.TrimSpace(req.BillingCycle))
	if cycle == "" {
		cycle = subscriptiondomain.CycleTrial
	}

	sub, err := s.subscriptionSvc.SelectPlan(c.Request.Context(), subscriptiondomain.SelectPlanRequest{
		UserID:        userID,
		PlanCode:      strings.TrimSpace(req.PlanCode),
		BillingCycle:  cycle,
		CustomPricing: req.CustomPricing,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Upgrade(c.Request.Context(), userID, subscriptiondomain.BillingCycle(strings.TrimSpace(req.BillingCycle)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), subscriptiondomain.ChangePlanRequest{
		UserID:   userID,
		PlanCode: strings.TrimSpace(req.PlanCode),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

// GetCurrentSubscription returns the stored row with its lifecycle state
// refreshed, so callers never see a stale trial/active status.
func (s *Server) GetCurrentSubscription(c *gin.Context) {
	userID, err := s.resolveSubject(c, c.Query("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.subscriptionSvc.EffectiveState(c.Request.Context(), sub)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub.Status = status

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.subscriptionSvc.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) GetPlan(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, newValidationError("code", "invalid_plan_code", "invalid plan code"))
		return
	}

	plan, err := s.subscriptionSvc.GetPlan(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}
