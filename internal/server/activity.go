package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/pkg/db/pagination"
)

type recordActivityRequest struct {
	UserID       string         `json:"user_id"`
	ActivityType string         `json:"activity_type" binding:"required"`
	Details      map[string]any `json:"details"`
	OperationID  string         `json:"operation_id"`
	RiskScore    int            `json:"risk_score"`
	Status       string         `json:"status"`
}

// RecordActivity accepts a ledger write and always returns 202: the append
// path is fire-and-forget by contract.
func (s *Server) RecordActivity(c *gin.Context) {
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := s.resolveSubject(c, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.activitySvc.Append(c.Request.Context(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityType(strings.TrimSpace(req.ActivityType)),
		Details:      req.Details,
		OperationID:  req.OperationID,
		RiskScore:    req.RiskScore,
		Status:       activitydomain.ActivityStatus(strings.TrimSpace(req.Status)),
	})

	c.Status(http.StatusAccepted)
}

func (s *Server) ListActivity(c *gin.Context) {
	var query struct {
		pagination.Pagination
		UserID       string `form:"user_id"`
		ActivityType string `form:"activity_type"`
		RiskLevel    string `form:"risk_level"`
		StartAt      string `form:"start_at"`
		EndAt        string `form:"end_at"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.activitySvc.List(c.Request.Context(), activitydomain.ListActivityRequest{
		Pagination:   query.Pagination,
		UserID:       strings.TrimSpace(query.UserID),
		ActivityType: strings.TrimSpace(query.ActivityType),
		RiskLevel:    strings.TrimSpace(query.RiskLevel),
		StartAt:      startAt,
		EndAt:        endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Activities, "page_info": resp.PageInfo})
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
