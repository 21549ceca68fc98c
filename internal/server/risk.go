package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetRiskProfile(c *gin.Context) {
	userID, err := s.resolveSubject(c, c.Query("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	profile, err := s.riskSvc.Profile(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": profile})
}
