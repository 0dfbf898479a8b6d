package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quantpipe/quantpipe/internal/store"
)

// handleGetApproval shows the pre-trade report behind an approval link
func (s *Server) handleGetApproval(c *gin.Context) {
	ex, ok := s.loadByToken(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, preTradeReport(ex))
}

// handleApproveByToken approves through the out-of-band link
func (s *Server) handleApproveByToken(c *gin.Context) {
	s.respondDecision(c, s.gate.ApproveByToken(c.Request.Context(), c.Param("token")), "approved")
}

// handleRejectByToken rejects through the out-of-band link
func (s *Server) handleRejectByToken(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.respondDecision(c, s.gate.RejectByToken(c.Request.Context(), c.Param("token"), body.Reason), "rejected")
}

func (s *Server) loadByToken(c *gin.Context) (*store.Execution, bool) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing approval token"})
		return nil, false
	}
	ex, err := s.store.LoadByApprovalToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load approval"})
		}
		return nil, false
	}
	return ex, true
}
