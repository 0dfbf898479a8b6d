package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantpipe/quantpipe/internal/approval"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// handleRoot identifies the service
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "QuantPipe API",
		"version": "1.0.0",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth is the load balancer health check
func (s *Server) handleGetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// executionView is the wire representation of an execution
type executionView struct {
	ID                uuid.UUID              `json:"id"`
	PipelineID        uuid.UUID              `json:"pipeline_id"`
	UserID            uuid.UUID              `json:"user_id"`
	Symbol            string                 `json:"symbol"`
	Mode              string                 `json:"mode"`
	Status            string                 `json:"status"`
	ApprovalStatus    string                 `json:"approval_status,omitempty"`
	ApprovalExpiresAt *time.Time             `json:"approval_expires_at,omitempty"`
	NextCheckAt       *time.Time             `json:"next_check_at,omitempty"`
	TotalCost         float64                `json:"total_cost"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Error             *string                `json:"error,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

func toExecutionView(ex *store.Execution) executionView {
	v := executionView{
		ID:                ex.ID,
		PipelineID:        ex.PipelineID,
		UserID:            ex.UserID,
		Symbol:            ex.Symbol,
		Mode:              string(ex.Mode),
		Status:            string(ex.Status),
		ApprovalExpiresAt: ex.ApprovalExpiresAt,
		NextCheckAt:       ex.NextCheckAt,
		Error:             ex.ErrorMessage,
		StartedAt:         ex.StartedAt,
		CompletedAt:       ex.CompletedAt,
		CreatedAt:         ex.CreatedAt,
	}
	if ex.ApprovalStatus != pipeline.ApprovalNone {
		v.ApprovalStatus = string(ex.ApprovalStatus)
	}
	if ex.State != nil {
		v.TotalCost = ex.State.TotalCost
		v.Result = ex.State.Result()
	}
	return v
}

// handleListExecutions lists executions with optional filters
func (s *Server) handleListExecutions(c *gin.Context) {
	f := store.Filter{Limit: 50}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if v := c.Query("pipeline_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline_id"})
			return
		}
		f.PipelineID = &id
	}
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		f.UserID = &id
	}
	f.Symbol = c.Query("symbol")
	if v := c.Query("status"); v != "" {
		f.Statuses = []pipeline.Status{pipeline.Status(v)}
	}

	executions, err := s.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}

	views := make([]executionView, 0, len(executions))
	for _, ex := range executions {
		views = append(views, toExecutionView(ex))
	}
	c.JSON(http.StatusOK, gin.H{"executions": views, "count": len(views)})
}

// handleGetExecution returns the full execution including its state envelope
func (s *Server) handleGetExecution(c *gin.Context) {
	ex, ok := s.loadExecution(c)
	if !ok {
		return
	}

	view := toExecutionView(ex)
	resp := gin.H{"execution": view}
	if ex.State != nil {
		resp["state"] = ex.State
	}
	c.JSON(http.StatusOK, resp)
}

// handlePreTradeReport surfaces the proposal a pending approval refers to
func (s *Server) handlePreTradeReport(c *gin.Context) {
	ex, ok := s.loadExecution(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, preTradeReport(ex))
}

func preTradeReport(ex *store.Execution) gin.H {
	report := gin.H{
		"execution_id":        ex.ID,
		"symbol":              ex.Symbol,
		"mode":                string(ex.Mode),
		"status":              string(ex.Status),
		"approval_status":     string(ex.ApprovalStatus),
		"approval_expires_at": ex.ApprovalExpiresAt,
	}
	if st := ex.State; st != nil {
		if st.Strategy != nil {
			report["strategy"] = st.Strategy
		}
		if st.RiskAssessment != nil {
			report["risk_assessment"] = st.RiskAssessment
		}
		if len(st.Biases) > 0 {
			report["biases"] = st.Biases
		}
		report["total_cost"] = st.TotalCost
	}
	return report
}

// handleApprove records a positive approval decision
func (s *Server) handleApprove(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	s.respondDecision(c, s.gate.Approve(c.Request.Context(), id), "approved")
}

// handleReject records a negative approval decision
func (s *Server) handleReject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.respondDecision(c, s.gate.Reject(c.Request.Context(), id, body.Reason), "rejected")
}

// handleCancel flags the execution for cancellation at the next safe point
func (s *Server) handleCancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.canceller.RequestCancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

// respondDecision maps approval gate refusals onto HTTP statuses
func (s *Server) respondDecision(c *gin.Context, err error, decision string) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": decision})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
	case errors.Is(err, approval.ErrApprovalExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "approval window has expired"})
	case errors.Is(err, approval.ErrNotAwaitingApproval):
		c.JSON(http.StatusConflict, gin.H{"error": "execution is not awaiting approval"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decision failed"})
	}
}

func (s *Server) loadExecution(c *gin.Context) (*store.Execution, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	ex, err := s.store.Load(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution"})
		}
		return nil, false
	}
	return ex, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return uuid.Nil, false
	}
	return id, true
}
