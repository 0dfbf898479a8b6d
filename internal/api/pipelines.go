package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// handleListPipelines lists pipeline definitions, optionally scoped to a user
func (s *Server) handleListPipelines(c *gin.Context) {
	var userID *uuid.UUID
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		userID = &id
	}

	pipelines, err := s.pipelines.ListPipelines(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pipelines"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines, "count": len(pipelines)})
}

// handleCreatePipeline validates and stores a new pipeline definition
func (s *Server) handleCreatePipeline(c *gin.Context) {
	var p pipeline.Pipeline
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline document"})
		return
	}

	if err := s.pipelines.CreatePipeline(c.Request.Context(), &p); err != nil {
		var verrs pipeline.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pipeline validation failed", "details": verrs})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create pipeline"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pipeline": p})
}

// handleGetPipeline returns one pipeline definition
func (s *Server) handleGetPipeline(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p})
}

// handleUpdatePipeline replaces a pipeline definition
func (s *Server) handleUpdatePipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var p pipeline.Pipeline
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline document"})
		return
	}
	p.ID = id

	if err := s.pipelines.UpdatePipeline(c.Request.Context(), &p); err != nil {
		var verrs pipeline.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pipeline validation failed", "details": verrs})
		case errors.Is(err, store.ErrPipelineNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update pipeline"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p})
}

// handleDeletePipeline removes a pipeline definition
func (s *Server) handleDeletePipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}
	if err := s.pipelines.DeletePipeline(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete pipeline"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleExportPipeline serves the pipeline as a portable YAML document
func (s *Server) handleExportPipeline(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}

	doc, err := pipeline.Export(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export pipeline"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+p.Name+`.yaml"`)
	c.Data(http.StatusOK, "application/yaml", doc)
}

// handleImportPipeline accepts a YAML document and stores it as a new pipeline
func (s *Server) handleImportPipeline(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	p, err := pipeline.Import(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	// imported documents get a fresh identity under the importing user
	p.ID = uuid.Nil
	if v := c.Query("user_id"); v != "" {
		userID, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		p.UserID = userID
	}

	if err := s.pipelines.CreatePipeline(c.Request.Context(), p); err != nil {
		var verrs pipeline.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pipeline validation failed", "details": verrs})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to import pipeline"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pipeline": p})
}

// handleSignal feeds an external signal into a signal-triggered pipeline
func (s *Server) handleSignal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var body struct {
		Symbol     string                 `json:"symbol" binding:"required"`
		SignalData map[string]interface{} `json:"signal_data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	execID, err := s.dispatcher.IntakeSignal(c.Request.Context(), id, body.Symbol, body.SignalData)
	if err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if execID == uuid.Nil {
		c.JSON(http.StatusConflict, gin.H{"error": "execution already in flight for this symbol"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

func (s *Server) loadPipeline(c *gin.Context) (*pipeline.Pipeline, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return nil, false
	}
	p, err := s.pipelines.GetPipeline(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pipeline"})
		}
		return nil, false
	}
	return p, true
}
