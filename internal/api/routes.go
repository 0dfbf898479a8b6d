package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes(auth *AuthConfig) {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleGetHealth)

	// approval links arrive from chat/push messages, authenticated by the
	// single-use token itself
	approvals := s.router.Group("/approvals")
	{
		approvals.GET("/:token", s.handleGetApproval)
		approvals.POST("/:token/approve", s.handleApproveByToken)
		approvals.POST("/:token/reject", s.handleRejectByToken)
	}

	v1 := s.router.Group("/api/v1")
	if auth != nil && auth.Enabled {
		v1.Use(AuthMiddleware(s.keys, auth))
	}
	{
		executions := v1.Group("/executions")
		{
			executions.GET("", s.handleListExecutions)
			executions.GET("/:id", s.handleGetExecution)
			executions.GET("/:id/pre-trade-report", s.handlePreTradeReport)
			executions.POST("/:id/approve", s.handleApprove)
			executions.POST("/:id/reject", s.handleReject)
			executions.POST("/:id/cancel", s.handleCancel)
		}

		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("", s.handleListPipelines)
			pipelines.POST("", s.handleCreatePipeline)
			pipelines.GET("/:id", s.handleGetPipeline)
			pipelines.PUT("/:id", s.handleUpdatePipeline)
			pipelines.DELETE("/:id", s.handleDeletePipeline)
			pipelines.GET("/:id/export", s.handleExportPipeline)
			pipelines.POST("/import", s.handleImportPipeline)
			pipelines.POST("/:id/signals", s.handleSignal)
		}

		v1.GET("/ws", s.handleWebsocket)
	}
}
