// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package refactor

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all refactor routes with the router group.
//
// Endpoints:
//
//	POST   /v1/refactor/suggestions - Register a diff suggestion
//	POST   /v1/refactor/suggestions/generate - Produce suggestions via LLM
//	GET    /v1/refactor/suggestions - List suggestions
//	GET    /v1/refactor/suggestions/stats - Aggregate counts
//	POST   /v1/refactor/suggestions/clear - Prune old suggestions
//	GET    /v1/refactor/suggestions/:id - Get one suggestion
//	POST   /v1/refactor/suggestions/:id/approve - Approve
//	POST   /v1/refactor/suggestions/:id/reject - Reject
//	POST   /v1/refactor/suggestions/:id/resubmit - Clone to fresh pending
//	POST   /v1/refactor/execute - Run one suggestion
//	POST   /v1/refactor/execute/batch - Run several suggestions
//	GET    /v1/refactor/history - Operation history
//	POST   /v1/refactor/operations/:id/rollback - Revert a committed operation
//	POST   /v1/refactor/migrations/split - Split a migration script
//	GET    /v1/refactor/files/state - Lock and quarantine status for a file
//	DELETE /v1/refactor/quarantine - Clear a file's quarantine flag
//	GET    /v1/refactor/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	r := rg.Group("/refactor")
	{
		// Suggestion lifecycle
		r.POST("/suggestions", handlers.HandleSuggest)
		r.POST("/suggestions/generate", handlers.HandleGenerate)
		r.GET("/suggestions", handlers.HandleListSuggestions)
		r.GET("/suggestions/stats", handlers.HandleStats)
		r.POST("/suggestions/clear", handlers.HandleClearSuggestions)
		r.GET("/suggestions/:id", handlers.HandleGetSuggestion)
		r.POST("/suggestions/:id/approve", handlers.HandleApprove)
		r.POST("/suggestions/:id/reject", handlers.HandleReject)
		r.POST("/suggestions/:id/resubmit", handlers.HandleResubmit)

		// Execution and history
		r.POST("/execute", handlers.HandleExecute)
		r.POST("/execute/batch", handlers.HandleExecuteBatch)
		r.GET("/history", handlers.HandleHistory)
		r.POST("/operations/:id/rollback", handlers.HandleRollback)

		// Migration splitting
		r.POST("/migrations/split", handlers.HandleSplit)

		// Operations
		r.GET("/files/state", handlers.HandleFileState)
		r.DELETE("/quarantine", handlers.HandleQuarantine)
		r.GET("/health", handlers.HandleHealth)
	}
}
