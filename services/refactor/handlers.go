// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package refactor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reviselabs/revise/services/refactor/executor"
	"github.com/reviselabs/revise/services/refactor/ledger"
	"github.com/reviselabs/revise/services/refactor/lock"
	"github.com/reviselabs/revise/services/refactor/migrate"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// =============================================================================
// Request / Response Types
// =============================================================================

// SuggestRequest registers a caller-supplied diff.
type SuggestRequest struct {
	FilePath string `json:"file_path" binding:"required"`
	Strategy string `json:"strategy"`
	Diff     string `json:"diff" binding:"required"`
	Priority int    `json:"priority"`
}

// GenerateRequest asks the configured producer for suggestions.
type GenerateRequest struct {
	FilePath     string `json:"file_path" binding:"required"`
	Strategy     string `json:"strategy"`
	Instructions string `json:"instructions"`
}

// ExecuteRequest runs one suggestion.
type ExecuteRequest struct {
	SuggestionID string `json:"suggestion_id" binding:"required"`
	DryRun       bool   `json:"dry_run"`
}

// ExecuteBatchRequest runs several suggestions.
type ExecuteBatchRequest struct {
	SuggestionIDs []string `json:"suggestion_ids" binding:"required"`
	DryRun        bool     `json:"dry_run"`
}

// SplitRequest splits a migration script.
type SplitRequest struct {
	Script          string `json:"script" binding:"required"`
	BaseName        string `json:"base_name" binding:"required"`
	TargetGroupSize int    `json:"target_group_size"`
}

// ClearRequest prunes old suggestions.
type ClearRequest struct {
	Status       string `json:"status" binding:"required"`
	OlderThanSec int    `json:"older_than_sec"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers contains the HTTP handlers for the refactor service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleSuggest handles POST /v1/refactor/suggestions.
//
// Response:
//
//	201 Created: the stored pending suggestion
//	400 Bad Request: malformed body or unparseable diff
func (h *Handlers) HandleSuggest(c *gin.Context) {
	logger := requestLogger(c, "HandleSuggest")

	var req SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	sugg, err := h.svc.Suggest(c.Request.Context(), req.FilePath, req.Strategy, req.Diff, req.Priority)
	if err != nil {
		logger.Warn("suggest failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "SUGGEST_FAILED"})
		return
	}
	logger.Info("suggestion created", "suggestion_id", sugg.ID, "file", sugg.FilePath)
	c.JSON(http.StatusCreated, sugg)
}

// HandleGenerate handles POST /v1/refactor/suggestions/generate.
func (h *Handlers) HandleGenerate(c *gin.Context) {
	logger := requestLogger(c, "HandleGenerate")

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	suggs, err := h.svc.Generate(c.Request.Context(), req.FilePath, req.Strategy, req.Instructions)
	if err != nil {
		logger.Error("generate failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "GENERATE_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, suggs)
}

// HandleListSuggestions handles GET /v1/refactor/suggestions.
// Supports status, file, and limit query parameters.
func (h *Handlers) HandleListSuggestions(c *gin.Context) {
	filter := suggestion.ListFilter{
		FilePath: c.Query("file"),
	}
	if s := c.Query("status"); s != "" {
		filter.Status = suggestion.Status(s)
	}
	if limit, err := intQuery(c, "limit"); err == nil {
		filter.Limit = limit
	}

	suggs, err := h.svc.ListSuggestions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggs, "count": len(suggs)})
}

// HandleGetSuggestion handles GET /v1/refactor/suggestions/:id.
func (h *Handlers) HandleGetSuggestion(c *gin.Context) {
	sugg, err := h.svc.GetSuggestion(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := suggestionErrStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, sugg)
}

// HandleApprove handles POST /v1/refactor/suggestions/:id/approve.
//
// Response:
//
//	200 OK: the approved suggestion
//	404 Not Found: unknown id
//	409 Conflict: transition not allowed from the current status
func (h *Handlers) HandleApprove(c *gin.Context) {
	h.transition(c, "HandleApprove", h.svc.Approve)
}

// HandleReject handles POST /v1/refactor/suggestions/:id/reject.
func (h *Handlers) HandleReject(c *gin.Context) {
	h.transition(c, "HandleReject", h.svc.Reject)
}

func (h *Handlers) transition(c *gin.Context, name string, fn func(ctx context.Context, id string) (*suggestion.Suggestion, error)) {
	logger := requestLogger(c, name)
	id := c.Param("id")

	sugg, err := fn(c.Request.Context(), id)
	if err != nil {
		status, code := suggestionErrStatus(err)
		logger.Warn("transition rejected", "suggestion_id", id, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("transition applied", "suggestion_id", id, "status", sugg.Status.String())
	c.JSON(http.StatusOK, sugg)
}

// HandleResubmit handles POST /v1/refactor/suggestions/:id/resubmit.
func (h *Handlers) HandleResubmit(c *gin.Context) {
	logger := requestLogger(c, "HandleResubmit")
	id := c.Param("id")

	sugg, err := h.svc.Resubmit(c.Request.Context(), id)
	if err != nil {
		status, code := suggestionErrStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("suggestion resubmitted", "previous_id", id, "suggestion_id", sugg.ID)
	c.JSON(http.StatusCreated, sugg)
}

// HandleClearSuggestions handles POST /v1/refactor/suggestions/clear.
func (h *Handlers) HandleClearSuggestions(c *gin.Context) {
	var req ClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	count, err := h.svc.ClearSuggestions(c.Request.Context(),
		suggestion.Status(req.Status), time.Duration(req.OlderThanSec)*time.Second)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CLEAR_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": count})
}

// HandleStats handles GET /v1/refactor/suggestions/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats, err := h.svc.SuggestionStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STATS_FAILED"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleExecute handles POST /v1/refactor/execute.
//
// Response:
//
//	200 OK: the recorded operation (committed, rolled back, or previewed)
//	409 Conflict: stale fingerprint, lock contention, or ordering violation
//	423 Locked: target file is quarantined
func (h *Handlers) HandleExecute(c *gin.Context) {
	logger := requestLogger(c, "HandleExecute")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	op, err := h.svc.Execute(c.Request.Context(), req.SuggestionID, req.DryRun)
	if err != nil {
		status, code := executeErrStatus(err)
		logger.Warn("execution did not commit", "suggestion_id", req.SuggestionID, "error", err)
		c.JSON(status, gin.H{"error": err.Error(), "code": code, "operation": op})
		return
	}
	c.JSON(http.StatusOK, op)
}

// HandleExecuteBatch handles POST /v1/refactor/execute/batch.
func (h *Handlers) HandleExecuteBatch(c *gin.Context) {
	var req ExecuteBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	results := h.svc.ExecuteBatch(c.Request.Context(), req.SuggestionIDs, req.DryRun)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// HandleHistory handles GET /v1/refactor/history.
// Supports file, suggestion, include_rolled_back, and limit parameters.
func (h *Handlers) HandleHistory(c *gin.Context) {
	q := ledger.Query{
		FilePath:          c.Query("file"),
		SuggestionID:      c.Query("suggestion"),
		IncludeRolledBack: c.Query("include_rolled_back") == "true",
	}
	if limit, err := intQuery(c, "limit"); err == nil {
		q.Limit = limit
	}

	ops, err := h.svc.History(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "HISTORY_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

// HandleRollback handles POST /v1/refactor/operations/:id/rollback.
func (h *Handlers) HandleRollback(c *gin.Context) {
	logger := requestLogger(c, "HandleRollback")
	id := c.Param("id")

	op, err := h.svc.RollbackCommitted(c.Request.Context(), id)
	if err != nil {
		status, code := executeErrStatus(err)
		if errors.Is(err, ledger.ErrNotFound) {
			status, code = http.StatusNotFound, "OPERATION_NOT_FOUND"
		}
		logger.Warn("rollback failed", "operation_id", id, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, op)
}

// HandleSplit handles POST /v1/refactor/migrations/split.
//
// Response:
//
//	200 OK: groups and their registered suggestions
//	422 Unprocessable Entity: dependency cycle or forward reference;
//	no groups are produced
func (h *Handlers) HandleSplit(c *gin.Context) {
	logger := requestLogger(c, "HandleSplit")

	var req SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	result, err := h.svc.SplitMigration(c.Request.Context(), req.Script, req.BaseName, req.TargetGroupSize)
	if err != nil {
		status := http.StatusBadRequest
		code := "SPLIT_FAILED"
		var cycleErr *migrate.DependencyCycleError
		var fwdErr *migrate.ForwardReferenceError
		if errors.As(err, &cycleErr) {
			status, code = http.StatusUnprocessableEntity, "DEPENDENCY_CYCLE"
		} else if errors.As(err, &fwdErr) {
			status, code = http.StatusUnprocessableEntity, "FORWARD_REFERENCE"
		}
		logger.Warn("split failed", "base_name", req.BaseName, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleQuarantine handles DELETE /v1/refactor/quarantine.
// Clears the quarantine flag for the file in the path query parameter.
func (h *Handlers) HandleQuarantine(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path query parameter required", Code: "INVALID_REQUEST"})
		return
	}
	if _, ok := h.svc.Quarantined(path); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "file is not quarantined", Code: "NOT_QUARANTINED"})
		return
	}
	h.svc.ClearQuarantine(path)
	c.JSON(http.StatusOK, gin.H{"cleared": path})
}

// HandleFileState handles GET /v1/refactor/files/state.
// Reports lock, quarantine, and external-modification status for the
// file in the path query parameter.
func (h *Handlers) HandleFileState(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path query parameter required", Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, h.svc.FileState(path))
}

// HandleHealth handles GET /v1/refactor/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": ServiceVersion})
}

// =============================================================================
// Helpers
// =============================================================================

func requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return slog.With("request_id", requestID, "handler", handler)
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, errors.New("missing")
	}
	return strconv.Atoi(v)
}

func suggestionErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, suggestion.ErrNotFound):
		return http.StatusNotFound, "SUGGESTION_NOT_FOUND"
	case errors.Is(err, suggestion.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func executeErrStatus(err error) (int, string) {
	var conflictErr *executor.ConflictError
	var orderErr *executor.OrderError
	var applyErr *executor.ApplyError
	var backupErr *executor.BackupError
	var restoreErr *executor.RestoreError

	switch {
	case errors.Is(err, executor.ErrFileQuarantined):
		return http.StatusLocked, "FILE_QUARANTINED"
	case errors.Is(err, lock.ErrOperationInProgress):
		return http.StatusConflict, "OPERATION_IN_PROGRESS"
	case errors.As(err, &conflictErr):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &orderErr):
		return http.StatusConflict, "OUT_OF_ORDER"
	case errors.As(err, &applyErr):
		return http.StatusUnprocessableEntity, "APPLY_FAILED"
	case errors.As(err, &backupErr):
		return http.StatusInternalServerError, "BACKUP_FAILED"
	case errors.As(err, &restoreErr):
		return http.StatusInternalServerError, "RESTORE_FAILED"
	case errors.Is(err, suggestion.ErrNotFound):
		return http.StatusNotFound, "SUGGESTION_NOT_FOUND"
	case errors.Is(err, suggestion.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	default:
		return http.StatusInternalServerError, "EXECUTE_FAILED"
	}
}
