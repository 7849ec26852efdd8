// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package refactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviselabs/revise/services/refactor/config"
	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

type testServer struct {
	router *gin.Engine
	svc    *Service
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := config.Default(filepath.Join(dir, "data"))

	svc, err := NewService(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return &testServer{router: router, svc: svc, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// seedFile writes a target file and returns its path and a diff that
// rewrites before into after.
func (ts *testServer) seedFile(t *testing.T, name, before, after string) (string, string) {
	t.Helper()
	path := filepath.Join(ts.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(before), 0o644))
	return path, patch.Unified(path, []byte(before), []byte(after))
}

// TestHandleHealth verifies the liveness endpoint.
func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/refactor/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

// TestSuggestApproveExecuteFlow walks the whole API lifecycle end to
// end: register, approve, execute, inspect history.
func TestSuggestApproveExecuteFlow(t *testing.T) {
	ts := newTestServer(t)
	path, diff := ts.seedFile(t, "main.go", "old\n", "new\n")

	w := ts.do(t, http.MethodPost, "/v1/refactor/suggestions", SuggestRequest{
		FilePath: path,
		Strategy: "cleanup",
		Diff:     diff,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sugg := decode[suggestion.Suggestion](t, w)
	require.NotEmpty(t, sugg.ID)
	assert.Equal(t, suggestion.StatusPending, sugg.Status)

	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions/"+sugg.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	approved := decode[suggestion.Suggestion](t, w)
	assert.Equal(t, suggestion.StatusApproved, approved.Status)

	w = ts.do(t, http.MethodPost, "/v1/refactor/execute", ExecuteRequest{SuggestionID: sugg.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"committed"`)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	w = ts.do(t, http.MethodGet, "/v1/refactor/history?file="+path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 1, hist.Count)
}

// TestHandleSuggest_RejectsBadInput verifies 400s for missing fields
// and unparseable diffs.
func TestHandleSuggest_RejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/refactor/suggestions", map[string]string{"file_path": "x.go"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path, _ := ts.seedFile(t, "main.go", "old\n", "new\n")
	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions", SuggestRequest{
		FilePath: path,
		Diff:     "not a diff",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandleApprove_ErrorMapping verifies 404 for unknown ids and 409
// for disallowed transitions.
func TestHandleApprove_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/refactor/suggestions/nope/approve", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "SUGGESTION_NOT_FOUND", resp.Code)

	path, diff := ts.seedFile(t, "main.go", "old\n", "new\n")
	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions", SuggestRequest{FilePath: path, Diff: diff})
	require.Equal(t, http.StatusCreated, w.Code)
	sugg := decode[suggestion.Suggestion](t, w)

	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions/"+sugg.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions/"+sugg.ID+"/approve", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	resp = decode[ErrorResponse](t, w)
	assert.Equal(t, "INVALID_TRANSITION", resp.Code)
}

// TestHandleExecute_ConflictMapping verifies a stale fingerprint maps
// to 409 CONFLICT with the aborted operation attached.
func TestHandleExecute_ConflictMapping(t *testing.T) {
	ts := newTestServer(t)
	path, diff := ts.seedFile(t, "main.go", "old\n", "new\n")

	w := ts.do(t, http.MethodPost, "/v1/refactor/suggestions", SuggestRequest{FilePath: path, Diff: diff})
	require.Equal(t, http.StatusCreated, w.Code)
	sugg := decode[suggestion.Suggestion](t, w)
	w = ts.do(t, http.MethodPost, "/v1/refactor/suggestions/"+sugg.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Drift the file underneath the approved suggestion.
	require.NoError(t, os.WriteFile(path, []byte("drifted\n"), 0o644))

	w = ts.do(t, http.MethodPost, "/v1/refactor/execute", ExecuteRequest{SuggestionID: sugg.ID})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"CONFLICT"`)
	assert.Contains(t, w.Body.String(), `"aborted"`)
}

// TestHandleSplit_SuccessAndCycle verifies splitting registers
// suggestions and a cyclic script maps to 422.
func TestHandleSplit_SuccessAndCycle(t *testing.T) {
	ts := newTestServer(t)

	script := ""
	for i := 1; i <= 4; i++ {
		script += fmt.Sprintf("CREATE TABLE t%d (id INT);\n", i)
	}
	w := ts.do(t, http.MethodPost, "/v1/refactor/migrations/split", SplitRequest{
		Script:          script,
		BaseName:        "orders",
		TargetGroupSize: 2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[SplitResult](t, w)
	assert.Len(t, result.Groups, 2)
	assert.Len(t, result.Suggestions, 4)
	for _, sg := range result.Suggestions {
		assert.NotEmpty(t, sg.ID, "registered suggestions carry store ids")
		assert.Equal(t, suggestion.StatusPending, sg.Status)
	}

	cyclic := `
CREATE TABLE a (b_id INT REFERENCES b);
CREATE TABLE b (a_id INT REFERENCES a);
`
	w = ts.do(t, http.MethodPost, "/v1/refactor/migrations/split", SplitRequest{
		Script:   cyclic,
		BaseName: "bad",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "DEPENDENCY_CYCLE", resp.Code)
}

// TestHandleQuarantine_NotQuarantined verifies the 404 mapping.
func TestHandleQuarantine_NotQuarantined(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodDelete, "/v1/refactor/quarantine?path=/tmp/x.go", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "NOT_QUARANTINED", resp.Code)
}

// TestHandleFileState verifies the advisory file-state endpoint and its
// required path parameter.
func TestHandleFileState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/refactor/files/state?path=/tmp/x.go", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"locked":false`)
	assert.Contains(t, w.Body.String(), `"quarantined":false`)

	w = ts.do(t, http.MethodGet, "/v1/refactor/files/state", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "INVALID_REQUEST", resp.Code)
}
