package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskboard/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore, fp *fakePresence) (*HTTPServer, string) {
	t.Helper()
	service := newTestService(fs, fp)
	server := NewHTTPServer(service, "*")
	session, err := service.Login(context.Background(), "avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return server, session.Token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore(), &fakePresence{})

	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["ok"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore(), &fakePresence{})

	recorder := doRequest(t, server, http.MethodGet, "/api/workspaces/ws_1/tasks", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "AUTHENTICATION_REQUIRED" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestAnonymousHeartbeatTolerated(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore(), &fakePresence{})

	recorder := doRequest(t, server, http.MethodPost, "/api/presence/heartbeat", "", map[string]any{
		"workspaceId": "ws_1",
		"currentPage": "/board",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("anonymous heartbeat should succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	fs := newFakeStore()
	server, token := newTestServer(t, fs, &fakePresence{})

	recorder := doRequest(t, server, http.MethodPost, "/api/workspaces/ws_1/tasks", token, map[string]any{
		"title":    "Write release notes",
		"priority": "high",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeResponse(t, recorder)
	taskID := created["id"].(string)
	if created["version"].(float64) != 0 {
		t.Fatalf("new task must start at version 0, got %v", created["version"])
	}

	recorder = doRequest(t, server, http.MethodPatch, "/api/tasks/"+taskID, token, map[string]any{
		"updates":         map[string]any{"status": "in_progress"},
		"workspaceId":     "ws_1",
		"expectedVersion": 0,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	updated := decodeResponse(t, recorder)
	if updated["version"].(float64) != 1 {
		t.Fatalf("expected version 1 after update, got %v", updated["version"])
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/tasks/"+taskID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get failed with %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["status"] != "in_progress" {
		t.Fatalf("unexpected task payload %v", payload)
	}
}

func TestStaleUpdateReturnsConflictDetails(t *testing.T) {
	fs := newFakeStore()
	seedTask(fs, "tsk_1", "ws_1")
	server, token := newTestServer(t, fs, &fakePresence{})

	_ = fs.AppendActivity(context.Background(), store.ActivityRecord{WorkspaceID: "ws_1", UserID: "usr_b", TaskID: "tsk_1", Action: "update"})

	recorder := doRequest(t, server, http.MethodPatch, "/api/tasks/tsk_1", token, map[string]any{
		"updates":         map[string]any{"status": "done"},
		"workspaceId":     "ws_1",
		"expectedVersion": 0,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "CONFLICT_DETECTED" {
		t.Fatalf("unexpected payload %v", payload)
	}
	details := payload["details"].(map[string]any)
	if details["conflictType"] != ConflictTypeStaleData {
		t.Fatalf("expected stale_data details, got %v", details)
	}
	if details["currentVersion"].(float64) != 1 || details["expectedVersion"].(float64) != 0 {
		t.Fatalf("version pair missing from details: %v", details)
	}
}

func TestConflictCheckAndResolveOverHTTP(t *testing.T) {
	fs := newFakeStore()
	seedTask(fs, "tsk_1", "ws_1")
	server, token := newTestServer(t, fs, &fakePresence{})

	_ = fs.AppendActivity(context.Background(), store.ActivityRecord{WorkspaceID: "ws_1", UserID: "usr_b", TaskID: "tsk_1", Action: "update"})

	recorder := doRequest(t, server, http.MethodPost, "/api/tasks/tsk_1/conflicts/check", token, map[string]any{
		"workspaceId":     "ws_1",
		"expectedVersion": 0,
		"proposedChanges": map[string]any{"status": "done"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("check failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	result := decodeResponse(t, recorder)
	if result["hasConflict"] != true {
		t.Fatalf("expected a conflict, got %v", result)
	}
	conflictID := result["conflictId"].(string)

	recorder = doRequest(t, server, http.MethodPost, "/api/conflicts/"+conflictID+"/resolve", token, map[string]any{
		"resolution": "force_save",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("resolve failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["success"] != true {
		t.Fatalf("unexpected resolve payload %v", payload)
	}
	if fs.tasks["tsk_1"].Status != "done" {
		t.Fatalf("force_save did not apply the queued change: %+v", fs.tasks["tsk_1"])
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/conflicts/"+conflictID+"/resolve", token, map[string]any{
		"resolution": "force_save",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("second resolve should 409, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "ALREADY_RESOLVED" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	fs := newFakeStore()
	server, token := newTestServer(t, fs, &fakePresence{})

	recorder := doRequest(t, server, http.MethodPost, "/api/conflicts/cfl_1/resolve", token, map[string]any{
		"resolution": "overwrite",
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "INVALID_RESOLUTION" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCleanupEndpointRequiresSyncToken(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore(), &fakePresence{})

	recorder := doRequest(t, server, http.MethodPost, "/api/internal/cleanup", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without sync token, got %d", recorder.Code)
	}
}

func TestCleanupEndpointReportsCounts(t *testing.T) {
	fs := newFakeStore()
	service := newTestService(fs, &fakePresence{})
	server := NewHTTPServer(service, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/internal/cleanup", nil)
	req.Header.Set("x-taskboard-sync-token", service.SyncToken())
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if _, ok := payload["conflictsDeleted"]; !ok {
		t.Fatalf("missing conflictsDeleted in %v", payload)
	}
	if _, ok := payload["presenceDeleted"]; !ok {
		t.Fatalf("missing presenceDeleted in %v", payload)
	}
}

func TestTaskActivityListing(t *testing.T) {
	fs := newFakeStore()
	seedTask(fs, "tsk_1", "ws_1")
	server, token := newTestServer(t, fs, &fakePresence{})

	_ = fs.AppendActivity(context.Background(), store.ActivityRecord{WorkspaceID: "ws_1", UserID: "usr_a", TaskID: "tsk_1", Action: "update"})
	_ = fs.AppendActivity(context.Background(), store.ActivityRecord{WorkspaceID: "ws_1", UserID: "usr_a", TaskID: "tsk_1", Action: "conflict_resolved_discard"})

	recorder := doRequest(t, server, http.MethodGet, "/api/tasks/tsk_1/activity", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	activity := payload["activity"].([]any)
	if len(activity) != 2 {
		t.Fatalf("expected two activity records, got %v", payload)
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/tasks/tsk_missing/activity", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", recorder.Code)
	}
}

func TestWorkspaceConflictListing(t *testing.T) {
	fs := newFakeStore()
	server, token := newTestServer(t, fs, &fakePresence{})

	fs.conflicts["cfl_1"] = store.Conflict{ConflictID: "cfl_1", WorkspaceID: "ws_1", TaskID: "tsk_1", InitiatingUserID: "usr_a", ConflictingUserID: SystemUserID, ConflictType: ConflictTypeStaleData}

	recorder := doRequest(t, server, http.MethodGet, "/api/workspaces/ws_1/conflicts", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	conflicts := payload["conflicts"].([]any)
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %v", payload)
	}
	item := conflicts[0].(map[string]any)
	if item["conflictType"] != ConflictTypeStaleData {
		t.Fatalf("unexpected item %v", item)
	}
	conflictingUser := item["conflictingUser"].(map[string]any)
	if conflictingUser["displayName"] != "System" {
		t.Fatalf("system user not enriched: %v", item)
	}
}
