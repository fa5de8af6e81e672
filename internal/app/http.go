package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskboard/api/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":    session.Token,
			"userId":   session.UserID,
			"userName": session.UserName,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/cleanup" {
		syncToken := strings.TrimSpace(r.Header.Get("x-taskboard-sync-token"))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		conflictsDeleted, err := s.service.CleanupOldConflicts(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		presenceDeleted, err := s.service.CleanupOldPresence(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conflictsDeleted": conflictsDeleted,
			"presenceDeleted":  presenceDeleted,
		})
		return
	}

	// Presence endpoints accept anonymous callers and no-op without identity:
	// the polling loop must never fail the UI.
	if r.Method == http.MethodPost && r.URL.Path == "/api/presence/heartbeat" {
		session := s.optionalSession(r)
		var body struct {
			WorkspaceID string `json:"workspaceId"`
			CurrentPage string `json:"currentPage"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Heartbeat(r.Context(), session, body.WorkspaceID, body.CurrentPage); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/presence" {
		session := s.optionalSession(r)
		var body struct {
			WorkspaceID   string `json:"workspaceId"`
			Status        string `json:"status"`
			CurrentPage   string `json:"currentPage"`
			EditingTaskID string `json:"editingTaskId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdatePresence(r.Context(), session, body.WorkspaceID, body.Status, body.CurrentPage, body.EditingTaskID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/workspaces/{id}/...
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "workspaces" {
		workspaceID := parts[2]
		switch parts[3] {
		case "presence":
			if r.Method == http.MethodGet {
				records, err := s.service.ListPresence(r.Context(), workspaceID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"presence": records})
				return
			}
		case "locks":
			if r.Method == http.MethodGet {
				locks, err := s.service.ListLocks(r.Context(), workspaceID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
				return
			}
		case "conflicts":
			if r.Method == http.MethodGet {
				includeResolved := r.URL.Query().Get("includeResolved") == "true"
				items, err := s.service.ListWorkspaceConflicts(r.Context(), session, workspaceID, includeResolved)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"conflicts": items})
				return
			}
		case "tasks":
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListWorkspaceTasks(r.Context(), session, workspaceID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
				return
			case http.MethodPost:
				var body struct {
					Title       string `json:"title"`
					Description string `json:"description"`
					Priority    string `json:"priority"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.CreateTask(r.Context(), session, workspaceID, body.Title, body.Description, body.Priority)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
				return
			}
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	// /api/tasks/{id} and subresources
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "tasks" {
		taskID := parts[2]

		if len(parts) == 3 {
			switch r.Method {
			case http.MethodGet:
				payload, err := s.service.GetTask(r.Context(), session, taskID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, payload)
				return
			case http.MethodPatch:
				var body struct {
					Updates         map[string]any `json:"updates"`
					WorkspaceID     string         `json:"workspaceId"`
					ExpectedVersion int            `json:"expectedVersion"`
					ForceUpdate     bool           `json:"forceUpdate"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.UpdateTaskWithConflictCheck(r.Context(), session, taskID, body.WorkspaceID, body.Updates, body.ExpectedVersion, body.ForceUpdate)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, payload)
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}

		if len(parts) == 4 && parts[3] == "lock" {
			switch r.Method {
			case http.MethodPost:
				var body struct {
					WorkspaceID string `json:"workspaceId"`
					LockType    string `json:"lockType"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				if err := s.service.SetLock(r.Context(), session, taskID, body.WorkspaceID, body.LockType); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			case http.MethodDelete:
				if err := s.service.RemoveLock(r.Context(), session, taskID); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}

		if len(parts) == 4 && parts[3] == "activity" && r.Method == http.MethodGet {
			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				if parsed, err := strconv.Atoi(raw); err == nil {
					limit = parsed
				}
			}
			items, err := s.service.ListTaskActivity(r.Context(), session, taskID, limit)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"activity": items})
			return
		}

		if len(parts) == 4 && parts[3] == "conflicts" && r.Method == http.MethodGet {
			items, err := s.service.ListTaskConflicts(r.Context(), session, taskID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"conflicts": items})
			return
		}

		if len(parts) == 5 && parts[3] == "conflicts" && parts[4] == "check" && r.Method == http.MethodPost {
			var body struct {
				WorkspaceID     string         `json:"workspaceId"`
				ExpectedVersion int            `json:"expectedVersion"`
				ProposedChanges map[string]any `json:"proposedChanges"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			result, err := s.service.CheckForConflicts(r.Context(), session, taskID, body.WorkspaceID, body.ExpectedVersion, body.ProposedChanges)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
	}

	// /api/conflicts/{conflictId}/resolve
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost {
		conflictID := parts[2]
		var body struct {
			Resolution string         `json:"resolution"`
			MergedData map[string]any `json:"mergedData"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ResolveConflict(r.Context(), session, conflictID, body.Resolution, body.MergedData); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession parses the bearer token when present; an absent or invalid
// token yields the empty session.
func (s *HTTPServer) optionalSession(r *http.Request) Session {
	token := bearerToken(r)
	if token == "" {
		return Session{}
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		return Session{}
	}
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
