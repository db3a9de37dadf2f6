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

	"bidsmart/api/internal/mutate"
	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/search"
	"bidsmart/api/internal/snapshot"
	"bidsmart/api/internal/store"
	"bidsmart/api/internal/suggest"
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

		if err := s.service.Ready(ctx); err != nil {
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/reports/{documentID}/...
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "reports" {
		documentID := parts[2]
		rest := parts[3:]

		if len(rest) == 1 {
			switch rest[0] {
			case "outline":
				s.handleOutline(w, r, documentID)
				return
			case "suggestions":
				s.handleSuggestions(w, r, documentID)
				return
			case "view":
				if r.Method == http.MethodGet {
					s.handleView(w, r, documentID)
					return
				}
			case "apply":
				if r.Method == http.MethodPost {
					s.handleApply(w, r, documentID)
					return
				}
			case "restore":
				if r.Method == http.MethodPost {
					s.handleRestore(w, r, documentID)
					return
				}
			case "backups":
				if r.Method == http.MethodGet {
					s.handleListBackups(w, r, documentID)
					return
				}
			}
		}

		if len(rest) == 2 && rest[0] == "backups" && r.Method == http.MethodGet {
			s.handleGetBackup(w, r, documentID, rest[1])
			return
		}

		if len(rest) == 2 && rest[0] == "suggestions" && r.Method == http.MethodPost {
			switch rest[1] {
			case "accept":
				s.handleBatch(w, r, documentID, s.service.AcceptBatch)
				return
			case "reject":
				s.handleBatch(w, r, documentID, s.service.RejectBatch)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleOutline(w http.ResponseWriter, r *http.Request, documentID string) {
	switch r.Method {
	case http.MethodGet:
		tree, revision, err := s.service.GetOutline(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"revision":   revision,
			"tree":       tree,
		})
	case http.MethodPut:
		var body struct {
			Tree *outline.Node `json:"tree"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Tree == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "tree is required", nil)
			return
		}
		revision, err := s.service.IngestOutline(r.Context(), documentID, body.Tree)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"revision":   revision,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, documentID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListSuggestions(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId":  documentID,
			"suggestions": items,
		})
	case http.MethodPut:
		var body struct {
			Suggestions []suggest.Suggestion `json:"suggestions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		count, err := s.service.IngestSuggestions(r.Context(), documentID, body.Suggestions)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"count":      count,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request, documentID string) {
	view, err := s.service.View(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request, documentID string, op func(context.Context, string, BatchSelector) (BatchOutcome, error)) {
	var body BatchSelector
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome, err := op(r.Context(), documentID, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleApply(w http.ResponseWriter, r *http.Request, documentID string) {
	var body struct {
		IDs      []string `json:"ids"`
		Revision int64    `json:"revision"`
		Actor    string   `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Actor == "" {
		body.Actor = "apply"
	}
	result, err := s.service.ApplyAccepted(r.Context(), documentID, body.IDs, body.Revision, body.Actor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request, documentID string) {
	var body struct {
		BackupID string `json:"backupId"`
		Revision int64  `json:"revision"`
		Actor    string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.BackupID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "backupId is required", nil)
		return
	}
	if body.Actor == "" {
		body.Actor = "restore"
	}
	result, err := s.service.Restore(r.Context(), documentID, body.BackupID, body.Revision, body.Actor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListBackups(w http.ResponseWriter, r *http.Request, documentID string) {
	backups, err := s.service.ListBackups(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if backups == nil {
		backups = []store.BackupRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"backups":    backups,
	})
}

func (s *HTTPServer) handleGetBackup(w http.ResponseWriter, r *http.Request, documentID, backupID string) {
	backup, err := s.service.GetBackup(r.Context(), documentID, backupID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 20
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	response := s.service.Search(search.Query{
		Text:             query.Get("q"),
		FilterType:       search.ResultType(query.Get("type")),
		FilterDocumentID: query.Get("documentId"),
		Limit:            limit,
		Offset:           offset,
	})
	writeJSON(w, http.StatusOK, response)
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrStaleRevision):
		return http.StatusConflict, CodeStaleRevision, err.Error(), nil
	case errors.Is(err, snapshot.ErrBackupNotFound), errors.Is(err, snapshot.ErrUnknownBackup):
		return http.StatusNotFound, CodeBackupNotFound, err.Error(), nil
	case errors.Is(err, snapshot.ErrCorruptBackup):
		return http.StatusInternalServerError, CodeCorruptBackup, err.Error(), nil
	case errors.Is(err, outline.ErrMalformedTree):
		return http.StatusUnprocessableEntity, CodeInvalidSuggestion, err.Error(), nil
	case errors.Is(err, mutate.ErrAmbiguousTarget):
		return http.StatusConflict, CodeAmbiguousTarget, err.Error(), nil
	case errors.Is(err, mutate.ErrInvalidRange):
		return http.StatusUnprocessableEntity, CodeInvalidRange, err.Error(), nil
	case errors.Is(err, mutate.ErrInvalidSuggestion):
		return http.StatusUnprocessableEntity, CodeInvalidSuggestion, err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
