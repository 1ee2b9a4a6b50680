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

	"github.com/stumn/Chatment-sub000/internal/search"
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "spaces" {
		s.handleSpaces(w, r, segments[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		RoomID: strings.TrimSpace(r.URL.Query().Get("roomId")),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("spaceId")); raw != "" {
		spaceID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "spaceId must be an integer", nil)
			return
		}
		q.SpaceID = spaceID
	}
	if q.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}

	resp, err := s.service.SearchMessages(q)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSpaces routes everything under /api/spaces. rest holds the path
// segments after "spaces".
func (s *HTTPServer) handleSpaces(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleListSpaces(w, r)
		case http.MethodPost:
			s.handleCreateSpace(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	spaceID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "space id must be an integer", nil)
		return
	}
	rest = rest[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetSpace(r.Context(), spaceID)
			s.respond(w, view, err)
		case http.MethodPut:
			s.handleRenameSpace(w, r, spaceID)
		case http.MethodDelete:
			s.handleDeleteSpace(w, r, spaceID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case rest[0] == "finish" && r.Method == http.MethodPost:
		s.handleFinishSpace(w, r, spaceID)
	case rest[0] == "rooms" && r.Method == http.MethodGet:
		rooms, err := s.service.ListRooms(r.Context(), spaceID)
		s.respond(w, rooms, err)
	case rest[0] == "rooms" && r.Method == http.MethodPost:
		s.handleCreateRoom(w, r, spaceID)
	case rest[0] == "document" && r.Method == http.MethodGet:
		doc, err := s.service.Document(r.Context(), spaceID)
		s.respond(w, doc, err)
	case rest[0] == "rebalance" && r.Method == http.MethodPost:
		doc, err := s.service.RebalanceDocument(r.Context(), spaceID)
		s.respond(w, doc, err)
	case rest[0] == "archive" && len(rest) == 1 && r.Method == http.MethodGet:
		s.handleArchiveHead(w, r, spaceID)
	case rest[0] == "archive" && len(rest) == 1 && r.Method == http.MethodPost:
		s.handleSnapshotArchive(w, r, spaceID)
	case rest[0] == "archive" && len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		history, err := s.service.ArchiveHistory(r.Context(), spaceID, queryInt(r, "limit", 50))
		s.respond(w, history, err)
	case rest[0] == "archive" && len(rest) == 2 && r.Method == http.MethodGet:
		content, err := s.service.ArchiveContent(r.Context(), spaceID, rest[1])
		s.respond(w, map[string]any{"hash": rest[1], "markdown": content}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	views, err := s.service.ListSpaces(r.Context(), status)
	s.respond(w, views, err)
}

func (s *HTTPServer) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Passcode string `json:"passcode"`
		Author   string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.CreateSpace(r.Context(), body.Name, body.Passcode, body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleRenameSpace(w http.ResponseWriter, r *http.Request, spaceID int64) {
	var body struct {
		Name     string `json:"name"`
		Passcode string `json:"passcode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.RenameSpace(r.Context(), spaceID, body.Name, body.Passcode)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleFinishSpace(w http.ResponseWriter, r *http.Request, spaceID int64) {
	var body struct {
		Passcode string `json:"passcode"`
		Actor    string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.FinishSpace(r.Context(), spaceID, body.Passcode, body.Actor)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleDeleteSpace(w http.ResponseWriter, r *http.Request, spaceID int64) {
	var body struct {
		Passcode string `json:"passcode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.DeleteSpace(r.Context(), spaceID, body.Passcode); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request, spaceID int64) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	room, err := s.service.CreateRoom(r.Context(), spaceID, body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *HTTPServer) handleArchiveHead(w http.ResponseWriter, r *http.Request, spaceID int64) {
	markdown, commit, err := s.service.ArchiveHead(r.Context(), spaceID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markdown": markdown,
		"commit":   commit,
	})
}

func (s *HTTPServer) handleSnapshotArchive(w http.ResponseWriter, r *http.Request, spaceID int64) {
	var body struct {
		Actor   string `json:"actor"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	commit, err := s.service.SnapshotArchive(r.Context(), spaceID, body.Actor, body.Message)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, commit)
}

// respond writes a payload/error pair with the standard error mapping.
func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
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

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
