package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/attachments"
	"ticketdesk/threads/internal/auth"
)

type ServerOptions struct {
	CORSOrigin    string
	RatePerSecond float64
	RateBurst     int
	PingInterval  time.Duration
	Logger        zerolog.Logger
}

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	limiter      *rateLimiter
	pingInterval time.Duration
	logger       zerolog.Logger
}

func NewHTTPServer(service *Service, opts ServerOptions) *HTTPServer {
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &HTTPServer{
		service:      service,
		corsOrigin:   corsOrigin,
		limiter:      newRateLimiter(opts.RatePerSecond, opts.RateBurst),
		pingInterval: pingInterval,
		logger:       opts.Logger,
	}
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
		s.handleReady(w, r)
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
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	parts, err := splitPath(r.URL.EscapedPath())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "Invalid path", nil)
		return
	}
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "subjects" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleSubject(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"broker":   map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingBroker(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["broker"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleSubject serves everything below /api/subjects/{id}/.
func (s *HTTPServer) handleSubject(w http.ResponseWriter, r *http.Request, session Session, subjectID string, parts []string) {
	if parts[0] == "stream" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleStream(w, r, session, subjectID)
		return
	}
	if parts[0] != "comments" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method != http.MethodGet && !s.limiter.Allow(session.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return
	}

	ctx := r.Context()
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, err := s.service.ListComments(ctx, session, subjectID, r.URL.Query().Get("cursor"), limit)
		s.respond(w, r, http.StatusOK, page, err)

	case len(parts) == 1 && r.Method == http.MethodPost:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateComment(ctx, session, subjectID, body.Content)
		s.respond(w, r, http.StatusCreated, created, err)

	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		resp, err := s.service.Search(ctx, session, subjectID, r.URL.Query().Get("q"), limit)
		s.respond(w, r, http.StatusOK, resp, err)

	case len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateComment(ctx, session, subjectID, parts[1], body.Content)
		s.respond(w, r, http.StatusOK, updated, err)

	case len(parts) == 2 && r.Method == http.MethodDelete:
		ack, err := s.service.DeleteComment(ctx, session, subjectID, parts[1])
		s.respond(w, r, http.StatusOK, ack, err)

	case len(parts) == 3 && parts[2] == "replies" && r.Method == http.MethodPost:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateReply(ctx, session, subjectID, parts[1], body.Content)
		s.respond(w, r, http.StatusCreated, created, err)

	case len(parts) == 3 && parts[2] == "reaction" && r.Method == http.MethodPut:
		var body struct {
			Kind string `json:"kind"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ack, err := s.service.SetReaction(ctx, session, subjectID, parts[1], body.Kind)
		s.respond(w, r, http.StatusOK, ack, err)

	case len(parts) == 3 && parts[2] == "reaction" && r.Method == http.MethodDelete:
		ack, err := s.service.ClearReaction(ctx, session, subjectID, parts[1])
		s.respond(w, r, http.StatusOK, ack, err)

	case len(parts) == 3 && parts[2] == "attachments" && r.Method == http.MethodPost:
		s.handleUpload(w, r, session, subjectID, parts[1])

	case len(parts) == 4 && parts[2] == "attachments" && r.Method == http.MethodDelete:
		ack, err := s.service.DetachFile(ctx, session, subjectID, parts[1], parts[3])
		s.respond(w, r, http.StatusOK, ack, err)

	case len(parts) == 4 && parts[2] == "attachments" && r.Method == http.MethodGet:
		location, err := s.service.AttachmentLocation(ctx, session, subjectID, parts[1], parts[3])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		http.Redirect(w, r, location, http.StatusFound)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

const multipartMemory = 8 << 20

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, subjectID, commentID string) {
	// Room for the multipart framing on top of the largest allowed file.
	r.Body = http.MaxBytesReader(w, r.Body, s.service.maxUploadBytes*4+(1<<20))
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload is too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploads, closeAll, err := openUploads(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unreadable file part", nil)
		return
	}
	ack, err := s.service.AttachFiles(r.Context(), session, subjectID, commentID, uploads)
	closeAll()
	s.respond(w, r, http.StatusOK, ack, err)
}

// openUploads opens every file part. The returned func closes them all; on
// error the parts opened so far are already closed.
func openUploads(headers []*multipart.FileHeader) ([]Upload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, file := range opened {
			_ = file.Close()
		}
		opened = nil
	}
	uploads := make([]Upload, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open file part %q: %w", header.Filename, err)
		}
		opened = append(opened, file)
		uploads = append(uploads, Upload{
			Name:      header.Filename,
			MediaType: partContentType(header),
			Size:      header.Size,
			Body:      file,
		})
	}
	return uploads, closeAll, nil
}

func partContentType(header *multipart.FileHeader) string {
	if ct := strings.TrimSpace(header.Header.Get("Content-Type")); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

// fail maps err to the error envelope and logs anything unexpected.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("app: request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error().Err(err).Msg("app: session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("app: request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
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

// splitPath splits an escaped path and unescapes each segment, so ids and
// file names may contain encoded slashes.
func splitPath(escaped string) ([]string, error) {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	raw := strings.Split(trimmed, "/")
	parts := make([]string, len(raw))
	for i, segment := range raw {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return nil, err
		}
		parts[i] = value
	}
	return parts, nil
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
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, attachments.ErrInvalidName) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid file name", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
