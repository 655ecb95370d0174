package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"wiki/api/internal/auth"
	"wiki/api/internal/export"
	"wiki/api/internal/importer"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.With().Str("component", "http").Logger()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/api").Methods(http.MethodPost).Subrouter()
	api.HandleFunc("/auth.signin", s.handleSignIn)
	api.HandleFunc("/auth.refresh", s.handleRefresh)
	api.HandleFunc("/auth.logout", s.handleLogout)

	api.HandleFunc("/documents.info", s.byID(s.service.Info))
	api.HandleFunc("/documents.list", rpc(s, s.service.List))
	api.HandleFunc("/documents.listV2", rpc(s, s.service.ListV2))
	api.HandleFunc("/documents.archived", rpc(s, s.service.Archived))
	api.HandleFunc("/documents.deleted", rpc(s, s.service.Deleted))
	api.HandleFunc("/documents.drafts", rpc(s, s.service.Drafts))
	api.HandleFunc("/documents.search", rpc(s, s.service.Search))
	api.HandleFunc("/documents.search_titles", rpc(s, s.service.SearchTitles))

	api.HandleFunc("/documents.create", rpc(s, s.service.Create))
	api.HandleFunc("/documents.update", rpc(s, s.service.Update))
	api.HandleFunc("/documents.templatize", s.byID(s.service.Templatize))
	api.HandleFunc("/documents.import", s.handleImport)
	api.HandleFunc("/documents.export", s.handleExport)

	api.HandleFunc("/documents.archive", s.byID(s.service.Archive))
	api.HandleFunc("/documents.restore", rpc(s, s.service.Restore))
	api.HandleFunc("/documents.unpublish", s.byID(s.service.Unpublish))
	api.HandleFunc("/documents.move", rpc(s, s.service.Move))
	api.HandleFunc("/documents.delete", rpc(s, s.service.Delete))

	api.HandleFunc("/documents.add_user", rpc(s, s.service.AddUser))
	api.HandleFunc("/documents.add_users", rpc(s, s.service.AddUsers))
	api.HandleFunc("/documents.update_permission", rpc(s, s.service.UpdateUserPermission))
	api.HandleFunc("/documents.remove_user", rpc(s, s.service.RemoveUser))
	api.HandleFunc("/documents.users", s.byID(s.service.ListUserGrants))
	api.HandleFunc("/documents.add_group", rpc(s, s.service.AddGroup))
	api.HandleFunc("/documents.group_update_permission", rpc(s, s.service.UpdateGroupPermission))
	api.HandleFunc("/documents.remove_group", rpc(s, s.service.RemoveGroup))
	api.HandleFunc("/documents.groups", s.byID(s.service.ListGroupGrants))
	api.HandleFunc("/documents.init_users", rpc(s, s.service.InitUsers))

	api.HandleFunc("/revisions.list", s.handleRevisions)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

// rpc decodes the JSON body into the call's input and writes the envelope.
func rpc[T any](s *HTTPServer, call func(context.Context, Actor, T) (Envelope, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.actor(w, r)
		if !ok {
			return
		}
		var in T
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
			return
		}
		envelope, err := call(r.Context(), actor, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope)
	}
}

func (s *HTTPServer) byID(call func(context.Context, Actor, string) (Envelope, error)) http.HandlerFunc {
	return rpc(s, func(ctx context.Context, actor Actor, in struct {
		ID string `json:"id"`
	}) (Envelope, error) {
		return call(ctx, actor, in.ID)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": presentSession(session)})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": presentSession(session)})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := requireActor(actor); err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), actor, body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successEnvelope())
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request) {
	rpc(s, func(ctx context.Context, actor Actor, in struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}) (Envelope, error) {
		return s.service.Revisions(ctx, actor, in.ID, in.Limit)
	})(w, r)
}

// handleImport reads a multipart upload with the file under "file" and the
// destination in form fields.
func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	maxBytes := s.service.cfg.MaxImportBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "multipart/form-data body with a file is required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "file is required", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		s.fail(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	publish, _ := strconv.ParseBool(r.FormValue("publish"))

	envelope, err := s.service.Import(r.Context(), actor, ImportInput{
		CollectionID:     r.FormValue("collectionId"),
		ParentDocumentID: r.FormValue("parentDocumentId"),
		Publish:          publish,
		Upload: importer.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

// handleExport returns the rendered file itself rather than an envelope. The
// format comes from the body, falling back to the Accept header.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body struct {
		ID     string `json:"id"`
		Format string `json:"format"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	requested := body.Format
	if requested == "" {
		requested = r.Header.Get("Accept")
	}
	format, ok := export.ParseFormat(requested)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Unsupported export format: "+requested, nil)
		return
	}
	result, err := s.service.Export(r.Context(), actor, body.ID, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// actor resolves the bearer token. A request without one is anonymous and the
// service decides whether that is allowed.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	ip := clientIP(r)
	token := bearerToken(r)
	if token == "" {
		return Actor{IP: ip}, true
	}
	actor, err := s.service.ActorFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Actor{}, false
	}
	actor.IP = ip
	return actor, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

type sessionJSON struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         userJSON  `json:"user"`
}

type userJSON struct {
	ID     string `json:"id"`
	TeamID string `json:"teamId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func presentSession(session Session) sessionJSON {
	return sessionJSON{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		User: userJSON{
			ID:     session.User.ID,
			TeamID: session.User.TeamID,
			Name:   session.User.Name,
			Email:  session.User.Email,
			Role:   session.User.Role,
		},
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

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
			Msg("request")
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"ok":    false,
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody accepts an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeAuthentication, "Authentication required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
