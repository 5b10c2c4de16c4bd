// Package web is the thin HTTP surface over the sync engine and the
// identity bridge.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campussync/internal/calsync"
	"campussync/internal/cas"
	"campussync/internal/config"
	"campussync/internal/identity"
	appLog "campussync/internal/log"
	"campussync/internal/model"
	"campussync/internal/moodle"
	"campussync/internal/store"
)

const (
	maxLoginBody    = 16 << 10
	shutdownTimeout = 10 * time.Second
)

type Syncer interface {
	Sync(ctx context.Context, userID string) (calsync.Result, error)
	WindowStart(now time.Time) time.Time
}

type Store interface {
	Ping(ctx context.Context) error
	SyncRecord(ctx context.Context, userID string) (model.SyncRecord, error)
	Events(ctx context.Context, userID string, from time.Time) ([]model.Event, error)
}

type Identity interface {
	Login(ctx context.Context, userID string, creds model.Credentials) (string, error)
	CurrentToken(ctx context.Context, userID string) (string, error)
	Invalidate(ctx context.Context, userID string) error
}

// Moodle is the subset of the webservice client the API exposes.
type Moodle interface {
	SiteInfo(ctx context.Context, token string) (moodle.SiteInfo, error)
	UserCourses(ctx context.Context, token string, userID int64) ([]moodle.Course, error)
}

type Deps struct {
	Syncer   Syncer
	Store    Store
	Identity Identity
	Moodle   Moodle
}

// Server exposes health, metrics and the per-user sync, events, login and
// courses endpoints.
type Server struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	mux  *http.ServeMux
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  resolveLocation(cfg.Timezone),
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routes wrapped in Basic Auth when it is configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/users/{id}/sync", s.withUser(s.handleSync))
	s.mux.HandleFunc("GET /api/users/{id}/sync", s.withUser(s.handleSyncRecord))
	s.mux.HandleFunc("GET /api/users/{id}/events", s.withUser(s.handleEvents))
	s.mux.HandleFunc("POST /api/users/{id}/login", s.withUser(s.handleLogin))
	s.mux.HandleFunc("GET /api/users/{id}/courses", s.withUser(s.handleCourses))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="campussync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// withUser rejects ids that are not configured.
func (s *Server) withUser(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := s.cfg.User(id); !ok {
			writeError(w, http.StatusNotFound, "unknown_user")
			return
		}
		h(w, r, id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			appLog.Error("health check: store unreachable", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type syncResponse struct {
	calsync.Result
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.deps.Syncer.Sync(r.Context(), id)
	if err != nil {
		appLog.Error("api sync failed", err, "user", id)
		writeError(w, http.StatusInternalServerError, "sync_failed")
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Result: res, Warning: res.Warning()})
}

type syncRecordResponse struct {
	UserID      string     `json:"user_id"`
	LastAttempt time.Time  `json:"last_attempt"`
	LastSuccess *time.Time `json:"last_success"`
	LastError   *string    `json:"last_error"`
}

func (s *Server) handleSyncRecord(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.deps.Store.SyncRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "never_synced")
		return
	}
	if err != nil {
		appLog.Error("api sync record failed", err, "user", id)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, syncRecordResponse{
		UserID:      rec.UserID,
		LastAttempt: rec.LastAttempt,
		LastSuccess: rec.LastSuccess,
		LastError:   rec.LastError,
	})
}

type eventDTO struct {
	ID          string    `json:"id"`
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Cancelled   bool      `json:"cancelled"`
	LastSynced  time.Time `json:"last_synced"`
	Notes       []string  `json:"notes"`
}

type eventsResponse struct {
	From   time.Time  `json:"from"`
	Events []eventDTO `json:"events"`
}

// handleEvents lists stored events.
//
// GET /api/users/{id}/events?from=2026-03-01
//   - from: first day (in the configured timezone); defaults to the sync
//     window start.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	from := s.deps.Syncer.WindowStart(time.Now())
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = t
	}

	evs, err := s.deps.Store.Events(r.Context(), id, from)
	if err != nil {
		appLog.Error("api events failed", err, "user", id)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	dtos := make([]eventDTO, 0, len(evs))
	for _, ev := range evs {
		dtos = append(dtos, eventDTO{
			ID:          ev.ID,
			UID:         ev.UID,
			Title:       ev.Title,
			Description: ev.Description,
			Location:    ev.Location,
			AllDay:      ev.AllDay,
			Start:       ev.Start.In(s.loc),
			End:         ev.End.In(s.loc),
			Cancelled:   ev.Cancelled,
			LastSynced:  ev.LastSynced,
			Notes:       ev.Notes,
		})
	}
	writeJSON(w, http.StatusOK, eventsResponse{From: from, Events: dtos})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, id string) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	_, err := s.deps.Identity.Login(r.Context(), id, model.Credentials{Username: req.Username, Password: req.Password})
	var ce *cas.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.As(err, &ce) && ce.Credential():
		writeError(w, http.StatusUnauthorized, cas.UserMessage(err))
	case errors.As(err, &ce):
		writeError(w, http.StatusBadGateway, cas.UserMessage(err))
	case errors.Is(err, identity.ErrTokenRejected):
		writeError(w, http.StatusBadGateway, "token_rejected")
	default:
		appLog.Error("api login failed", err, "user", id)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

type coursesResponse struct {
	Site    string          `json:"site"`
	Courses []moodle.Course `json:"courses"`
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	token, err := s.deps.Identity.CurrentToken(ctx, id)
	if err != nil {
		s.writeMoodleError(w, r, id, err)
		return
	}
	info, err := s.deps.Moodle.SiteInfo(ctx, token)
	if err != nil {
		s.writeMoodleError(w, r, id, err)
		return
	}
	courses, err := s.deps.Moodle.UserCourses(ctx, token, info.UserID)
	if err != nil {
		s.writeMoodleError(w, r, id, err)
		return
	}
	if courses == nil {
		courses = []moodle.Course{}
	}
	writeJSON(w, http.StatusOK, coursesResponse{Site: info.SiteName, Courses: courses})
}

func (s *Server) writeMoodleError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, identity.ErrReauthRequired):
		writeError(w, http.StatusUnauthorized, "reauth_required")
	case errors.Is(err, moodle.ErrInvalidToken):
		if ierr := s.deps.Identity.Invalidate(r.Context(), id); ierr != nil {
			appLog.Error("clear invalid token", ierr, "user", id)
		}
		writeError(w, http.StatusUnauthorized, "reauth_required")
	case errors.Is(err, moodle.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable")
	default:
		appLog.Error("api moodle call failed", err, "user", id)
		writeError(w, http.StatusBadGateway, "upstream_error")
	}
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
