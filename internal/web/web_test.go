package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campussync/internal/calsync"
	"campussync/internal/cas"
	"campussync/internal/config"
	"campussync/internal/identity"
	"campussync/internal/model"
	"campussync/internal/moodle"
	"campussync/internal/store"
)

type fakeSyncer struct {
	res calsync.Result
	err error
}

func (f *fakeSyncer) Sync(_ context.Context, id string) (calsync.Result, error) {
	r := f.res
	r.UserID = id
	return r, f.err
}

func (f *fakeSyncer) WindowStart(time.Time) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
}

type fakeStore struct {
	rec    *model.SyncRecord
	events []model.Event
	from   time.Time
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) SyncRecord(_ context.Context, _ string) (model.SyncRecord, error) {
	if f.rec == nil {
		return model.SyncRecord{}, store.ErrNotFound
	}
	return *f.rec, nil
}

func (f *fakeStore) Events(_ context.Context, _ string, from time.Time) ([]model.Event, error) {
	f.from = from
	return f.events, nil
}

type fakeIdentity struct {
	loginErr    error
	token       string
	tokenErr    error
	invalidated bool
}

func (f *fakeIdentity) Login(context.Context, string, model.Credentials) (string, error) {
	return "tok", f.loginErr
}

func (f *fakeIdentity) CurrentToken(context.Context, string) (string, error) {
	return f.token, f.tokenErr
}

func (f *fakeIdentity) Invalidate(context.Context, string) error {
	f.invalidated = true
	return nil
}

type fakeMoodle struct {
	err error
}

func (f *fakeMoodle) SiteInfo(context.Context, string) (moodle.SiteInfo, error) {
	return moodle.SiteInfo{SiteName: "Uni", UserID: 7}, nil
}

func (f *fakeMoodle) UserCourses(_ context.Context, _ string, userID int64) ([]moodle.Course, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []moodle.Course{{ID: 1, ShortName: "ALG", FullName: "Algorithms"}}, nil
}

func newTestServer(t *testing.T, deps Deps, mutate ...func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Users = []config.UserConfig{{ID: "u1", Name: "Alice"}}
	for _, m := range mutate {
		m(cfg)
	}
	if deps.Syncer == nil {
		deps.Syncer = &fakeSyncer{}
	}
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	if deps.Identity == nil {
		deps.Identity = &fakeIdentity{}
	}
	if deps.Moodle == nil {
		deps.Moodle = &fakeMoodle{}
	}
	return NewServer(cfg, deps).Handler()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, Deps{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "").Code)

	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBasicAuthSparesHealth(t *testing.T) {
	h := newTestServer(t, Deps{}, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/api/users/u1/sync", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/api/users/u1/sync", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownUser(t *testing.T) {
	h := newTestServer(t, Deps{})
	rec := do(h, http.MethodPost, "/api/users/ghost/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_user", errorOf(t, rec))
}

func TestSyncReturnsWarning(t *testing.T) {
	h := newTestServer(t, Deps{Syncer: &fakeSyncer{res: calsync.Result{Outcome: calsync.OutcomePartialEmpty, FeedsOK: 1, FeedsFail: 1}}})
	rec := do(h, http.MethodPost, "/api/users/u1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "partial-empty", out["outcome"])
	assert.Equal(t, "u1", out["user_id"])
	assert.NotEmpty(t, out["warning"])

	h = newTestServer(t, Deps{Syncer: &fakeSyncer{err: errors.New("disk full")}})
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "/api/users/u1/sync", "").Code)
}

func TestSyncRecord(t *testing.T) {
	h := newTestServer(t, Deps{})
	rec := do(h, http.MethodGet, "/api/users/u1/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	outage := "fetch-empty"
	st := &fakeStore{rec: &model.SyncRecord{UserID: "u1", LastAttempt: time.Now(), LastError: &outage}}
	h = newTestServer(t, Deps{Store: st})
	rec = do(h, http.MethodGet, "/api/users/u1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_error":"fetch-empty"`)
	assert.Contains(t, rec.Body.String(), `"last_success":null`)
}

func TestEvents(t *testing.T) {
	st := &fakeStore{events: []model.Event{{UID: "e1", Title: "Lecture", Cancelled: true, Notes: []string{}}}}
	h := newTestServer(t, Deps{Store: st})

	rec := do(h, http.MethodGet, "/api/users/u1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	var out eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Events, 1)
	assert.True(t, out.Events[0].Cancelled)

	rec = do(h, http.MethodGet, "/api/users/u1/events?from=2026-04-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.from.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	rec = do(h, http.MethodGet, "/api/users/u1/events?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginStatusMapping(t *testing.T) {
	body := `{"username":"alice","password":"secret"}`
	for _, tc := range []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"bad credentials", &cas.Error{Code: cas.CodeCasAuthFailed}, http.StatusUnauthorized, "authentication failed: invalid username or password"},
		{"page changed", &cas.Error{Code: cas.CodeExecutionTokenMissing}, http.StatusBadGateway, "connection to identity provider failed"},
		{"rejected token", identity.ErrTokenRejected, http.StatusBadGateway, "token_rejected"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, Deps{Identity: &fakeIdentity{loginErr: tc.err}})
			rec := do(h, http.MethodPost, "/api/users/u1/login", body)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), `"tok"`)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, errorOf(t, rec))
			}
		})
	}

	h := newTestServer(t, Deps{})
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/users/u1/login", `{"username":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/users/u1/login", `not json`).Code)
}

func TestCourses(t *testing.T) {
	h := newTestServer(t, Deps{Identity: &fakeIdentity{token: "tok"}})
	rec := do(h, http.MethodGet, "/api/users/u1/courses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out coursesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Uni", out.Site)
	require.Len(t, out.Courses, 1)

	h = newTestServer(t, Deps{Identity: &fakeIdentity{tokenErr: identity.ErrReauthRequired}})
	rec = do(h, http.MethodGet, "/api/users/u1/courses", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "reauth_required", errorOf(t, rec))

	id := &fakeIdentity{token: "tok"}
	h = newTestServer(t, Deps{Identity: id, Moodle: &fakeMoodle{err: &moodle.Error{Kind: moodle.KindInvalidToken, Function: "f", Code: "invalidtoken"}}})
	rec = do(h, http.MethodGet, "/api/users/u1/courses", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, id.invalidated)

	h = newTestServer(t, Deps{Identity: &fakeIdentity{token: "tok"}, Moodle: &fakeMoodle{err: &moodle.Error{Kind: moodle.KindTransient, Function: "f", Status: 503}}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/api/users/u1/courses", "").Code)

	// The token check itself hit the outage: no re-login is demanded.
	id = &fakeIdentity{tokenErr: fmt.Errorf("check token: %w", &moodle.Error{Kind: moodle.KindTransient, Function: "f", Status: 503})}
	h = newTestServer(t, Deps{Identity: id})
	rec = do(h, http.MethodGet, "/api/users/u1/courses", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "upstream_unavailable", errorOf(t, rec))
	assert.False(t, id.invalidated)
}
