package moodle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		MaxJitter:  time.Millisecond,
	}
}

func newTestClient(t *testing.T, h http.Handler, limit int) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:       srv.URL,
		UserAgent:     "MoodleMobile",
		RequestedWith: "com.moodle.moodlemobile",
		Timeout:       2 * time.Second,
		Retry:         fastRetry(),
	}, NewCache(), NewLimiter(limit))
	return c, srv
}

func TestCallAlways503IsAttemptedThreeTimes(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), 5)

	_, err := c.SiteInfo(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestCallRetriesThen429Recovers(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"sitename":"Uni","userid":7}`))
	}), 5)

	info, err := c.SiteInfo(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.UserID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCallNonRetryable4xx(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}), 5)

	_, err := c.SiteInfo(context.Background(), "tok")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindHTTP, e.Kind)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCallParseFailureIsNotRetried(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}), 5)

	_, err := c.SiteInfo(context.Background(), "tok")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindDecode, e.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCallInvalidTokenIsTagged(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token - token not found"}`))
	}), 5)

	_, err := c.SiteInfo(context.Background(), "expired")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Errors are never cached.
	_, err = c.SiteInfo(context.Background(), "expired")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCallRESTURLAndHeaders(t *testing.T) {
	var got *http.Request
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`[]`))
	}), 5)

	_, err := c.UserCourses(context.Background(), "tok", 42)
	require.NoError(t, err)
	assert.Equal(t, restPath, got.URL.Path)
	assert.Equal(t, "wstoken=tok&wsfunction=core_enrol_get_users_courses&moodlewsrestformat=json&userid=42", got.URL.RawQuery)
	assert.Equal(t, "MoodleMobile", got.Header.Get("User-Agent"))
	assert.Equal(t, "com.moodle.moodlemobile", got.Header.Get("X-Requested-With"))
}

func TestCallCachesPerTokenAndArgs(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`[{"id":1,"name":"Week 1"}]`))
	}), 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		secs, err := c.CourseContents(ctx, "tokA", 10)
		require.NoError(t, err)
		require.Len(t, secs, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err := c.CourseContents(ctx, "tokB", 10)
	require.NoError(t, err)
	_, err = c.CourseContents(ctx, "tokA", 11)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestCacheExpiry(t *testing.T) {
	cache := NewCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("k", []byte("v"), time.Minute)
	_, ok := cache.Get("k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())

	cache.Set("a", []byte("1"), time.Second)
	cache.Set("b", []byte("2"), time.Hour)
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, cache.Purge())
}

func TestConcurrentIdenticalCallsAreShared(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte(`{"sitename":"Uni"}`))
	}), 5)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SiteInfo(context.Background(), "tok")
		}(i)
	}

	// Let every caller join the in-flight request before answering.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestLimiterCapsConcurrency(t *testing.T) {
	var inFlight, peak int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte(`[]`))
	}), 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct courses so nothing is de-duplicated.
			_, err := c.CourseContents(context.Background(), "tok", int64(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestLimiterReleasesSlotOnTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("courseid") == "1" {
			select {
			case <-block:
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
		Retry:   RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, NewCache(), NewLimiter(1))

	_, err := c.CourseContents(context.Background(), "tok", 1)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)

	// The single slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.CourseContents(ctx, "tok", 2)
	require.NoError(t, err)
}

func TestCallerCancellationIsUpstreamUnavailable(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 5)
	// Runs before the server is closed.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.SiteInfo(ctx, "tok")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, fnSiteInfo, e.Function)
}

func TestMobileCallEncodesRequests(t *testing.T) {
	var form url.Values
	var query url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, mobileCallPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		query = r.URL.Query()
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"responses":[{"error":false,"data":"{\"sitename\":\"Uni\"}"}]}`))
	}), 5)

	resps, err := c.MobileCall(context.Background(), "tok", []MobileRequest{{Index: 0, MethodName: fnSiteInfo, Args: map[string]any{}}})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.False(t, resps[0].Error)

	assert.Equal(t, mobileCallFunc, query.Get("wsfunction"))
	assert.Equal(t, "tok", query.Get("wstoken"))

	var reqs []MobileRequest
	require.NoError(t, json.Unmarshal([]byte(form.Get("requests")), &reqs))
	require.Len(t, reqs, 1)
	assert.Equal(t, fnSiteInfo, reqs[0].MethodName)
}
