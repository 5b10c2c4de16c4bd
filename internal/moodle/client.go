// Package moodle is the webservice client for the institution's Moodle.
//
// Every call goes through four policies: a TTL response cache, in-flight
// de-duplication of identical calls, a process-wide FIFO concurrency gate
// and a bounded retry on 429/5xx. Results are either the decoded payload
// or an *Error carrying the remote error code.
package moodle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	appLog "campussync/internal/log"
)

const (
	restPath        = "/webservice/rest/server.php"
	mobileCallPath  = "/tool/mobile/call.php"
	mobileCallFunc  = "tool_mobile_call_external_functions"
	defaultTimeout  = 20 * time.Second
	maxResponseSize = 16 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL is the Moodle wwwroot.
	BaseURL       string
	UserAgent     string
	RequestedWith string

	// Timeout bounds a single HTTP attempt. Defaults to 20s.
	Timeout time.Duration

	Retry RetryPolicy

	// HTTPClient overrides the transport (tests). Its Timeout is replaced.
	HTTPClient *http.Client
}

// Client talks to the Moodle webservice endpoints. The cache and limiter
// are injected so a single pair can be shared process-wide.
type Client struct {
	baseURL       string
	http          *http.Client
	userAgent     string
	requestedWith string
	timeout       time.Duration
	retry         RetryPolicy

	cache   *Cache
	limiter *Limiter
	group   singleflight.Group
}

// NewClient builds a Client. Redirects are followed automatically here;
// only the CAS flow needs to see intermediate hops.
func NewClient(opts Options, cache *Cache, limiter *Limiter) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retry.BaseDelay <= 0 && opts.Retry.MaxRetries == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if cache == nil {
		cache = NewCache()
	}
	if limiter == nil {
		limiter = NewLimiter(defaultMaxConcurrent)
	}

	hc := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		hc = &cp
	}
	hc.Timeout = opts.Timeout

	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		http:          hc,
		userAgent:     opts.UserAgent,
		requestedWith: opts.RequestedWith,
		timeout:       opts.Timeout,
		retry:         opts.Retry,
		cache:         cache,
		limiter:       limiter,
	}
}

// Call invokes a REST webservice function and decodes the JSON result into
// out. With ttl > 0 successful responses are cached per
// (function, token, args).
func (c *Client) Call(ctx context.Context, function, token string, args url.Values, ttl time.Duration, out any) error {
	key := cacheKey(function, token, args.Encode())

	body, err := c.cached(ctx, function, key, ttl, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.restURL(function, token, args), nil)
	})
	if err != nil {
		return err
	}
	return decode(function, body, out)
}

// MobileRequest is one entry of a batched mobile call.
type MobileRequest struct {
	Index      int            `json:"index"`
	MethodName string         `json:"methodname"`
	Args       map[string]any `json:"args"`
}

// Exception is Moodle's error payload.
type Exception struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

// MobileResponse is one entry of a batched mobile call result. Data holds
// the JSON-encoded result of the wrapped function.
type MobileResponse struct {
	Error     bool       `json:"error"`
	Data      string     `json:"data"`
	Exception *Exception `json:"exception,omitempty"`
}

// MobileCall invokes several functions through the batched mobile-call
// endpoint. Identical concurrent batches are de-duplicated but never
// cached.
func (c *Client) MobileCall(ctx context.Context, token string, reqs []MobileRequest) ([]MobileResponse, error) {
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode mobile requests: %w", err)
	}
	form := "requests=" + url.QueryEscape(string(payload))
	key := cacheKey(mobileCallFunc, token, string(payload))

	body, err := c.cached(ctx, mobileCallFunc, key, 0, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mobileCallURL(token), strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Responses []MobileResponse `json:"responses"`
	}
	if err := decode(mobileCallFunc, body, &out); err != nil {
		return nil, err
	}
	return out.Responses, nil
}

type requestBuilder func(ctx context.Context) (*http.Request, error)

// cached applies cache lookup and in-flight de-duplication around fetch.
func (c *Client) cached(ctx context.Context, function, key string, ttl time.Duration, build requestBuilder) ([]byte, error) {
	if ttl > 0 {
		if b, ok := c.cache.Get(key); ok {
			cacheHitsTotal.WithLabelValues(function).Inc()
			callsTotal.WithLabelValues(function, "cache").Inc()
			return b, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// The shared call must outlive any single caller giving up, but not
		// the retry budget.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callBudget())
		defer cancel()

		body, err := c.fetch(fctx, function, build)
		callsTotal.WithLabelValues(function, outcomeLabel(err)).Inc()
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.cache.Set(key, body, ttl)
		}
		return body, nil
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTransient, Function: function, Err: ctx.Err()}
	case res := <-ch:
		if res.Shared {
			sharedTotal.WithLabelValues(function).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// callBudget bounds one logical call including every retry and wait.
func (c *Client) callBudget() time.Duration {
	n := time.Duration(max(c.retry.MaxRetries, 0))
	return (n+1)*c.timeout + n*(c.retry.MaxDelay+c.retry.MaxJitter)
}

// fetch runs the retry loop; each attempt holds a limiter slot only while
// the request is in flight.
func (c *Client) fetch(ctx context.Context, function string, build requestBuilder) ([]byte, error) {
	var body []byte
	attempt := func() error {
		return c.limiter.Do(ctx, func(ctx context.Context) error {
			b, err := c.once(ctx, function, build)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	}
	onRetry := func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(function).Inc()
		appLog.Debug("moodle call retry", "function", function, "wait", wait.String(), "err", err.Error())
	}

	if err := c.retry.Do(ctx, attempt, onRetry); err != nil {
		if _, ok := err.(*Error); !ok {
			// Context expiry while waiting for a slot or a backoff.
			return nil, &Error{Kind: KindTransient, Function: function, Err: err}
		}
		return nil, err
	}
	return body, nil
}

// once performs a single HTTP attempt and classifies the outcome.
func (c *Client) once(ctx context.Context, function string, build requestBuilder) ([]byte, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, &Error{Kind: KindHTTP, Function: function, Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.requestedWith != "" {
		req.Header.Set("X-Requested-With", c.requestedWith)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Function: function, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Function: function, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Function: function, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: KindHTTP, Function: function, Status: resp.StatusCode}
	}

	if ex, ok := exceptionOf(body); ok {
		return nil, remoteError(function, ex.ErrorCode, ex.Message)
	}
	if !json.Valid(body) {
		return nil, &Error{Kind: KindDecode, Function: function, Message: "response is not JSON"}
	}
	return body, nil
}

// exceptionOf detects Moodle's error envelope, which arrives with 200 OK.
func exceptionOf(body []byte) (Exception, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Exception{}, false
	}
	var ex struct {
		Exception
		Error string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &ex); err != nil {
		return Exception{}, false
	}
	if ex.ErrorCode == "" || (ex.Exception.Exception == "" && ex.Error == "") {
		return Exception{}, false
	}
	if ex.Message == "" {
		ex.Message = ex.Error
	}
	return ex.Exception, true
}

func decode(function string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindDecode, Function: function, Err: err}
	}
	return nil
}

func (c *Client) restURL(function, token string, args url.Values) string {
	u := c.baseURL + restPath +
		"?wstoken=" + url.QueryEscape(token) +
		"&wsfunction=" + url.QueryEscape(function) +
		"&moodlewsrestformat=json"
	if enc := args.Encode(); enc != "" {
		u += "&" + enc
	}
	return u
}

func (c *Client) mobileCallURL(token string) string {
	return c.baseURL + mobileCallPath +
		"?moodlewsrestformat=json" +
		"&wsfunction=" + mobileCallFunc +
		"&wstoken=" + url.QueryEscape(token)
}

func cacheKey(function, token, args string) string {
	return function + "\x00" + token + "\x00" + args
}
