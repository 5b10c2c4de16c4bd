package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "campussync/internal/log"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxRedirects = 15
	maxBodyBytes        = 4 << 20
)

// ErrTooManyRedirects is returned by FollowAll when the step cap is hit.
var ErrTooManyRedirects = errors.New("session: too many redirects")

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Body   string
	Header http.Header
}

// Response is the captured result of Send. Body is fully read.
type Response struct {
	StatusCode int
	// URL is the absolute URL that produced this response.
	URL string
	// Location is the absolute redirect target, empty when not a redirect.
	Location string
	Header   http.Header
	Body     []byte
}

// IsRedirect reports whether the response is a redirect with a target.
func (r Response) IsRedirect() bool {
	return isRedirectStatus(r.StatusCode) && r.Location != ""
}

// Options configures a Client.
type Options struct {
	// UserAgent and RequestedWith are sent on every request; the mobile
	// launch flow is gated on them.
	UserAgent     string
	RequestedWith string

	// Timeout bounds each individual request. Defaults to 20s.
	Timeout time.Duration

	// MaxRedirects caps FollowAll. Defaults to 15.
	MaxRedirects int

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Client issues requests with manual redirect handling.
type Client struct {
	http          *http.Client
	userAgent     string
	requestedWith string
	maxRedirects  int
}

// NewClient constructs a Client whose underlying http.Client never follows
// redirects and never keeps cookies on its own.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:     opts.UserAgent,
		requestedWith: opts.RequestedWith,
		maxRedirects:  opts.MaxRedirects,
	}
}

// Send issues req with the cookies of s attached, and returns the captured
// response together with s updated by any Set-Cookie headers.
func (c *Client) Send(ctx context.Context, s Session, req Request) (Response, Session, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, s, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		hreq.Header.Set("User-Agent", c.userAgent)
	}
	if c.requestedWith != "" {
		hreq.Header.Set("X-Requested-With", c.requestedWith)
	}
	if cookie := s.Header(); cookie != "" {
		hreq.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Response{}, s, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, s, fmt.Errorf("read body: %w", err)
	}

	next := s.With(resp.Cookies()...)

	out := Response{
		StatusCode: resp.StatusCode,
		URL:        hreq.URL.String(),
		Header:     resp.Header,
		Body:       data,
	}
	if isRedirectStatus(resp.StatusCode) {
		if loc := resp.Header.Get("Location"); loc != "" {
			abs, err := resolve(hreq.URL, loc)
			if err != nil {
				return out, next, fmt.Errorf("bad redirect location: %w", err)
			}
			out.Location = abs
		}
	}

	appLog.Debug("session send",
		"method", method,
		"host", hreq.URL.Host,
		"path", hreq.URL.Path,
		"status", resp.StatusCode,
		"redirect", out.Location != "",
		"cookies", next.Len(),
	)

	return out, next, nil
}

// Get is shorthand for a GET Send without extra headers.
func (c *Client) Get(ctx context.Context, s Session, rawURL string) (Response, Session, error) {
	return c.Send(ctx, s, Request{Method: http.MethodGet, URL: rawURL})
}

// FollowAll GETs rawURL and keeps following Location headers until a
// non-redirect response arrives. It gives up with ErrTooManyRedirects once
// the configured step cap is reached.
func (c *Client) FollowAll(ctx context.Context, s Session, rawURL string) (Response, Session, error) {
	next := rawURL
	for step := 0; step <= c.maxRedirects; step++ {
		resp, ns, err := c.Get(ctx, s, next)
		s = ns
		if err != nil {
			return resp, s, err
		}
		if !resp.IsRedirect() {
			return resp, s, nil
		}
		next = resp.Location
	}
	return Response{}, s, fmt.Errorf("%w (limit %d)", ErrTooManyRedirects, c.maxRedirects)
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolve makes loc absolute relative to base. Non-HTTP schemes (such as
// the mobile app URL scheme) are returned untouched.
func resolve(base *url.URL, loc string) (string, error) {
	if i := strings.Index(loc, "://"); i > 0 {
		scheme := strings.ToLower(loc[:i])
		if scheme != "http" && scheme != "https" {
			return loc, nil
		}
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
