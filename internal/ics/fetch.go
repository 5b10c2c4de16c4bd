// Package ics downloads calendar feeds, parses them and expands recurring
// events into the sync window.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	appLog "campussync/internal/log"
	"campussync/internal/model"
)

// Status is the per-feed outcome of a fetch.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

const (
	defaultFeedTimeout = 15 * time.Second
	defaultParallel    = 8
	maxFeedSize        = 10 << 20
)

var feedFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campussync_feed_fetches_total",
	Help: "Calendar feed fetches by result.",
}, []string{"result"})

// FeedResult is the outcome of fetching one feed URL.
type FeedResult struct {
	URL    string
	Status Status

	// Events are the feed's events, recurring ones expanded into the
	// window. Every event carries URL as its SourceURL. Empty unless ok.
	Events []model.Event

	NotModified bool
	Err         error
}

// Options configures a Fetcher.
type Options struct {
	// CacheDir holds one subdirectory per feed with the last body and its
	// validators. Empty disables conditional requests.
	CacheDir string

	// Timeout bounds each feed individually.
	Timeout time.Duration

	UserAgent string

	// Location is used for floating DTSTART values. Defaults to UTC.
	Location *time.Location

	// Parallel caps concurrent feed downloads.
	Parallel int

	HTTPClient *http.Client
}

// Fetcher fetches feeds with HTTP validators (ETag / Last-Modified) and a
// disk-backed body cache.
type Fetcher struct {
	client    *http.Client
	cacheDir  string
	timeout   time.Duration
	userAgent string
	loc       *time.Location
	parallel  int
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFeedTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Fetcher{
		client:    hc,
		cacheDir:  opts.CacheDir,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		loc:       opts.Location,
		parallel:  opts.Parallel,
	}
}

// FetchAll fetches, parses and expands every feed independently and in
// parallel. One result is returned per distinct URL, in input order. A
// failing feed never affects the others.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, win Window) []FeedResult {
	urls = dedupe(urls)
	results := make([]FeedResult, len(urls))

	var g errgroup.Group
	g.SetLimit(f.parallel)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = f.fetchFeed(ctx, u, win)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) fetchFeed(ctx context.Context, feedURL string, win Window) FeedResult {
	res := FeedResult{URL: feedURL, Status: StatusFailed}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, notModified, err := f.FetchOne(ctx, feedURL)
	if err != nil {
		res.Err = err
		feedFetchesTotal.WithLabelValues("failed").Inc()
		appLog.Error("feed fetch failed", err, "url", redactURL(feedURL))
		return res
	}

	parsed, err := ParseICS(feedURL, body, f.loc)
	if err != nil {
		res.Err = err
		feedFetchesTotal.WithLabelValues("unparseable").Inc()
		appLog.Error("feed parse failed", err, "url", redactURL(feedURL))
		return res
	}

	res.Status = StatusOK
	res.NotModified = notModified
	res.Events = Expand(parsed, win)
	if notModified {
		feedFetchesTotal.WithLabelValues("not_modified").Inc()
	} else {
		feedFetchesTotal.WithLabelValues("ok").Inc()
	}
	appLog.Debug("feed fetched", "url", redactURL(feedURL), "events", len(res.Events), "not_modified", notModified)
	return res
}

// FetchOne downloads one feed. A 304 is answered from the disk cache; any
// network error or other non-200 status is an error even when a cached
// body exists.
func (f *Fetcher) FetchOne(ctx context.Context, feedURL string) ([]byte, bool, error) {
	if feedURL == "" {
		return nil, false, errors.New("feed URL is empty")
	}

	var (
		dir  string
		meta cacheMeta
	)
	if f.cacheDir != "" {
		dir = f.cachePath(feedURL)
		meta, _ = loadMeta(dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, false, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if meta.URL == feedURL {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
		if err != nil {
			return nil, false, err
		}
		if dir != "" {
			m := cacheMeta{
				URL:          feedURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(dir, m, body); err != nil {
				appLog.Error("feed cache save failed", err, "url", redactURL(feedURL))
			}
		}
		return body, false, nil

	case http.StatusNotModified:
		if dir == "" {
			return nil, false, errors.New("304 Not Modified without a cached body")
		}
		body, err := os.ReadFile(filepath.Join(dir, "body.ics"))
		if err != nil || len(body) == 0 {
			return nil, false, errors.New("304 Not Modified without a cached body")
		}
		return body, true, nil

	default:
		return nil, false, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) cachePath(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

// saveCache writes the body before the metadata so validators never point
// at a missing body.
func saveCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, "body.ics"), body); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "meta.json"), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".feed-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// redactURL keeps scheme and host only; feed URLs often embed a secret.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
