// Package rangefetch implements the bounded-parallelism range
// downloader: it resolves the canonical download URL, fetches the
// target's missing byte ranges with retry/backoff, and falls back to a
// single full-file download when the origin does not honor Range
// requests.
package rangefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"appimageupdate/internal/errs"
	"appimageupdate/internal/target"
)

// backoff is the retry schedule for transient range failures: three
// further attempts at 200ms, 400ms, 800ms.
var backoff = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

// httpErr classifies a transport or body-read error from one HTTP call,
// preferring Canceled whenever ctx itself is the cause: canceling ctx
// mid-read surfaces as a plain wrapped error from net/http (inside an
// *url.Error, or unwrapped from io.ReadAll/io.Copy), never as something
// that compares equal to context.Canceled directly, so every call site
// must check with errors.Is/ctx.Err() rather than assume the stdlib hands
// back a bare context.Canceled. A canceled session must reach Canceled,
// never Failed.
func httpErr(ctx context.Context, action errs.Action, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errs.Canceled(action)
	}
	return errs.NetworkError(action, 0, err)
}

// DefaultParallelism is twice the hardware concurrency, clamped to
// [2,16], used when the caller's configuration leaves parallelism at
// its zero value.
func DefaultParallelism() int {
	n := 2 * defaultGOMAXPROCS()
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}

// Options tunes a Fetcher. The zero value gives the defaults.
type Options struct {
	// Timeout bounds each individual HTTP request; 0 means 5 minutes.
	Timeout time.Duration

	// ProxyURL routes all outbound requests through a proxy; ""
	// falls back to the standard environment variables.
	ProxyURL string

	// BandwidthLimitKBps caps aggregate download throughput across all
	// in-flight requests; 0 is unlimited.
	BandwidthLimitKBps int

	// RetryAttempts is the per-range retry budget; 0 means the default
	// schedule of 3.
	RetryAttempts int
}

// Fetcher performs range and full-file HTTP downloads against one
// resolved origin URL.
type Fetcher struct {
	httpClient *http.Client
	limit      *limiter
	retries    []time.Duration // nil means the package default
}

// NewFetcher returns a Fetcher with the default Options.
func NewFetcher() *Fetcher {
	return NewFetcherWith(Options{})
}

// NewFetcherWith returns a Fetcher with transport tuning suited to many
// small range requests against one origin: pooled idle connections and
// no transparent compression, since ranges of a binary do not compress.
func NewFetcherWith(o Options) *Fetcher {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if o.ProxyURL != "" {
		if u, err := url.Parse(o.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	var retries []time.Duration
	if o.RetryAttempts > 0 {
		for i := 0; i < o.RetryAttempts; i++ {
			retries = append(retries, 200*time.Millisecond<<uint(i))
		}
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limit:      newLimiter(o.BandwidthLimitKBps),
		retries:    retries,
	}
}

// limiter is a token bucket capping aggregate read throughput; a nil
// limiter imposes no limit.
type limiter struct {
	mu     sync.Mutex
	rate   float64 // bytes per second
	tokens float64
	last   time.Time
}

func newLimiter(kbps int) *limiter {
	if kbps <= 0 {
		return nil
	}
	r := float64(kbps) * 1024
	return &limiter{rate: r, tokens: r, last: time.Now()}
}

// wait charges n bytes against the bucket, sleeping off any deficit.
func (l *limiter) wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.rate {
		l.tokens = l.rate
	}
	l.last = now
	l.tokens -= float64(n)
	var d time.Duration
	if l.tokens < 0 {
		d = time.Duration(-l.tokens / l.rate * float64(time.Second))
	}
	l.mu.Unlock()

	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// throttledReader reads from r in bounded chunks, charging each read
// against the fetcher's limiter.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	l   *limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.l != nil && len(p) > 64*1024 {
		p = p[:64*1024]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.l.wait(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Preflight resolves rawURL to its canonical form by following
// redirects with a throwaway one-byte range request, and reports
// whether the origin advertises Range support. The target URL may
// itself redirect; resolving it once up front keeps every subsequent
// range request from paying the redirect chain again.
func (f *Fetcher) Preflight(ctx context.Context, rawURL string) (resolvedURL string, acceptsRanges bool, contentLength int64, err error) {
	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if rerr != nil {
		return "", false, 0, fmt.Errorf("rangefetch: build preflight request: %w", rerr)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, derr := f.httpClient.Do(req)
	if derr != nil {
		return "", false, 0, httpErr(ctx, errs.ActionUpdate, derr)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return final, true, parseContentRangeTotal(resp.Header.Get("Content-Range")), nil
	case http.StatusOK:
		return final, false, resp.ContentLength, nil
	default:
		return "", false, 0, errs.NetworkError(errs.ActionUpdate, resp.StatusCode, fmt.Errorf("preflight request returned status %d", resp.StatusCode))
	}
}

// FetchRange downloads [lo,hi] inclusive from url, retrying on
// transport and 5xx failures per the backoff schedule.
func (f *Fetcher) FetchRange(ctx context.Context, url string, lo, hi int64) ([]byte, error) {
	sched := f.retries
	if sched == nil {
		sched = backoff
	}

	var lastErr error
	for attempt := 0; attempt <= len(sched); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Canceled(errs.ActionUpdate)
			case <-time.After(sched[attempt-1]):
			}
		}

		data, err := f.fetchRangeOnce(ctx, url, lo, hi)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) fetchRangeOnce(ctx context.Context, url string, lo, hi int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", lo, hi))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, httpErr(ctx, errs.ActionUpdate, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		data, rerr := io.ReadAll(&throttledReader{ctx: ctx, r: resp.Body, l: f.limit})
		if rerr != nil {
			return nil, httpErr(ctx, errs.ActionUpdate, rerr)
		}
		return data, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, errs.New(errs.KindRangeNotSatisfiable, errs.ActionUpdate, fmt.Errorf("range %d-%d not satisfiable", lo, hi))
	default:
		return nil, errs.NetworkError(errs.ActionUpdate, resp.StatusCode, fmt.Errorf("range request returned status %d", resp.StatusCode))
	}
}

func retryable(err error) bool {
	var e *errs.Error
	if as, ok := err.(*errs.Error); ok {
		e = as
	}
	if e == nil {
		return false
	}
	if e.Kind != errs.KindNetworkError {
		return false
	}
	return e.Code == 0 || e.Code >= 500
}

// DownloadRanges fills every missing range in store by issuing bounded
// parallel range requests against url. progress is called after each
// range completes with the number of bytes just written.
func (f *Fetcher) DownloadRanges(ctx context.Context, url string, store *target.Store, parallelism int, progress func(n int64)) error {
	if parallelism <= 0 {
		parallelism = DefaultParallelism()
	}

	ranges := store.MissingRanges()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	// Serialize progress callbacks so callers can accumulate without
	// their own locking.
	var progressMu sync.Mutex

	for _, r := range ranges {
		r := r
		g.Go(func() error {
			data, err := f.FetchRange(gctx, url, r.Lo, r.Hi)
			if err != nil {
				return err
			}
			if int64(len(data)) != r.Len() {
				return errs.New(errs.KindVerificationFailed, errs.ActionUpdate, fmt.Errorf("range %d-%d: expected %d bytes, got %d", r.Lo, r.Hi, r.Len(), len(data)))
			}
			if err := store.WriteRange(r.Lo, data); err != nil {
				return fmt.Errorf("rangefetch: writing range %d-%d: %w", r.Lo, r.Hi, err)
			}
			if progress != nil {
				progressMu.Lock()
				progress(r.Len())
				progressMu.Unlock()
			}
			return nil
		})
	}

	return g.Wait()
}

// FetchBytes downloads url in its entirety into memory, for small
// payloads such as a control file where streaming to disk first would
// be wasted effort.
func (f *Fetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, httpErr(ctx, errs.ActionCheckForUpdate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.NetworkError(errs.ActionCheckForUpdate, resp.StatusCode, fmt.Errorf("control file request returned status %d", resp.StatusCode))
	}
	data, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return nil, httpErr(ctx, errs.ActionCheckForUpdate, rerr)
	}
	return data, nil
}

// FetchAll downloads url in its entirety to destPath via a temp file
// plus atomic rename, for origins that reject Range requests.
func (f *Fetcher) FetchAll(ctx context.Context, url, destPath string, progress func(n int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("rangefetch: build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return httpErr(ctx, errs.ActionUpdate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.NetworkError(errs.ActionUpdate, resp.StatusCode, fmt.Errorf("full download returned status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("rangefetch: create directory: %w", err)
	}

	tmpPath := destPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("rangefetch: create temp file: %w", err)
	}

	pw := &progressWriter{w: out, onWrite: progress}
	_, copyErr := io.Copy(pw, &throttledReader{ctx: ctx, r: resp.Body, l: f.limit})
	closeErr := out.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil || errors.Is(copyErr, context.Canceled) {
			return errs.Canceled(errs.ActionUpdate)
		}
		return fmt.Errorf("rangefetch: writing download: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rangefetch: closing download: %w", closeErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rangefetch: finalizing download: %w", err)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	onWrite func(n int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 && p.onWrite != nil {
		p.onWrite(int64(n))
	}
	return n, err
}

func parseContentRangeTotal(header string) int64 {
	if header == "" {
		return 0
	}
	var total int64
	if _, err := fmt.Sscanf(header, "bytes 0-0/%d", &total); err == nil {
		return total
	}
	return 0
}
