package rangefetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"appimageupdate/internal/errs"
	"appimageupdate/internal/target"
)

func TestFetchRangeRetriesTransientFailuresThenSucceeds(t *testing.T) {
	var attempts int32
	payload := []byte("abcd")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	origBackoff := backoff
	backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { backoff = origBackoff }()

	f := NewFetcher()
	data, err := f.FetchRange(context.Background(), srv.URL, 0, 3)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("FetchRange data = %q, want %q", data, payload)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (2 failures + 1 success)", got)
	}
}

func TestFetchRangeGivesUpAfterExhaustingBackoffSchedule(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	origBackoff := backoff
	backoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { backoff = origBackoff }()

	f := NewFetcher()
	_, err := f.FetchRange(context.Background(), srv.URL, 0, 3)
	if err == nil {
		t.Fatal("expected FetchRange to fail after exhausting the backoff schedule")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", got)
	}
}

func TestFetchRangeRangeNotSatisfiableIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, err := f.FetchRange(context.Background(), srv.URL, 0, 3)
	if err == nil {
		t.Fatal("expected an error for a 416 response")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindRangeNotSatisfiable {
		t.Fatalf("err = %v, want KindRangeNotSatisfiable", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (not retried)", got)
	}
}

func TestPreflightReportsRangeSupport(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[:1])
	}))
	defer srv.Close()

	f := NewFetcher()
	resolved, acceptsRanges, total, err := f.Preflight(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if !acceptsRanges {
		t.Error("expected acceptsRanges = true for a 206 response")
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
	if resolved == "" {
		t.Error("expected a non-empty resolved URL")
	}
}

func TestPreflightFallsBackWhenRangeUnsupported(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, acceptsRanges, total, err := f.Preflight(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if acceptsRanges {
		t.Error("expected acceptsRanges = false for a 200 response")
	}
	if total != int64(len(body)) {
		t.Errorf("total = %d, want %d", total, len(body))
	}
}

func TestFetchAllWritesWholeBodyToDestPath(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out", "target.bin")
	var progressed int64
	f := NewFetcher()
	if err := f.FetchAll(context.Background(), srv.URL, dest, func(n int64) { progressed += n }); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("FetchAll wrote %d bytes, want %d", len(got), len(body))
	}
	if progressed != int64(len(body)) {
		t.Errorf("progress callback totaled %d bytes, want %d", progressed, len(body))
	}
	if _, err := os.Stat(dest + ".partial"); !os.IsNotExist(err) {
		t.Errorf("expected the .partial temp file to be gone after a successful FetchAll")
	}
}

func TestFetchAllCancellationSurfacesAsCanceledAndCleansUpPartial(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("first chunk"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "target.bin")

	f := NewFetcher()
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.FetchAll(ctx, srv.URL, dest, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	if err == nil {
		t.Fatal("expected FetchAll to fail once ctx is canceled mid-download")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindCanceled {
		t.Fatalf("err = %v (%T), want a *errs.Error of KindCanceled", err, err)
	}
	if _, statErr := os.Stat(dest + ".partial"); !os.IsNotExist(statErr) {
		t.Error("expected the .partial temp file to be removed after cancellation")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("expected no destination file to be left behind after cancellation")
	}
}

func TestDownloadRangesCancellationPropagatesAsCanceled(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-3/8")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("a"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	store := openTestStore(t, 8, 4)
	ctx, cancel := context.WithCancel(context.Background())

	f := NewFetcher()
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.DownloadRanges(ctx, srv.URL, store, 2, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	if err == nil {
		t.Fatal("expected DownloadRanges to fail once ctx is canceled mid-download")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindCanceled {
		t.Fatalf("err = %v (%T), want a *errs.Error of KindCanceled", err, err)
	}
}

func openTestStore(t *testing.T, length, blockSize int64) *target.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.bin")
	blockCount := int((length + blockSize - 1) / blockSize)
	s, err := target.Open(path, length, blockSize, blockCount)
	if err != nil {
		t.Fatalf("target.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewFetcherWithBuildsExponentialRetrySchedule(t *testing.T) {
	f := NewFetcherWith(Options{RetryAttempts: 2})
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(f.retries) != len(want) {
		t.Fatalf("retries = %v, want %v", f.retries, want)
	}
	for i := range want {
		if f.retries[i] != want[i] {
			t.Errorf("retries[%d] = %v, want %v", i, f.retries[i], want[i])
		}
	}

	if def := NewFetcher(); def.retries != nil {
		t.Errorf("default fetcher should fall back to the package schedule, got %v", def.retries)
	}
}

func TestLimiterUnlimitedWhenDisabled(t *testing.T) {
	l := newLimiter(0)
	if l != nil {
		t.Fatal("kbps 0 should disable the limiter")
	}
	if err := l.wait(context.Background(), 1<<20); err != nil {
		t.Errorf("nil limiter wait: %v", err)
	}
}
