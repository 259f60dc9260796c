// Package coordinator drives the three inbound operations
// (GetEmbeddedInfo, CheckForUpdate, Update) through the explicit state
// machine Idle -> Parsing -> Seeding -> Downloading -> Verifying ->
// {Finished, Failed, Canceled}, wiring together bundleinfo, descriptor,
// controlfile, blockindex, target, seedscan and rangefetch, and
// emitting progress, error and cancellation events through an
// events.Emitter.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"appimageupdate/internal/blockindex"
	"appimageupdate/internal/bundleinfo"
	"appimageupdate/internal/checksum"
	"appimageupdate/internal/config"
	"appimageupdate/internal/controlfile"
	"appimageupdate/internal/descriptor"
	"appimageupdate/internal/errs"
	"appimageupdate/internal/events"
	"appimageupdate/internal/history"
	"appimageupdate/internal/rangefetch"
	"appimageupdate/internal/seedscan"
	"appimageupdate/internal/target"
)

// State is the coordinator's position in the update state machine.
type State int32

const (
	StateIdle State = iota
	StateParsing
	StateSeeding
	StateDownloading
	StateVerifying
	StateFinished
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateParsing:
		return "parsing"
	case StateSeeding:
		return "seeding"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of CheckForUpdate.
type CheckResult struct {
	UpToDate     bool
	AbsolutePath string // the local bundle that was checked
	LocalSHA1    string
	RemoteSHA1   string
	ReleaseNotes string // populated only by release-hosting descriptors
	ControlFile  *controlfile.ControlFile
	ResolvedURL  string
}

// UpdateResult is the outcome of a successful Update.
type UpdateResult struct {
	LocalPath       string // the old version that seeded the update
	OutputPath      string
	SHA1            string
	BytesSeeded     int64
	BytesDownloaded int64
	UsedFallback    bool // true if the origin rejected Range and a full download was used
}

// Coordinator drives one update session at a time; it is not safe to
// call Update concurrently with itself. Separate sessions get separate
// Coordinators.
type Coordinator struct {
	cfg      *config.Config
	fetcher  *rangefetch.Fetcher
	resolver *descriptor.Resolver
	hist     *history.Store
	emitter  *events.Emitter
	logger   zerolog.Logger

	state atomic.Int32
}

// New returns a ready-to-use Coordinator. hist may be nil, in which
// case session outcomes are simply not recorded.
func New(cfg *config.Config, hist *history.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg: cfg,
		fetcher: rangefetch.NewFetcherWith(rangefetch.Options{
			Timeout:            time.Duration(cfg.RequestTimeoutSecs) * time.Second,
			ProxyURL:           cfg.ProxyURL,
			BandwidthLimitKBps: cfg.BandwidthLimitKBps,
			RetryAttempts:      cfg.RetryAttempts,
		}),
		resolver: descriptor.NewResolver(),
		hist:     hist,
		emitter:  events.NewEmitter(),
		logger:   logger.With().Str("component", "coordinator").Logger(),
	}
}

// On subscribes handler to events of type t.
func (c *Coordinator) On(t events.Type, handler events.Handler) {
	c.emitter.On(t, handler)
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	c.emitter.Emit(events.Event{Type: events.Log, Message: fmt.Sprintf("state -> %s", s)})
}

// GetEmbeddedInfo extracts the update-information string and whole-
// file SHA-1 from appImagePath without touching the network.
func (c *Coordinator) GetEmbeddedInfo(appImagePath string) (*bundleinfo.Info, *errs.Error) {
	info, err := bundleinfo.Read(appImagePath)
	if err != nil {
		c.emitError(err)
		return nil, err
	}
	return info, nil
}

// CheckForUpdate fetches just enough of the remote control file to
// decide whether appImagePath is already up to date, without
// downloading or reconstructing anything.
func (c *Coordinator) CheckForUpdate(ctx context.Context, appImagePath string) (*CheckResult, *errs.Error) {
	c.setState(StateParsing)
	c.emitter.Emit(events.Event{Type: events.Started, Action: errs.ActionCheckForUpdate})

	info, ierr := bundleinfo.Read(appImagePath)
	if ierr != nil {
		e := toTypedErr(ierr, errs.ActionCheckForUpdate)
		c.fail(errs.ActionCheckForUpdate, e)
		return nil, e
	}

	key := historyKey(appImagePath)
	if result, ok := c.shortCircuitCheck(key, info.SHA1); ok {
		c.setState(StateFinished)
		c.emitter.Emit(events.Event{Type: events.Finished, Action: errs.ActionCheckForUpdate, Result: result})
		return result, nil
	}

	cf, resolvedURL, notes, err := c.fetchControlFileFor(ctx, info, errs.ActionCheckForUpdate)
	if err != nil {
		c.fail(errs.ActionCheckForUpdate, err)
		return nil, err
	}

	absPath, aerr := filepath.Abs(appImagePath)
	if aerr != nil {
		absPath = appImagePath
	}
	remoteSHA1 := checksum.HexString(cf.Header.TargetSHA1[:])
	result := &CheckResult{
		UpToDate:     remoteSHA1 == info.SHA1,
		AbsolutePath: absPath,
		LocalSHA1:    info.SHA1,
		RemoteSHA1:   remoteSHA1,
		ReleaseNotes: notes,
		ControlFile:  cf,
		ResolvedURL:  resolvedURL,
	}

	c.recordHistory(key, info.SHA1, remoteSHA1, time.Now(), history.OutcomeFinished, 0, "")
	c.setState(StateFinished)
	c.emitter.Emit(events.Event{Type: events.Finished, Action: errs.ActionCheckForUpdate, Result: result})
	return result, nil
}

// shortCircuitCheck reports already-up-to-date without re-fetching the
// control file: if the most recently recorded session for
// this target finished having found the remote SHA-1 equal to the local
// one, and the local bundle's SHA-1 has not changed since, the remote side
// cannot have changed what CheckForUpdate would observe relative to it, so
// the network round-trip is skipped entirely.
func (c *Coordinator) shortCircuitCheck(key, localSHA1 string) (*CheckResult, bool) {
	if c.hist == nil {
		return nil, false
	}
	last, ok, err := c.hist.Last(key)
	if err != nil || !ok {
		return nil, false
	}
	if last.Outcome != history.OutcomeFinished {
		return nil, false
	}
	if last.NewSHA1 == "" || last.NewSHA1 != last.OldSHA1 || last.NewSHA1 != localSHA1 {
		return nil, false
	}
	return &CheckResult{UpToDate: true, LocalSHA1: localSHA1, RemoteSHA1: last.NewSHA1}, true
}

// Update resolves, downloads and verifies a new target bundle for
// appImagePath, writing the reconstructed file into the configured
// output directory. It blocks until the update finishes, fails, or ctx
// is canceled.
func (c *Coordinator) Update(ctx context.Context, appImagePath string) (*UpdateResult, *errs.Error) {
	startedAt := time.Now()
	c.setState(StateParsing)
	c.emitter.Emit(events.Event{Type: events.Started, Action: errs.ActionUpdate})

	info, cf, resolvedURL, err := c.fetchControlFile(ctx, appImagePath, errs.ActionUpdate)
	if err != nil {
		c.fail(errs.ActionUpdate, err)
		return nil, err
	}

	outDir := c.cfg.OutputDirectory
	if outDir == "" {
		outDir = filepath.Dir(appImagePath)
	}
	outputPath := filepath.Join(outDir, cf.Header.TargetFilename)

	if checksum.HexString(cf.Header.TargetSHA1[:]) == info.SHA1 {
		// Already up to date: nothing to seed or download.
		c.setState(StateFinished)
		result := &UpdateResult{LocalPath: appImagePath, OutputPath: appImagePath, SHA1: info.SHA1}
		c.recordHistory(historyKey(appImagePath), info.SHA1, info.SHA1, startedAt, history.OutcomeFinished, 0, "")
		c.emitter.Emit(events.Event{Type: events.Finished, Action: errs.ActionUpdate, Result: result})
		return result, nil
	}

	// A partial target file left behind by a terminal error or a
	// cancellation is removed; only a Finished session keeps it.
	removeOutputOnExit := true
	defer func() {
		if removeOutputOnExit {
			os.Remove(outputPath)
		}
	}()

	resolvedTargetURL, acceptsRanges, _, perr := c.fetcher.Preflight(ctx, targetURL(cf, resolvedURL))
	if perr != nil {
		e := asTypedError(errs.ActionUpdate, perr)
		c.fail(errs.ActionUpdate, e)
		return nil, e
	}

	rate := newRateEstimator()
	var bytesSeeded, bytesDownloaded int64
	usedFallback := false

	if !acceptsRanges {
		usedFallback = true
		c.setState(StateDownloading)
		if derr := c.fetcher.FetchAll(ctx, resolvedTargetURL, outputPath, func(n int64) {
			bytesDownloaded += n
			c.emitProgress(errs.ActionUpdate, bytesDownloaded, cf.Header.TargetLength, rate.sample(n))
		}); derr != nil {
			e := asTypedError(errs.ActionUpdate, derr)
			c.fail(errs.ActionUpdate, e)
			return nil, e
		}
	} else {
		store, serr := target.Open(outputPath, cf.Header.TargetLength, int64(cf.Header.BlockSize), cf.Header.BlockCount())
		if serr != nil {
			e := errs.New(errs.KindCannotOpen, errs.ActionUpdate, serr)
			c.fail(errs.ActionUpdate, e)
			return nil, e
		}
		defer store.Close()

		idx := blockindex.Build(cf.Blocks, cf.Header.SeqMatches, cf.Header.WeakChecksumBytes)

		c.setState(StateSeeding)
		if serr := c.seed(ctx, appImagePath, idx, store, int64(cf.Header.BlockSize)); serr != nil {
			e := asTypedError(errs.ActionUpdate, serr)
			c.fail(errs.ActionUpdate, e)
			return nil, e
		}
		bytesSeeded = store.BytesPresent()

		c.setState(StateDownloading)
		if derr := c.fetcher.DownloadRanges(ctx, resolvedTargetURL, store, c.cfg.Parallelism(rangefetch.DefaultParallelism()), func(n int64) {
			bytesDownloaded += n
			c.emitProgress(errs.ActionUpdate, bytesSeeded+bytesDownloaded, cf.Header.TargetLength, rate.sample(n))
		}); derr != nil {
			e := asTypedError(errs.ActionUpdate, derr)
			c.fail(errs.ActionUpdate, e)
			return nil, e
		}
	}

	c.setState(StateVerifying)
	sha1, verr := c.verify(outputPath, cf.Header.TargetSHA1)
	if verr != nil {
		c.recordHistory(historyKey(appImagePath), info.SHA1, "", startedAt, history.OutcomeFailed, bytesDownloaded, verr.Error())
		c.fail(errs.ActionUpdate, verr)
		return nil, verr
	}

	c.setState(StateFinished)
	removeOutputOnExit = false
	result := &UpdateResult{
		LocalPath:       appImagePath,
		OutputPath:      outputPath,
		SHA1:            sha1,
		BytesSeeded:     bytesSeeded,
		BytesDownloaded: bytesDownloaded,
		UsedFallback:    usedFallback,
	}
	c.recordHistory(historyKey(appImagePath), info.SHA1, sha1, startedAt, history.OutcomeFinished, bytesDownloaded, "")
	c.emitter.Emit(events.Event{Type: events.Finished, Action: errs.ActionUpdate, Result: result})
	return result, nil
}

func (c *Coordinator) fetchControlFile(ctx context.Context, appImagePath string, action errs.Action) (*bundleinfo.Info, *controlfile.ControlFile, string, *errs.Error) {
	info, ierr := bundleinfo.Read(appImagePath)
	if ierr != nil {
		return nil, nil, "", toTypedErr(ierr, action)
	}
	cf, controlURL, _, err := c.fetchControlFileFor(ctx, info, action)
	if err != nil {
		return nil, nil, "", err
	}
	return info, cf, controlURL, nil
}

func (c *Coordinator) fetchControlFileFor(ctx context.Context, info *bundleinfo.Info, action errs.Action) (*controlfile.ControlFile, string, string, *errs.Error) {
	desc, perr := descriptor.Parse(info.UpdateInfo)
	if perr != nil {
		return nil, "", "", toTypedErr(perr, action)
	}

	res, rerr := c.resolver.Resolve(ctx, desc)
	if rerr != nil {
		return nil, "", "", toTypedErr(rerr, action)
	}

	raw, ferr := c.fetcher.FetchBytes(ctx, res.ControlFileURL)
	if ferr != nil {
		return nil, "", "", toTypedErr(ferr, action)
	}

	cf, cerr := controlfile.Parse(bytes.NewReader(raw))
	if cerr != nil {
		kind := errs.KindMalformedControlFile
		if !controlfile.IsMalformed(cerr) {
			kind = errs.KindCannotOpen
		}
		return nil, "", "", errs.New(kind, action, cerr)
	}

	return cf, res.ControlFileURL, res.ReleaseNotes, nil
}

// targetURL returns the URL of the new file itself. The control header's
// URL value may be relative, in which case it resolves against the
// control file's URL as the descriptor resolver returned it; redirects
// followed while fetching the control file are not taken into account.
func targetURL(cf *controlfile.ControlFile, controlURL string) string {
	u := cf.Header.TargetURL
	if strings.Contains(u, "://") {
		return u
	}
	if i := strings.LastIndex(controlURL, "/"); i >= 0 {
		return controlURL[:i+1] + strings.TrimLeft(u, "/")
	}
	return u
}

// historyKey identifies a target for session-history lookups by the local
// AppImage's filename: the stable identity from the caller's perspective,
// as opposed to cf.Header.TargetFilename which names whatever the upstream
// release happens to call the next asset and can change release to
// release.
func historyKey(appImagePath string) string {
	return filepath.Base(appImagePath)
}

func (c *Coordinator) seed(ctx context.Context, appImagePath string, idx *blockindex.Index, store *target.Store, blockSize int64) error {
	local, err := os.Open(appImagePath)
	if err != nil {
		return fmt.Errorf("coordinator: opening local bundle for seeding: %w", err)
	}
	defer local.Close()

	fi, err := local.Stat()
	if err != nil {
		return fmt.Errorf("coordinator: stat local bundle: %w", err)
	}

	progressCh := make(chan seedscan.Progress, 1)
	done := make(chan seedscan.Result, 1)
	go func() {
		done <- seedscan.Scan(ctx, local, fi.Size(), idx, store, blockSize, progressCh, c.logger)
	}()

	for {
		select {
		case p := <-progressCh:
			c.emitProgress(errs.ActionUpdate, int64(p.BlocksFound)*blockSize, store.Length(), 0)
		case res := <-done:
			if res.Err != nil {
				if ctx.Err() != nil {
					return res.Err
				}
				// A local I/O error ends the scan but not the update: the
				// blocks it did not reach are downloaded instead.
				c.logger.Warn().Err(res.Err).Msg("seed scan stopped early; downloading the remaining blocks")
			}
			return nil
		}
	}
}

func (c *Coordinator) verify(outputPath string, want [20]byte) (string, *errs.Error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return "", errs.New(errs.KindCannotOpen, errs.ActionUpdate, err)
	}
	defer f.Close()

	sum, err := checksum.WholeFile(f)
	if err != nil {
		return "", errs.New(errs.KindCannotOpen, errs.ActionUpdate, err)
	}
	if sum != want {
		return "", errs.New(errs.KindVerificationFailed, errs.ActionUpdate, fmt.Errorf("whole-file SHA-1 mismatch: got %s, want %s", checksum.HexString(sum[:]), checksum.HexString(want[:])))
	}
	return checksum.HexString(sum[:]), nil
}

func (c *Coordinator) emitProgress(action errs.Action, done, total int64, rateBytesSec float64) {
	percent := 0
	if total > 0 {
		percent = int(done * 100 / total)
	}
	c.emitter.Emit(events.Event{Type: events.Progress, Action: action, Percent: percent, BytesDone: done, BytesTotal: total, RateBytesSec: rateBytesSec})
}

// rateEstimator computes an exponentially weighted moving average of
// the byte rate over 1-second windows: samples accumulate until a full
// second has elapsed, at which point the window's instantaneous rate
// folds into the running estimate.
type rateEstimator struct {
	windowStart time.Time
	windowBytes int64
	ewma        float64
	started     bool
}

const rateEWMAAlpha = 0.3

func newRateEstimator() *rateEstimator {
	return &rateEstimator{windowStart: time.Now()}
}

// sample records n newly-processed bytes and returns the current rate
// estimate in bytes/second.
func (r *rateEstimator) sample(n int64) float64 {
	r.windowBytes += n
	elapsed := time.Since(r.windowStart)
	if elapsed >= time.Second {
		instant := float64(r.windowBytes) / elapsed.Seconds()
		if !r.started {
			r.ewma = instant
			r.started = true
		} else {
			r.ewma = rateEWMAAlpha*instant + (1-rateEWMAAlpha)*r.ewma
		}
		r.windowBytes = 0
		r.windowStart = time.Now()
	}
	return r.ewma
}

func (c *Coordinator) fail(action errs.Action, err *errs.Error) {
	if err.Kind == errs.KindCanceled {
		c.setState(StateCanceled)
		c.emitter.Emit(events.Event{Type: events.Canceled, Action: action})
		return
	}
	c.setState(StateFailed)
	c.emitError(err)
}

func (c *Coordinator) emitError(err *errs.Error) {
	c.emitter.Emit(events.Event{Type: events.Error, Action: err.Action, Err: err})
}

func (c *Coordinator) recordHistory(targetFilename, oldSHA1, newSHA1 string, startedAt time.Time, outcome history.Outcome, bytesDownloaded int64, errMsg string) {
	if c.hist == nil {
		return
	}
	err := c.hist.Record(history.Record{
		TargetFilename:  targetFilename,
		OldSHA1:         oldSHA1,
		NewSHA1:         newSHA1,
		StartedAt:       startedAt,
		FinishedAt:      time.Now(),
		Outcome:         outcome,
		BytesDownloaded: bytesDownloaded,
		ErrorMessage:    errMsg,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("recording session history failed")
	}
}

// toTypedErr binds err to action, rebinding unconditionally even when err
// is already an *errs.Error: a collaborator like bundleinfo or descriptor
// has no idea which of the three inbound operations it is being called
// for, so whatever Action it stamped on its own error is only a default
// the caller must override.
func toTypedErr(err error, action errs.Action) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		e.Action = action
		return e
	}
	return errs.New(errs.KindCannotOpen, action, err)
}

// asTypedError binds err to action the same way toTypedErr does, and
// additionally recognizes a canceled context wrapped at any depth
// (errors.Is, not direct equality: ctx cancellation surfaces wrapped
// inside *url.Error/fmt.Errorf chains from the HTTP stack), so a
// cancellation observed mid-download is routed to Canceled, never Failed.
func asTypedError(action errs.Action, err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		e.Action = action
		return e
	}
	if errors.Is(err, context.Canceled) {
		return errs.Canceled(action)
	}
	return errs.New(errs.KindNetworkError, action, err)
}
