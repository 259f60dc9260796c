// Package outputwatch watches the output directory for the moment a
// freshly reconstructed target lands, so a daemon can notice the
// rename-into-place without polling the filesystem itself. A single
// non-recursive directory watch filtered to one filename is enough,
// since an update produces one output file (written in place, or
// renamed onto its name by the full-download fallback); a short debounce
// absorbs the burst of write events before the file settles.
package outputwatch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Event reports that targetName was (re)written in the watched
// directory, once the debounce window has elapsed with no further
// writes.
type Event struct {
	Path      string
	Timestamp time.Time
}

// Watcher watches one directory for writes/renames landing on one
// filename.
type Watcher struct {
	fsw          *fsnotify.Watcher
	dir          string
	targetPath   string
	events       chan Event
	errors       chan error
	logger       zerolog.Logger
	debounceTime time.Duration

	pending   *time.Timer
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Watcher for targetName inside dir. dir must already
// exist.
func New(dir, targetName string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsw:          fsw,
		dir:          dir,
		targetPath:   filepath.Join(dir, targetName),
		events:       make(chan Event, 8),
		errors:       make(chan error, 4),
		logger:       logger.With().Str("component", "outputwatch").Logger(),
		debounceTime: 300 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop stops watching and closes the Events/Errors channels.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsw.Close()
}

// Events reports debounced landings of the watched file.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors reports fsnotify-level errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.pendingMu.Lock()
			if w.pending != nil {
				w.pending.Stop()
			}
			w.pendingMu.Unlock()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.targetPath {
				continue
			}
			if !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			w.debounce()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn().Err(err).Msg("error channel full, dropping")
			}
		}
	}
}

func (w *Watcher) debounce() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceTime, func() {
		select {
		case w.events <- Event{Path: w.targetPath, Timestamp: time.Now()}:
		default:
			w.logger.Warn().Msg("event channel full, dropping")
		}
	})
}
