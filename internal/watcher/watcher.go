// Package watcher monitors a photon source file for edits and triggers a
// reload callback once the file content has settled. It uses polling (not
// fsnotify) to keep dependencies minimal; editors that write through temp
// files and renames are covered because detection is content-based.
package watcher

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 100 * time.Millisecond

// DefaultDebounce is how long the content must stay stable before the
// callback fires. A burst of saves collapses into one reload.
const DefaultDebounce = 300 * time.Millisecond

// Watcher polls one source file and invokes onChange after its content
// changes and settles.
type Watcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	onChange func(path string)

	done     chan struct{}
	stopOnce sync.Once

	// polling state, touched only by the poll goroutine after start
	lastMtime time.Time
	committed [sha256.Size]byte
	candidate [sha256.Size]byte
	pending   bool
	settledAt time.Time
}

// Option configures a [Watcher].
type Option func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets the settle window before a change fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for the source at path. It hashes the file once up
// front so that only edits made after start trigger the callback, then polls
// in a background goroutine until Stop.
func New(path string, onChange func(path string), opts ...Option) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultInterval,
		debounce: DefaultDebounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: initial read: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: initial stat: %w", err)
	}
	w.committed = sha256.Sum256(data)
	w.lastMtime = info.ModTime()

	go w.poll()
	return w, nil
}

// Stop halts polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		// The file may be mid-rename; keep any pending change armed.
		slog.Debug("watcher: cannot stat source", "path", w.path, "err", err)
		return
	}

	// Quick mtime check first to avoid hashing unchanged files. A pending
	// change still needs hashing so the settle window can elapse.
	if info.ModTime().Equal(w.lastMtime) && !w.pending {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("watcher: cannot read source", "path", w.path, "err", err)
		return
	}
	w.lastMtime = info.ModTime()

	hash := sha256.Sum256(data)
	if hash == w.committed {
		// Touched, or edited and reverted before the debounce elapsed.
		w.pending = false
		return
	}

	if !w.pending || hash != w.candidate {
		// New content; restart the settle window.
		w.pending = true
		w.candidate = hash
		w.settledAt = time.Now()
		return
	}

	if time.Since(w.settledAt) < w.debounce {
		return
	}

	w.committed = hash
	w.pending = false
	slog.Info("watcher: source changed", "path", w.path)
	if w.onChange != nil {
		w.onChange(w.path)
	}
}
