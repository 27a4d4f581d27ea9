// internal/watcher/watcher.go

// Package watcher reports external changes to the sessions directory so
// the catalogue can stay in sync with files other processes create,
// rewrite or remove.
package watcher

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"agcx/internal/storage"
)

// Op classifies what happened to a session file.
type Op uint8

const (
	// OpCreate means a session file appeared.
	OpCreate Op = iota
	// OpModify means a session file was rewritten or appended to.
	OpModify
	// OpDelete means a session file is gone, removed or renamed away.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Change is one debounced session-file event.
type Change struct {
	SessionID uuid.UUID
	Path      string
	Op        Op
}

// Watcher watches one sessions directory. Rapid event bursts for the
// same file collapse into a single callback after a quiet period; the
// last operation of the burst wins.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func(Change)

	fsw     *fsnotify.Watcher
	done    chan struct{}
	started bool
	closed  bool
	mu      sync.Mutex

	timers  map[string]*time.Timer
	timerMu sync.Mutex
}

// New builds a watcher for dir. Events reach onChange only after Start.
func New(dir string, debounce time.Duration, onChange func(Change)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start launches the event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true
	go w.loop()
	return nil
}

// Close stops the event loop and cancels pending debounce timers. It is
// safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.started {
		close(w.done)
	}

	w.timerMu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.timerMu.Unlock()

	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] %s: %v", w.dir, err)
		case <-w.done:
			return
		}
	}
}

// handleEvent filters the raw event down to session files and debounces
// it. Temp files from atomic writes and foreign names never reach the
// callback.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	id, ok := sessionID(event.Name)
	if !ok {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = OpCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = OpModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		op = OpDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// The watched name is gone; where it went is someone else's file.
		op = OpDelete
	default:
		return
	}

	w.schedule(Change{SessionID: id, Path: event.Name, Op: op})
}

// sessionID extracts the session id from a watched path. Only
// "<uuid>.agcx" names qualify.
func sessionID(path string) (uuid.UUID, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, storage.FileExt) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSuffix(name, storage.FileExt))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// schedule arms the per-path debounce timer, replacing any pending one
// so the latest operation is what fires.
func (w *Watcher) schedule(ch Change) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if timer, exists := w.timers[ch.Path]; exists {
		timer.Stop()
	}
	w.timers[ch.Path] = time.AfterFunc(w.debounce, func() {
		w.timerMu.Lock()
		delete(w.timers, ch.Path)
		w.timerMu.Unlock()
		w.onChange(ch)
	})
}
