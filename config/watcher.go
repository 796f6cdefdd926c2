package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Change reports one reload of the configuration envelope.
type Change struct {
	Path      string
	Old       *Envelope
	New       *Envelope
	Timestamp time.Time
	Err       error
}

// ChangeFunc handles a Change.
type ChangeFunc func(Change)

// Watcher polls a set of envelope file paths for modification-time changes
// and reloads on change. Polling keeps the package free of a filesystem
// notification dependency for a single call site.
type Watcher struct {
	log   *zap.Logger
	paths []string

	mu          sync.RWMutex
	current     *Envelope
	subscribers []ChangeFunc
	modTimes    map[string]time.Time

	stop    chan struct{}
	running bool
}

// NewWatcher constructs a Watcher over paths, loading the initial envelope
// immediately (falling back to DefaultEnvelope if none of the paths exist).
func NewWatcher(log *zap.Logger, paths ...string) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{
		log:      log,
		paths:    paths,
		modTimes: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	w.current = w.loadFromAnyPath()
	return w
}

// Start begins the polling loop. It is an error to call Start twice without
// an intervening Stop.
func (w *Watcher) Start(pollInterval time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("config: watcher already running")
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	for _, p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.modTimes[p] = info.ModTime()
		}
	}
	w.running = true
	w.stop = make(chan struct{})
	go w.run(pollInterval)
	return nil
}

// Stop ends the polling loop. Safe to call even if Start was never called.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stop)
	w.running = false
}

// Subscribe registers fn to be called (from a dedicated, panic-contained
// goroutine per change) whenever the envelope reloads.
func (w *Watcher) Subscribe(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Current returns the most recently loaded envelope.
func (w *Watcher) Current() *Envelope {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkForChanges()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) checkForChanges() {
	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		w.mu.RLock()
		prev, seen := w.modTimes[p]
		w.mu.RUnlock()
		if seen && !info.ModTime().After(prev) {
			continue
		}
		w.mu.Lock()
		w.modTimes[p] = info.ModTime()
		w.mu.Unlock()
		w.reload(p)
	}
}

func (w *Watcher) reload(path string) {
	w.mu.Lock()
	old := w.current
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	var next *Envelope
	if err == nil {
		next = &Envelope{}
		// Delegate to Load's YAML unmarshal semantics via a throwaway
		// envelope rather than duplicating the parse here.
		if perr := yamlUnmarshalEnvelope(data, next); perr != nil {
			err = perr
		}
	}

	if err == nil && next != nil {
		w.mu.Lock()
		w.current = next
		w.mu.Unlock()
		w.log.Info("config: reloaded envelope", zap.String("path", path))
	} else {
		w.log.Warn("config: failed to reload envelope", zap.String("path", path), zap.Error(err))
	}

	change := Change{Path: path, Old: old, New: next, Timestamp: time.Now(), Err: err}
	w.mu.RLock()
	subs := make([]ChangeFunc, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.RUnlock()
	for _, fn := range subs {
		go func(fn ChangeFunc) {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("config: panic in change subscriber", zap.Any("recover", r))
				}
			}()
			fn(change)
		}(fn)
	}
}

func (w *Watcher) loadFromAnyPath() *Envelope {
	for _, p := range w.paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		env := &Envelope{}
		if err := yamlUnmarshalEnvelope(data, env); err == nil {
			return env
		}
	}
	return DefaultEnvelope()
}
