package dev

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ChangeKind classifies a file change by how the browser should react.
type ChangeKind int

const (
	// KindStylesheet changes apply in place without losing page state.
	KindStylesheet ChangeKind = iota

	// KindReload changes require a full page reload.
	KindReload
)

func (k ChangeKind) String() string {
	switch k {
	case KindStylesheet:
		return "stylesheet"
	case KindReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Change is a detected file change.
type Change struct {
	Path string
	Kind ChangeKind
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Paths are the directories to watch.
	Paths []string

	// Ignore patterns to skip. Bare names match any path segment,
	// globs match the base name.
	Ignore []string

	// Debounce is the poll interval.
	Debounce time.Duration
}

// DefaultIgnore contains patterns every project wants skipped.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	"dist",
	"tmp",
	"*.tmp",
	"*.swp",
	"*~",
}

// Watcher polls directories for modified, created, and deleted files.
// Polling keeps the watcher portable; the debounce interval bounds the
// scan rate.
type Watcher struct {
	config   WatcherConfig
	onChange func(Change)

	mu          sync.Mutex
	running     bool
	initialized bool
	stopCh      chan struct{}
	timestamps  map[string]time.Time
}

// NewWatcher creates a watcher for the configured paths.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Debounce == 0 {
		config.Debounce = 100 * time.Millisecond
	}
	config.Ignore = append(append([]string{}, DefaultIgnore...), config.Ignore...)

	return &Watcher{
		config:     config,
		timestamps: make(map[string]time.Time),
	}
}

// OnChange sets the callback invoked for each reported change.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start scans the watched paths until the context is cancelled or Stop
// is called. It blocks; run it on its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	w.scanInitial()

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// scanInitial records the current modification times so that existing
// files are not reported as changes on the first tick.
func (w *Watcher) scanInitial() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, root := range w.config.Paths {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if w.shouldIgnore(p) {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.shouldIgnore(p) {
				w.timestamps[p] = info.ModTime()
			}
			return nil
		})
	}
	w.initialized = true
}

// checkForChanges walks the watched paths and reports modified, new,
// and deleted files. Per tick, at most one change of each kind is
// reported; a burst of saves collapses into one notification.
func (w *Watcher) checkForChanges() {
	w.mu.Lock()
	callback := w.onChange
	initialized := w.initialized
	w.mu.Unlock()

	if callback == nil {
		return
	}

	var changes []Change

	for _, root := range w.config.Paths {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if w.shouldIgnore(p) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.shouldIgnore(p) {
				return nil
			}

			w.mu.Lock()
			lastMod, seen := w.timestamps[p]
			modTime := info.ModTime()
			if !seen || modTime.After(lastMod) {
				w.timestamps[p] = modTime
			}
			w.mu.Unlock()

			if (!seen && initialized) || (seen && modTime.After(lastMod)) {
				changes = append(changes, Change{Path: p, Kind: classify(p)})
			}
			return nil
		})
	}

	// Deleted files.
	w.mu.Lock()
	for p := range w.timestamps {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			delete(w.timestamps, p)
			changes = append(changes, Change{Path: p, Kind: classify(p)})
		}
	}
	w.mu.Unlock()

	reported := make(map[ChangeKind]bool)
	for _, change := range changes {
		if !reported[change.Kind] {
			reported[change.Kind] = true
			callback(change)
		}
	}
}

// shouldIgnore checks a path against the ignore patterns.
func (w *Watcher) shouldIgnore(fullPath string) bool {
	name := filepath.Base(fullPath)
	normalized := filepath.ToSlash(fullPath)

	for _, pattern := range w.config.Ignore {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if name == pattern {
			return true
		}
		if strings.ContainsAny(pattern, "*?[") {
			if matched, _ := path.Match(pattern, name); matched {
				return true
			}
			continue
		}
		if hasSegment(normalized, pattern) {
			return true
		}
	}
	return false
}

func hasSegment(p, segment string) bool {
	for _, part := range strings.Split(p, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

// classify maps a file to the browser reaction it needs. Stylesheets
// swap in place; everything else reloads the page.
func classify(p string) ChangeKind {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".css", ".scss", ".sass", ".less":
		return KindStylesheet
	default:
		return KindReload
	}
}
