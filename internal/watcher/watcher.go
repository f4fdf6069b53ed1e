// Package watcher implements the Directory Watcher and Poller (spec.md
// §4.5 / C5): two independent sources of newPath events feeding the
// same Indexer Queue.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultPollInterval is the Poller's full-tree sweep period.
const DefaultPollInterval = 10 * time.Minute

// suppressionWindow bounds how long a prepareAssemble entry silences the
// watcher for a given path — see DESIGN.md's decision for spec.md's
// open question on this interaction.
const suppressionWindow = 2 * time.Second

// Sink receives newPath(path) events, relative to the watched root.
type Sink interface {
	Enqueue(relPath string)
}

// Watcher emits fsnotify-backed change events for one folder root.
type Watcher struct {
	root string
	sink Sink
	fsw  *fsnotify.Watcher

	mu          sync.Mutex
	suppressed  map[string]time.Time

	done chan struct{}
}

// New starts watching root recursively, forwarding events to sink.
func New(root string, sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watcher: new")
	}
	w := &Watcher{
		root:       root,
		sink:       sink,
		fsw:        fsw,
		suppressed: make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: a vanished subdir isn't fatal
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return errors.Wrapf(err, "watcher: add %s", path)
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case <-w.fsw.Errors:
			// Transport-level errors from the OS primitive are not
			// actionable here; the Poller is the safety net.
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}
	if w.isSuppressed(rel) {
		return
	}
	w.sink.Enqueue(rel)
}

// PrepareAssemble suppresses the next self-triggered watcher event for
// relPath for a short window, so writing assembled content to disk
// doesn't cause a redundant re-index. withRemoval additionally covers
// the delete+recreate pattern some assemblers use when replacing a file
// atomically; both cases share the same suppression window because the
// Poller's next sweep and revision ordering already make a stray
// re-index harmless (see DESIGN.md's open-question decision).
func (w *Watcher) PrepareAssemble(relPath string, withRemoval bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressed[relPath] = time.Now().Add(suppressionWindow)
}

func (w *Watcher) isSuppressed(relPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := w.suppressed[relPath]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(w.suppressed, relPath)
		return false
	}
	return true
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// Poller performs periodic full-tree scans as a safety net against
// missed or coalesced OS change notifications.
type Poller struct {
	root     string
	sink     Sink
	interval time.Duration
	ignore   func(relPath string) bool

	ticker *time.Ticker
	done   chan struct{}
}

// NewPoller starts a Poller over root at interval (DefaultPollInterval
// if zero).
func NewPoller(root string, sink Sink, interval time.Duration, ignore func(string) bool) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{
		root:     root,
		sink:     sink,
		interval: interval,
		ignore:   ignore,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Poller) loop() {
	for {
		select {
		case <-p.ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

func (p *Poller) sweep() {
	_ = filepath.WalkDir(p.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return nil
		}
		if p.ignore != nil && p.ignore(rel) {
			return nil
		}
		p.sink.Enqueue(rel)
		return nil
	})
}

// Close stops the Poller.
func (p *Poller) Close() {
	p.ticker.Stop()
	close(p.done)
}
