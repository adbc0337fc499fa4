// Package watcher strips execute bits from freshly written save files. The
// game server copies submissions around with whatever mode the uploader set;
// anything executable under the save tree is a liability, so every new or
// rewritten pretender file gets chmod a-x shortly after it lands.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// debounce coalesces the burst of writes the server makes while a file
	// is still being assembled.
	debounce = 500 * time.Millisecond

	// applyQueueSize bounds the observed-to-applied handoff. Overflow drops
	// the change with a log line; the next write re-queues it.
	applyQueueSize = 256

	watchedExt = ".2h"
)

// Watcher observes a save-file tree and applies permission fixes off the
// event-delivery goroutine.
type Watcher struct {
	root  string
	fsw   *fsnotify.Watcher
	clock clockwork.Clock

	// applyCh is never closed: a debounce callback that already fired can
	// race teardown, so the apply goroutine exits on done instead.
	applyCh chan string
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]clockwork.Timer
}

// New creates a watcher rooted at dir. Existing subdirectories are watched
// immediately; directories created later are picked up from their create
// events.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    dir,
		fsw:     fsw,
		clock:   clockwork.NewRealClock(),
		applyCh: make(chan string, applyQueueSize),
		done:    make(chan struct{}),
		pending: make(map[string]clockwork.Timer),
	}
	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Run blocks, delivering events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info().Str("root", w.root).Msg("save-file watcher started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.applyLoop()
	}()

	defer func() {
		w.stopPending()
		close(w.done)
		wg.Wait()
		w.fsw.Close()
		log.Info().Str("root", w.root).Msg("save-file watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watch error")
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				log.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	if !strings.EqualFold(filepath.Ext(ev.Name), watchedExt) {
		return
	}
	w.schedule(ev.Name)
}

// schedule arms (or re-arms) the debounce timer for a path. The timer
// callback only hands the path over to the apply queue; the chmod itself
// runs on the apply goroutine.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(debounce)
		return
	}
	w.pending[path] = w.clock.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.applyCh <- path:
		case <-w.done:
		default:
			log.Warn().Str("path", path).Msg("permission queue full, dropping change")
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) applyLoop() {
	var applied int
	for {
		select {
		case <-w.done:
			return
		case path := <-w.applyCh:
			if err := stripExec(path); err != nil {
				if !os.IsNotExist(err) {
					log.Warn().Err(err).Str("path", path).Msg("failed to strip execute bits")
				}
				continue
			}
			applied++
			log.Debug().Str("path", path).Int("applied", applied).Msg("execute bits stripped")
		}
	}
}

func stripExec(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode()
	if mode&0o111 == 0 {
		return nil
	}
	return os.Chmod(path, mode&^0o111)
}
