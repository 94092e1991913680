package services

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// Watcher reloads the definitions file into a Store when it changes on disk.
// Events are debounced because editors typically emit several writes per save.
type Watcher struct {
	path      string
	store     *Store
	logger    logging.Logger
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewWatcher starts watching the definitions file's directory. Watching the
// directory rather than the file survives rename-based atomic saves.
func NewWatcher(path string, store *Store, logger logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Noop{}
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create definitions watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:      path,
		store:     store,
		logger:    logger,
		watcher:   fsWatcher,
		debounce:  config.DefinitionsReloadDebounce,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	go w.eventLoop()
	return w, nil
}

func (w *Watcher) eventLoop() {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRelevantEvent(event) {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
				debounceCh = debounceTimer.C
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceCh:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}

		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(fmt.Sprintf("definitions watcher error: %v", err), "Definitions")
		}
	}
}

func (w *Watcher) reload() {
	defs, err := Load(w.path)
	if err != nil {
		// Keep serving the previous set; a broken edit must not break the feed.
		w.logger.Warn(fmt.Sprintf("definitions reload failed, keeping previous set: %v", err), "Definitions")
		return
	}
	w.store.Replace(defs)
	w.logger.Info(fmt.Sprintf("reloaded %d service definitions from %s", len(defs), w.path), "Definitions")
}

func isRelevantEvent(event fsnotify.Event) bool {
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.stoppedCh
	return err
}
