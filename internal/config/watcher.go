package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk. Only the
// log level applies to the running process; sizing and threshold
// changes are announced but deferred, because the session ceiling is
// fixed once computed.
type Watcher struct {
	path     string
	debug    bool
	onReload func(*Config)

	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	current *Config
	done    chan struct{}
	stop    chan struct{}
}

// NewWatcher creates a watcher over the config file. onReload, if set,
// receives each accepted configuration; it runs on the watcher
// goroutine.
func NewWatcher(path string, current *Config, debug bool, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	return &Watcher{
		path:     path,
		debug:    debug,
		onReload: onReload,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		current:  current,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than
// the file: editors replace config files by rename, which detaches a
// file-level watch.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.run()
	log.Debug("config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
	<-w.done
}

// Current returns the last accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors produce bursts of events per save; collapse
			// them into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path, w.debug)
	if err != nil {
		log.Warn("config reload rejected, keeping previous", "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	w.applyLive(next)
	warnDeferred(prev, next)

	if w.onReload != nil {
		w.onReload(next)
	}
	log.Info("config reloaded", "path", w.path)
}

// applyLive applies the changes that are safe mid-session.
func (w *Watcher) applyLive(next *Config) {
	if lvl, err := log.ParseLevel(next.Log.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warn("unknown log level in config", "level", next.Log.Level)
	}
}

// warnDeferred names changed sections that only take effect on the
// next session.
func warnDeferred(prev, next *Config) {
	if prev == nil {
		return
	}
	deferred := map[string][2]any{
		"pool":        {prev.Pool, next.Pool},
		"model":       {prev.Model, next.Model},
		"thresholds":  {prev.Thresholds, next.Thresholds},
		"guard":       {prev.Guard, next.Guard},
		"backend":     {prev.Backend, next.Backend},
		"compression": {prev.Compression, next.Compression},
		"checkpoints": {prev.Checkpoints, next.Checkpoints},
		"snapshots":   {prev.Snapshots, next.Snapshots},
		"monitor":     {prev.Monitor, next.Monitor},
		"api":         {prev.API, next.API},
	}
	for section, pair := range deferred {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			log.Warn("config change takes effect on next session",
				"section", section)
		}
	}
}
