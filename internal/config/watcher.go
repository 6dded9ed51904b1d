package config

import (
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// WatcherConfig holds config watcher configuration.
type WatcherConfig struct {
	FilePath     string
	PollInterval time.Duration // Default: 1s
	Debounce     time.Duration // Default: 200ms
	Logger       logging.Logger
	OnChange     func(oldCfg, newCfg *Config)
}

// Watcher polls a config file and reports validated changes. A change is
// detected by a digest of the file content, so rewriting identical bytes
// is not reported.
//
// The callback should only apply settings that are safe at runtime; group
// membership changes go through joint consensus.
type Watcher struct {
	opts   WatcherConfig
	logger logging.Logger

	mu      sync.Mutex
	digest  uint64
	current *Config
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher loads the file once and returns a watcher for it.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	if cfg.FilePath == "" {
		return nil, ErrMissingConfigFile
	}
	if cfg.OnChange == nil {
		return nil, ErrMissingOnChange
	}
	opts := *cfg
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	data, err := readConfigFile(opts.FilePath)
	if err != nil {
		return nil, err
	}
	initial, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		logger:  logger.WithFields("file", opts.FilePath),
		digest:  xxhash.Sum64(data),
		current: initial,
	}, nil
}

// Start begins polling. Calling it on a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)
}

// Stop stops polling and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	// pending is non-nil while a detected change waits out the debounce.
	var pending <-chan time.Time
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pending == nil && w.changed() {
				pending = time.After(w.opts.Debounce)
			}
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

// changed reports whether the file content differs from the last loaded
// version. Unreadable files count as unchanged.
func (w *Watcher) changed() bool {
	data, err := os.ReadFile(w.opts.FilePath)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return xxhash.Sum64(data) != w.digest
}

func (w *Watcher) reload() {
	data, err := readConfigFile(w.opts.FilePath)
	if err != nil {
		w.logger.Warn("config reload failed", "error", err)
		return
	}
	digest := xxhash.Sum64(data)

	next, err := ParseConfig(data)
	if err == nil {
		if errs := ValidateConfig(next); len(errs) > 0 {
			w.logger.Warn("reloaded config is invalid", "errors", len(errs), "first", errs[0])
			err = errs[0]
		}
	} else {
		w.logger.Warn("config reload failed", "error", err)
	}

	w.mu.Lock()
	// A broken file is not retried until it changes again.
	w.digest = digest
	prev := w.current
	if err == nil {
		w.current = next
	}
	w.mu.Unlock()

	if err == nil {
		w.opts.OnChange(prev, next)
	}
}
