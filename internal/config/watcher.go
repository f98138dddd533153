package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the config file. modTime and size
// decide whether the file is read at all; sum decides whether it changed.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

func (s fileState) sameStat(info os.FileInfo) bool {
	return s.modTime.Equal(info.ModTime()) && s.size == info.Size()
}

// Watcher keeps the parsed config file current. It polls the file and calls
// onChange with the previous and the new config whenever an edit produces a
// valid config. Invalid edits are logged and the previous config stays in
// effect.
//
// Reloads are serialised, so onChange never runs concurrently with itself.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	reloadMu sync.Mutex // held for a whole reload, callback included

	mu      sync.Mutex
	current *Config
	state   fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger for reload events. Default: [slog.Default].
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in the background. A file
// that cannot be loaded now is an error; later failures only log.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, whatever its modification time says. It
// reports whether a changed config was applied. An invalid file is returned
// as error and leaves the current config untouched.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	var info os.FileInfo
	if !force {
		var err error
		if info, err = os.Stat(w.path); err != nil {
			return false, err
		}
		w.mu.Lock()
		unchanged := w.state.sameStat(info)
		w.mu.Unlock()
		if unchanged {
			return false, nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		if info != nil {
			// report a broken edit once, not on every tick
			w.mu.Lock()
			w.state.modTime, w.state.size = info.ModTime(), info.Size()
			w.mu.Unlock()
		}
		return false, err
	}

	w.mu.Lock()
	old := w.current
	same := st.sum == w.state.sum
	w.state = st
	if !same {
		w.current = cfg
	}
	w.mu.Unlock()

	if same {
		return false, nil
	}
	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read parses and validates the file and returns it with its state.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(buf.Bytes())}, nil
}
