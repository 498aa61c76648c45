package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/drblury/speakflow/internal/runtime/errors"
	"github.com/drblury/speakflow/internal/runtime/logging"
)

// Source supplies the currently configured channel. A plain *Config is a
// static source; a *Watcher is an observable one.
type Source interface {
	GetChannel() string
}

// Watcher loads a Config from a YAML file and republishes it whenever the
// file changes on disk. Invalid or unchanged writes are skipped: subscribers
// only ever see validated configs that differ from the previous one.
type Watcher struct {
	path   string
	logger logging.ServiceLogger

	mu  sync.RWMutex
	cfg *Config

	subsMu sync.Mutex
	subs   []chan *Config

	// lastHash tracks the last committed file content. Editors tend to
	// produce several write events per save; the hash avoids republishing
	// identical configs.
	lastHash uint64

	runMu   sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the YAML config file at path. Call Load
// before Watch to pick up the initial content.
func NewWatcher(path string, logger logging.ServiceLogger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{path: path, logger: logger}
}

// Parse reads and decodes the file without committing it.
func (w *Watcher) Parse() (*Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	return parseBytes(data)
}

// Load parses the file and commits the result as the current config.
func (w *Watcher) Load() (*Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	cfg, err := parseBytes(data)
	if err != nil {
		return nil, err
	}
	w.commit(cfg, hashBytes(data))
	return cfg, nil
}

func parseBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the last committed config, or nil before the first Load.
func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// GetChannel implements Source with the most recently committed channel.
func (w *Watcher) GetChannel() string {
	cfg := w.Get()
	if cfg == nil {
		return ""
	}
	return cfg.Channel
}

// Subscribe returns a channel receiving each newly committed config, plus an
// unsubscribe func that releases the channel. Deliveries are non-blocking: a
// slow subscriber misses intermediate versions but can always catch up via
// Get. Unsubscribe is idempotent.
func (w *Watcher) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			w.subsMu.Lock()
			defer w.subsMu.Unlock()
			for i, c := range w.subs {
				if c == ch {
					w.subs = append(w.subs[:i], w.subs[i+1:]...)
					return
				}
			}
		})
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscriptions.
func (w *Watcher) SubscriberCount() int {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	return len(w.subs)
}

// Watch blocks, re-loading the file on every filesystem change until ctx is
// cancelled. Invalid intermediate states are logged and skipped; the last
// good config stays committed.
func (w *Watcher) Watch(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return errors.ErrWatcherRunning
	}
	w.running = true
	w.runMu.Unlock()
	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runMu.Unlock()
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory, not the file: editors replace files via
	// rename, which would silently detach a file-level watch.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watch error", err, logging.LogFields{"path": w.path})
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed", err, logging.LogFields{"path": w.path})
		return
	}

	sum := hashBytes(data)
	w.mu.RLock()
	unchanged := sum == w.lastHash
	w.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := parseBytes(data)
	if err != nil {
		w.logger.Error("config reload skipped", err, logging.LogFields{"path": w.path})
		return
	}

	w.commit(cfg, sum)
	w.logger.Info("config reloaded", logging.LogFields{"path": w.path, "channel": cfg.Channel})
	w.publish(cfg)
}

func (w *Watcher) commit(cfg *Config, sum uint64) {
	w.mu.Lock()
	w.cfg = cfg
	w.lastHash = sum
	w.mu.Unlock()
}

func (w *Watcher) publish(cfg *Config) {
	w.subsMu.Lock()
	subs := append([]chan *Config(nil), w.subs...)
	w.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Slow subscriber: drop, it can catch up via Get.
		}
	}
}

func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
