// Package fs provides a tokensync.Store backed by a JSON file. Every process
// pointing at the same file shares its items; changes made by other
// processes are picked up by polling.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	ts "github.com/panyam/tokensync"
)

// DefaultPollInterval is how often Watch re-reads the file.
const DefaultPollInterval = 500 * time.Millisecond

// itemsFile is the JSON structure stored on disk
type itemsFile struct {
	Items map[string]string `json:"items"`
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often the file is checked for outside changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock driving the poller.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store keeps items in a single JSON file.
type Store struct {
	mu   sync.Mutex
	path string
	// seen is the content last read or written by this process. Polling
	// compares against it, so this process never sees its own writes.
	seen map[string]string

	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	watchers ts.Broadcaster[ts.StoreEvent]
	pollOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	closed   sync.Once
}

// NewStore creates a file store.
// If path is empty, defaults to ~/.config/<appName>/tokens.json
func NewStore(path string, appName string, opts ...Option) (*Store, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "tokensync"
		}
		path = filepath.Join(configDir, appName, "tokens.json")
	}

	s := &Store{
		path:     path,
		interval: DefaultPollInterval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	items, err := s.read()
	if err != nil {
		return nil, err
	}
	s.seen = items
	return s, nil
}

// Path returns the path to the items file
func (s *Store) Path() string {
	return s.path
}

// read loads the file. A missing file reads as empty.
func (s *Store) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var file itemsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse items file: %w", err)
	}
	if file.Items == nil {
		file.Items = map[string]string{}
	}
	return file.Items, nil
}

func (s *Store) write(items map[string]string) error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(itemsFile{Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize items: %w", err)
	}
	return writeAtomicFile(s.path, data)
}

// writeAtomicFile writes data to a file atomically by writing to a temp file
// first. The file is only readable by its owner.
func writeAtomicFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	return s.mutate(func(items map[string]string) bool {
		if old, ok := items[key]; ok && old == value {
			return false
		}
		items[key] = value
		return true
	})
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	return s.mutate(func(items map[string]string) bool {
		if _, ok := items[key]; !ok {
			return false
		}
		delete(items, key)
		return true
	})
}

// mutate is a read-modify-write of the whole file. Concurrent writers in
// other processes are last-writer-wins.
func (s *Store) mutate(fn func(map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.read()
	if err != nil {
		return err
	}
	// Outside changes not yet polled must still be announced, so only this
	// write is folded into seen.
	before := maps.Clone(items)
	if !fn(items) {
		return nil
	}
	if err := s.write(items); err != nil {
		return err
	}
	for k, v := range items {
		if old, ok := before[k]; !ok || old != v {
			s.seen[k] = v
		}
	}
	for k := range before {
		if _, ok := items[k]; !ok {
			delete(s.seen, k)
		}
	}
	return nil
}

// Watch registers fn and starts the poller on first use.
func (s *Store) Watch(fn func(ts.StoreEvent)) (unwatch func()) {
	unwatch = s.watchers.Subscribe(fn)
	s.pollOnce.Do(func() { go s.poll() })
	return unwatch
}

func (s *Store) poll() {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			for _, ev := range s.diff() {
				s.watchers.Notify(ev)
			}
		}
	}
}

func (s *Store) diff() []ts.StoreEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.read()
	if err != nil {
		s.logger.Warn("fs.Store: poll failed", "path", s.path, "err", err)
		return nil
	}
	var out []ts.StoreEvent
	for k, v := range items {
		if old, ok := s.seen[k]; !ok || old != v {
			out = append(out, ts.StoreEvent{Key: k, NewValue: v})
		}
	}
	for k := range s.seen {
		if _, ok := items[k]; !ok {
			out = append(out, ts.StoreEvent{Key: k, Removed: true})
		}
	}
	s.seen = items
	return out
}

// Close stops the poller.
func (s *Store) Close() error {
	s.closed.Do(func() {
		close(s.stop)
		started := true
		s.pollOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
	})
	return nil
}
