//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	ts "github.com/panyam/tokensync"
)

// DefaultPollInterval is how often Watch checks the change log.
const DefaultPollInterval = time.Second

// AutoMigrate runs database migrations for the store's tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ItemModel{}, &ChangeModel{})
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often the change log is polled.
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

// Store implements tokensync.Store using GORM
type Store struct {
	db       *gorm.DB
	origin   string
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	watchers ts.Broadcaster[ts.StoreEvent]
	startMu  sync.Mutex
	started  bool
	lastID   uint64
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

// NewStore migrates the schema and returns a store.
func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		origin:   uuid.NewString(),
		interval: DefaultPollInterval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Origin identifies this store in the change log.
func (s *Store) Origin() string {
	return s.origin
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	var model ItemModel
	err := s.db.WithContext(ctx).First(&model, "item_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.Value, true, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item := &ItemModel{Key: key, Value: value, UpdatedBy: s.origin}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_by", "updated_at"}),
		}).Create(item).Error
		if err != nil {
			return err
		}
		return tx.Create(&ChangeModel{Key: key, Value: value, Origin: s.origin}).Error
	})
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&ItemModel{}, "item_key = ?", key)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Create(&ChangeModel{Key: key, Removed: true, Origin: s.origin}).Error
	})
}

// Watch registers fn. The first call records the newest change ID so only
// later changes are reported, then starts the poller.
func (s *Store) Watch(fn func(ts.StoreEvent)) (unwatch func()) {
	unwatch = s.watchers.Subscribe(fn)

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started || s.closed {
		return unwatch
	}
	var last ChangeModel
	err := s.db.Order("id DESC").Limit(1).Find(&last).Error
	if err != nil {
		s.logger.Error("gorm.Store: reading change log failed", "err", err)
	}
	s.lastID = last.ID
	s.started = true
	go s.poll()
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
			s.deliver()
		}
	}
}

func (s *Store) deliver() {
	var changes []ChangeModel
	err := s.db.Where("id > ?", s.lastID).Order("id").Find(&changes).Error
	if err != nil {
		s.logger.Warn("gorm.Store: poll failed", "err", err)
		return
	}
	for _, c := range changes {
		s.lastID = c.ID
		if c.Origin == s.origin {
			continue
		}
		s.watchers.Notify(ts.StoreEvent{Key: c.Key, NewValue: c.Value, Removed: c.Removed, Origin: c.Origin})
	}
}

// Prune deletes change log entries older than the given age.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ChangeModel{})
	return res.RowsAffected, res.Error
}

// Close stops the poller. The database handle is left open.
func (s *Store) Close() error {
	s.startMu.Lock()
	if s.closed {
		s.startMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.startMu.Unlock()

	close(s.stop)
	if started {
		<-s.done
	}
	return nil
}
