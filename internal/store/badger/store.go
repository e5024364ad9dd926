package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/metrics"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/store"
)

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

// prefixSub namespaces subscription documents inside the key space.
const prefixSub = "sub:"

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// SyncWrites forces fsync on every commit. The write rate is a
	// handful per day, so the durability cost is negligible.
	SyncWrites bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		SyncWrites: true,
	}
}

// Store persists subscription records in Badger, one JSON document per
// subscription. Queries scan the sub: prefix and filter in memory; the
// fleet is tens of records, not millions.
type Store struct {
	config  Config
	db      *badgerdb.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStore opens (or creates) the Badger database under the data dir.
func NewStore(config Config) (*Store, error) {
	logger := log.With().Str("component", "store-badger").Logger()

	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	options := badgerdb.DefaultOptions(config.DataDir)
	options = options.WithLoggingLevel(badgerdb.WARNING)
	options = options.WithSyncWrites(config.SyncWrites)

	db, err := badgerdb.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// subKey builds the document key for a subscription id.
func subKey(id string) []byte {
	return []byte(prefixSub + id)
}

// Save creates or updates a subscription document. The whole
// read-modify-write happens inside one Badger transaction, so a racing
// create and a racing renew resolve deterministically: last write wins.
func (s *Store) Save(ctx context.Context, sub *model.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(subKey(sub.ID), data)
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}

	s.metrics.StoreOperations.WithLabelValues("save", "ok").Inc()
	s.logger.Debug().
		Str("id", sub.ID).
		Str("scope", sub.Scope).
		Time("expires", sub.ExpiresAt).
		Msg("Subscription saved")

	return nil
}

// Get returns the subscription for the given id or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var sub *model.Subscription

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(subKey(id))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			sub = &model.Subscription{}
			return json.Unmarshal(val, sub)
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		s.metrics.StoreOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}

	s.metrics.StoreOperations.WithLabelValues("get", "ok").Inc()
	return sub, nil
}

// scan iterates every subscription document and collects those the
// filter accepts.
func (s *Store) scan(filter func(*model.Subscription) bool) ([]*model.Subscription, error) {
	var subs []*model.Subscription

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSub)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sub := &model.Subscription{}
				if err := json.Unmarshal(val, sub); err != nil {
					return err
				}
				if filter == nil || filter(sub) {
					subs = append(subs, sub)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// LoadAllActive returns every record with status active.
func (s *Store) LoadAllActive(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.scan(func(sub *model.Subscription) bool {
		return sub.Status == model.StatusActive
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("load_all_active", "error").Inc()
		return nil, fmt.Errorf("failed to load active subscriptions: %w", err)
	}

	s.metrics.StoreOperations.WithLabelValues("load_all_active", "ok").Inc()
	return subs, nil
}

// FindExpiringBefore returns active records with expiry before the
// threshold, ordered by expiry ascending.
func (s *Store) FindExpiringBefore(ctx context.Context, threshold time.Time) ([]*model.Subscription, error) {
	subs, err := s.scan(func(sub *model.Subscription) bool {
		return sub.Status == model.StatusActive && sub.ExpiresAt.Before(threshold)
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("find_expiring", "error").Inc()
		return nil, fmt.Errorf("failed to find expiring subscriptions: %w", err)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ExpiresAt.Before(subs[j].ExpiresAt)
	})

	s.metrics.StoreOperations.WithLabelValues("find_expiring", "ok").Inc()
	return subs, nil
}

// UpdateExpiry overwrites the expiry and last-updated timestamps of an
// existing record.
func (s *Store) UpdateExpiry(ctx context.Context, id string, newExpiry time.Time) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(subKey(id))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		sub := &model.Subscription{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, sub)
		}); err != nil {
			return err
		}

		sub.ExpiresAt = newExpiry
		sub.LastUpdatedAt = time.Now()

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return txn.Set(subKey(id), data)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		s.metrics.StoreOperations.WithLabelValues("update_expiry", "error").Inc()
		return fmt.Errorf("failed to update expiry for %s: %w", id, err)
	}

	s.metrics.StoreOperations.WithLabelValues("update_expiry", "ok").Inc()
	return nil
}

// Delete removes the record. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(subKey(id))
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}

	s.metrics.StoreOperations.WithLabelValues("delete", "ok").Inc()
	s.logger.Debug().Str("id", id).Msg("Subscription deleted")
	return nil
}

// MarkStopped keeps the record but flips its status to stopped.
func (s *Store) MarkStopped(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(subKey(id))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		sub := &model.Subscription{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, sub)
		}); err != nil {
			return err
		}

		sub.Status = model.StatusStopped
		sub.LastUpdatedAt = time.Now()

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return txn.Set(subKey(id), data)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		s.metrics.StoreOperations.WithLabelValues("mark_stopped", "error").Inc()
		return fmt.Errorf("failed to mark subscription %s stopped: %w", id, err)
	}

	s.metrics.StoreOperations.WithLabelValues("mark_stopped", "ok").Inc()
	return nil
}

// GetAllOrderedByExpiry returns every record regardless of status,
// ordered by expiry ascending.
func (s *Store) GetAllOrderedByExpiry(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.scan(nil)
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("get_all", "error").Inc()
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ExpiresAt.Before(subs[j].ExpiresAt)
	})

	s.metrics.StoreOperations.WithLabelValues("get_all", "ok").Inc()
	return subs, nil
}

// Close releases the Badger database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing subscription store")
	return s.db.Close()
}
