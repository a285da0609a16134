// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the memoization store: a content-keyed cache of
// prior step results with time-to-live and size-bounded eviction, backed
// by BadgerDB for low-latency embedded persistence.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// boundedInputBytes caps how much of a step input participates in key
// derivation. Inputs larger than this hash only their prefix; two inputs
// that agree on the first 4 KiB memoize to the same entry.
const boundedInputBytes = 4096

// Sentinel errors for the cache package.
var (
	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("cache store is closed")

	// ErrEmptyKey indicates an empty cache key.
	ErrEmptyKey = errors.New("cache key must not be empty")
)

// Config configures the memoization store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// DefaultTTL applies when Set is called with a zero TTL.
	// Default: 7 days.
	DefaultTTL time.Duration

	// SweepInitialDelay is how long after first use the first sweep runs.
	// Default: 5 seconds.
	SweepInitialDelay time.Duration

	// SweepInterval is the period between subsequent sweeps.
	// Default: 24 hours.
	SweepInterval time.Duration

	// Logger for store operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:        7 * 24 * time.Hour,
		SweepInitialDelay: 5 * time.Second,
		SweepInterval:     24 * time.Hour,
	}
}

// entry is the on-disk envelope for a cached payload.
type entry struct {
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
	TTLSec    float64         `json:"ttl_sec"`
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.WrittenAt.Add(time.Duration(e.TTLSec * float64(time.Second))))
}

// Store is the memoization store.
//
// Description:
//
//	Store persists step results keyed by step identity plus a bounded
//	serialization of the step input. The first use schedules a background
//	sweep after SweepInitialDelay, repeating every SweepInterval.
//
// Thread Safety:
//
//	Store is safe for concurrent use. Per-key reads and writes are atomic
//	(Badger transactions); concurrent writers to the same key race with
//	last-writer-wins semantics. Cross-key operations are unordered.
type Store struct {
	db     *badger.DB
	config Config
	logger *slog.Logger
	now    func() time.Time

	sweepOnce sync.Once
	stopSweep chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open creates the store.
//
// Inputs:
//
//	config - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 7 * 24 * time.Hour
	}
	if config.SweepInitialDelay <= 0 {
		config.SweepInitialDelay = 5 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 24 * time.Hour
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("path is required for persistent cache")
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	return &Store{
		db:        db,
		config:    config,
		logger:    config.Logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}, nil
}

// Key derives a cache key from a step type and its effective input.
//
// Description:
//
//	The input is JSON-serialized and truncated to a bounded prefix before
//	hashing, so arbitrarily large inputs produce constant-size keys. The
//	step type participates in the hash, so unrelated steps never collide
//	even on identical inputs.
//
// Inputs:
//
//	stepType - The step implementation tag.
//	input - The step's effective input.
//
// Outputs:
//
//	string - Hex-encoded SHA-256 key.
func Key(stepType string, input any) string {
	serialized, err := json.Marshal(input)
	if err != nil {
		// Unserializable inputs fall back to their Go syntax representation.
		serialized = fmt.Appendf(nil, "%#v", input)
	}
	if len(serialized) > boundedInputBytes {
		serialized = serialized[:boundedInputBytes]
	}

	h := sha256.New()
	h.Write([]byte(stepType))
	h.Write([]byte{0})
	h.Write(serialized)
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up a cached payload.
//
// Inputs:
//
//	key - The cache key from Key.
//
// Outputs:
//
//	json.RawMessage - The cached payload (nil on miss).
//	bool - True on hit.
//	error - Non-nil on storage failure.
//
// Expired entries read as misses and are deleted opportunistically.
func (s *Store) Get(key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	s.scheduleSweep()

	var e entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	if e.expired(s.now()) {
		if delErr := s.delete(key); delErr != nil {
			s.logger.Warn("failed to delete expired cache entry",
				slog.String("key", key),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, false, nil
	}

	return e.Payload, true, nil
}

// Set stores a payload under the given key.
//
// Inputs:
//
//	key - The cache key from Key.
//	payload - JSON payload to store.
//	ttl - Entry lifetime. Zero uses the store default.
//
// Outputs:
//
//	error - Non-nil on storage failure.
func (s *Store) Set(key string, payload json.RawMessage, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.scheduleSweep()

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	data, err := json.Marshal(entry{
		Payload:   payload,
		WrittenAt: s.now(),
		TTLSec:    ttl.Seconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Sweep deletes all entries past their TTL.
//
// Outputs:
//
//	int - Number of entries deleted.
//	error - Non-nil on storage failure.
func (s *Store) Sweep() (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	expired, err := s.collect(func(e *entry) bool { return e.expired(s.now()) })
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, meta := range expired {
		if err := s.delete(meta.key); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("cache sweep completed", slog.Int("deleted", deleted))
	}
	return deleted, nil
}

// EnforceSizeLimit deletes oldest-by-write-time entries until the total
// stored payload size is at or under maxBytes.
//
// Inputs:
//
//	maxBytes - The size budget. Values <= 0 delete nothing.
//
// Outputs:
//
//	int - Number of entries deleted.
//	error - Non-nil on storage failure.
func (s *Store) EnforceSizeLimit(maxBytes int64) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if maxBytes <= 0 {
		return 0, nil
	}

	all, err := s.collect(func(*entry) bool { return true })
	if err != nil {
		return 0, err
	}

	var total int64
	for _, meta := range all {
		total += meta.size
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].writtenAt.Before(all[j].writtenAt)
	})

	deleted := 0
	for _, meta := range all {
		if total <= maxBytes {
			break
		}
		if err := s.delete(meta.key); err != nil {
			return deleted, err
		}
		total -= meta.size
		deleted++
	}

	s.logger.Info("cache size limit enforced",
		slog.Int("deleted", deleted),
		slog.Int64("remaining_bytes", total),
	)
	return deleted, nil
}

// Clear deletes every entry.
func (s *Store) Clear() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.DropAll()
}

// Close stops the sweep schedule and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopSweep)
	s.mu.Unlock()

	return s.db.Close()
}

// entryMeta is the per-entry bookkeeping used by sweep and eviction.
type entryMeta struct {
	key       string
	writtenAt time.Time
	size      int64
}

// collect scans all entries, returning metadata for those matching keep.
func (s *Store) collect(keep func(*entry) bool) ([]entryMeta, error) {
	var metas []entryMeta

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))

			var e entry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				// Unreadable entries are treated as sweepable garbage.
				metas = append(metas, entryMeta{key: key})
				continue
			}

			if keep(&e) {
				metas = append(metas, entryMeta{
					key:       key,
					writtenAt: e.WrittenAt,
					size:      int64(len(e.Payload)),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return metas, nil
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scheduleSweep arms the background sweep on first use: once after
// SweepInitialDelay, then every SweepInterval until Close.
func (s *Store) scheduleSweep() {
	s.sweepOnce.Do(func() {
		go func() {
			timer := time.NewTimer(s.config.SweepInitialDelay)
			defer timer.Stop()

			select {
			case <-timer.C:
				s.runScheduledSweep()
			case <-s.stopSweep:
				return
			}

			ticker := time.NewTicker(s.config.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.runScheduledSweep()
				case <-s.stopSweep:
					return
				}
			}
		}()
	})
}

func (s *Store) runScheduledSweep() {
	if _, err := s.Sweep(); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Error("scheduled cache sweep failed",
			slog.String("error", err.Error()),
		)
	}
}
