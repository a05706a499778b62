// Package statestore persists saga snapshots, one JSON file per saga, so
// in-flight sagas survive coordinator restarts.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// Store keeps the authoritative in-memory snapshot per saga and mirrors it to
// disk: immediately on every Save, periodically from the flush task, and once
// more on Close. Each saga owns its file, so writes are independent; the
// store's lock makes every file single-writer.
type Store struct {
	dir      string
	interval time.Duration

	mu        sync.Mutex
	snapshots map[string]domain.SagaSnapshot

	done    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// New opens the state directory, recovers existing snapshots and starts the
// periodic flush task. A directory that cannot be created or read is a fatal
// initialization error.
func New(dir string, interval time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	s := &Store{
		dir:       dir,
		interval:  interval,
		snapshots: make(map[string]domain.SagaSnapshot),
		done:      make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	s.stopped.Add(1)
	go s.flushLoop()
	slog.Info("saga state store opened",
		slog.String("dir", dir),
		slog.Int("recovered", len(s.snapshots)))
	return s, nil
}

// recover loads every snapshot file in the directory. Unreadable files are
// skipped with an operator warning rather than failing startup.
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read state directory %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable saga file", slog.String("file", path), slog.Any("error", err))
			continue
		}
		var snap domain.SagaSnapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			slog.Warn("skipping corrupt saga file", slog.String("file", path), slog.Any("error", err))
			continue
		}
		s.snapshots[snap.SagaID] = snap
	}
	return nil
}

// Save updates the in-memory snapshot and writes its file immediately.
// Callers treat write failures as non-fatal: the in-memory transition stands
// and the next periodic flush retries.
func (s *Store) Save(snap domain.SagaSnapshot) error {
	snap.LastUpdated = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SagaID] = snap
	return s.write(snap)
}

// Remove deletes the saga from memory and disk. Called after successful
// completion or successful compensation.
func (s *Store) Remove(sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sagaID)
	if err := os.Remove(s.path(sagaID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove saga file %s: %w", sagaID, err)
	}
	return nil
}

// Get returns the snapshot for one saga.
func (s *Store) Get(sagaID string) (domain.SagaSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[sagaID]
	return snap, ok
}

// List returns every tracked snapshot.
func (s *Store) List() []domain.SagaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SagaSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out
}

func (s *Store) flushLoop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushAll()
		}
	}
}

func (s *Store) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if err := s.write(snap); err != nil {
			slog.Error("periodic saga flush failed",
				slog.String("saga_id", snap.SagaID),
				slog.Any("error", err))
		}
	}
}

// write persists one snapshot with a temp-file rename so a crash mid-write
// never corrupts the previous committed state. Caller holds s.mu.
func (s *Store) write(snap domain.SagaSnapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal saga %s: %w", snap.SagaID, err)
	}
	tmp := s.path(snap.SagaID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write saga %s: %w", snap.SagaID, err)
	}
	if err := os.Rename(tmp, s.path(snap.SagaID)); err != nil {
		return fmt.Errorf("commit saga %s: %w", snap.SagaID, err)
	}
	return nil
}

func (s *Store) path(sagaID string) string {
	return filepath.Join(s.dir, sagaID+".json")
}

// Close stops the flush task and performs a final flush.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.stopped.Wait()
	s.flushAll()
	return nil
}
