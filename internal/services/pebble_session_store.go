package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

// Key layout mirrors the hierarchical session paths:
//
//	machineLogs/<machineID>/<day>/startTime
//	machineLogs/<machineID>/<day>/logs/<key>
//	machineLogs/<machineID>/<day>/summary
const (
	pebbleRootPrefix   = "machineLogs/"
	pebbleStartTimeKey = "startTime"
	pebbleSummaryKey   = "summary"
	pebbleLogsSegment  = "logs/"
)

// PebbleSessionStore is an embedded, single-process session store.
// The write lock makes create-if-absent and summary-if-absent atomic.
// Readers hold the read lock so Close cannot release the DB under them.
type PebbleSessionStore struct {
	db *pebble.DB
	mu sync.RWMutex
}

// OpenPebbleSessionStore opens (or creates) a Pebble database at path.
// opts may be nil; tests pass an in-memory FS.
func OpenPebbleSessionStore(path string, opts *pebble.Options) (*PebbleSessionStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}

	log.Printf("✅ Pebble session store opened at %s", path)
	return &PebbleSessionStore{db: db}, nil
}

// Close closes the underlying Pebble database
func (s *PebbleSessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	log.Println("🔌 Pebble session store closed")
	return err
}

func sessionPrefix(machineID, day string) string {
	return models.SessionPath(machineID, day) + "/"
}

// upperBound returns the smallest key greater than every key with the prefix
func upperBound(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleSessionStore) get(key string, out interface{}) (bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()

	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleSessionStore) set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *PebbleSessionStore) open() error {
	if s.db == nil {
		return errors.New("pebble store is closed")
	}
	return nil
}

// GetOrCreateSession writes startTime when the session does not exist yet
func (s *PebbleSessionStore) GetOrCreateSession(ctx context.Context, machineID, day, startTime string) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return nil, false, err
	}

	prefix := sessionPrefix(machineID, day)
	exists, err := s.get(prefix+pebbleStartTimeKey, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session: %w", err)
	}
	if exists {
		session, err := s.readSession(machineID, day)
		if err != nil {
			return nil, false, err
		}
		return session, false, nil
	}

	if err := s.set(prefix+pebbleStartTimeKey, startTime); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	return &models.Session{
		ID:        sessionDocumentID(machineID, day),
		MachineID: machineID,
		Day:       day,
		StartTime: startTime,
		Logs:      map[string]models.Reading{},
	}, true, nil
}

// AppendReading writes the reading under a generated log key
func (s *PebbleSessionStore) AppendReading(ctx context.Context, machineID, day string, reading models.Reading) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.open(); err != nil {
		return "", err
	}

	prefix := sessionPrefix(machineID, day)
	exists, err := s.get(prefix+pebbleStartTimeKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	if !exists {
		return "", ErrSessionNotFound
	}

	key, err := newLogKey()
	if err != nil {
		return "", err
	}

	if err := s.set(prefix+pebbleLogsSegment+key, reading); err != nil {
		return "", fmt.Errorf("failed to append reading: %w", err)
	}
	return key, nil
}

// ListReadings scans the logs prefix of the session
func (s *PebbleSessionStore) ListReadings(ctx context.Context, machineID, day string) (map[string]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.open(); err != nil {
		return nil, err
	}
	return s.listReadings(machineID, day)
}

func (s *PebbleSessionStore) listReadings(machineID, day string) (map[string]models.Reading, error) {
	prefix := sessionPrefix(machineID, day) + pebbleLogsSegment
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer iter.Close()

	readings := map[string]models.Reading{}
	for iter.First(); iter.Valid(); iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), prefix)

		var reading models.Reading
		if err := json.Unmarshal(iter.Value(), &reading); err != nil {
			return nil, fmt.Errorf("failed to decode reading %s: %w", key, err)
		}
		readings[key] = reading
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	return readings, nil
}

// GetSession assembles a session from its startTime, logs and summary keys
func (s *PebbleSessionStore) GetSession(ctx context.Context, machineID, day string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.open(); err != nil {
		return nil, err
	}
	return s.readSession(machineID, day)
}

func (s *PebbleSessionStore) readSession(machineID, day string) (*models.Session, error) {
	prefix := sessionPrefix(machineID, day)

	session := &models.Session{
		ID:        sessionDocumentID(machineID, day),
		MachineID: machineID,
		Day:       day,
	}

	exists, err := s.get(prefix+pebbleStartTimeKey, &session.StartTime)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !exists {
		return nil, ErrSessionNotFound
	}

	if _, err := s.get(prefix+pebbleSummaryKey, &session.Summary); err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}

	logs, err := s.listReadings(machineID, day)
	if err != nil {
		return nil, err
	}
	session.Logs = logs

	return session, nil
}

// SetSummaryIfAbsent writes the summary key unless it already exists
func (s *PebbleSessionStore) SetSummaryIfAbsent(ctx context.Context, machineID, day, summary string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return false, err
	}

	prefix := sessionPrefix(machineID, day)
	exists, err := s.get(prefix+pebbleStartTimeKey, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read session: %w", err)
	}
	if !exists {
		return false, ErrSessionNotFound
	}

	hasSummary, err := s.get(prefix+pebbleSummaryKey, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read summary: %w", err)
	}
	if hasSummary {
		return false, nil
	}

	if err := s.set(prefix+pebbleSummaryKey, summary); err != nil {
		return false, fmt.Errorf("failed to store summary: %w", err)
	}
	return true, nil
}

// ListSessionDays walks the machine prefix and jumps over each day's keys
func (s *PebbleSessionStore) ListSessionDays(ctx context.Context, machineID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.open(); err != nil {
		return nil, err
	}

	prefix := pebbleRootPrefix + machineID + "/"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer iter.Close()

	days := []string{}
	for valid := iter.First(); valid; {
		rest := strings.TrimPrefix(string(iter.Key()), prefix)
		day, _, _ := strings.Cut(rest, "/")

		exists, err := s.get(sessionPrefix(machineID, day)+pebbleStartTimeKey, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		if exists {
			days = append(days, day)
		}

		valid = iter.SeekGE(upperBound(prefix + day + "/"))
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return days, nil
}

// DeleteSessionsBefore deletes every key of sessions older than day in one batch
func (s *PebbleSessionStore) DeleteSessionsBefore(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return 0, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleRootPrefix),
		UpperBound: upperBound(pebbleRootPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	deleted := map[string]struct{}{}
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		parts := strings.SplitN(strings.TrimPrefix(key, pebbleRootPrefix), "/", 3)
		if len(parts) < 3 || parts[1] >= day {
			continue
		}

		if err := batch.Delete([]byte(key), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		deleted[parts[0]+"/"+parts[1]] = struct{}{}
	}

	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}

	if len(deleted) == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	return len(deleted), nil
}

// Ping reports whether the store is open
func (s *PebbleSessionStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open()
}

// sortedKeys returns log keys in arrival order
func sortedKeys(readings map[string]models.Reading) []string {
	keys := make([]string, 0, len(readings))
	for key := range readings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
