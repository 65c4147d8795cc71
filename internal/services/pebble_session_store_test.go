package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

func newTestPebbleStore(t *testing.T) *PebbleSessionStore {
	t.Helper()

	store, err := OpenPebbleSessionStore("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Failed to open pebble store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPebbleSessionStore_GetOrCreateSession(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	session, created, err := store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", "2024-05-01T08:00:00.000Z")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the session")
	}
	if session.StartTime != "2024-05-01T08:00:00.000Z" {
		t.Errorf("Expected startTime to be set, got %q", session.StartTime)
	}

	session, created, err = store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", "2024-05-01T09:30:00.000Z")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if created {
		t.Error("Expected second call to reuse the session")
	}
	if session.StartTime != "2024-05-01T08:00:00.000Z" {
		t.Errorf("startTime must not change, got %q", session.StartTime)
	}
}

func TestPebbleSessionStore_ConcurrentCreate(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", fmt.Sprintf("2024-05-01T08:00:%02d.000Z", i))
			if err != nil {
				t.Errorf("GetOrCreateSession failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creation, got %d", createdCount)
	}
}

func TestPebbleSessionStore_AppendAndList(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	if _, err := store.AppendReading(ctx, "envBot_01", "2024-05-01", models.Reading{"temp": 20.0}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound before creation, got %v", err)
	}

	if _, _, err := store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", "2024-05-01T08:00:00.000Z"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	var keys []string
	for i := 0; i < 3; i++ {
		key, err := store.AppendReading(ctx, "envBot_01", "2024-05-01", models.Reading{"temp": 20.0 + float64(i), "hum": 50.0})
		if err != nil {
			t.Fatalf("AppendReading failed: %v", err)
		}
		keys = append(keys, key)
	}

	readings, err := store.ListReadings(ctx, "envBot_01", "2024-05-01")
	if err != nil {
		t.Fatalf("ListReadings failed: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(readings))
	}

	ordered := sortedKeys(readings)
	for i, key := range ordered {
		if key != keys[i] {
			t.Errorf("Expected key %d to be %s, got %s", i, keys[i], key)
		}
		temp, _ := readings[key].Number("temp")
		if temp != 20.0+float64(i) {
			t.Errorf("Expected temp %v at position %d, got %v", 20.0+float64(i), i, temp)
		}
	}

	// Readings of another day are not mixed in
	other, err := store.ListReadings(ctx, "envBot_01", "2024-05-02")
	if err != nil {
		t.Fatalf("ListReadings failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no readings for another day, got %d", len(other))
	}
}

func TestPebbleSessionStore_SetSummaryIfAbsent(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	if _, err := store.SetSummaryIfAbsent(ctx, "envBot_01", "2024-05-01", "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}

	if _, _, err := store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", "2024-05-01T08:00:00.000Z"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if _, err := store.AppendReading(ctx, "envBot_01", "2024-05-01", models.Reading{"temp": 21.0, "hum": 40.0}); err != nil {
		t.Fatalf("AppendReading failed: %v", err)
	}

	stored, err := store.SetSummaryIfAbsent(ctx, "envBot_01", "2024-05-01", "first")
	if err != nil || !stored {
		t.Fatalf("Expected first summary to be stored, got stored=%v err=%v", stored, err)
	}

	stored, err = store.SetSummaryIfAbsent(ctx, "envBot_01", "2024-05-01", "second")
	if err != nil {
		t.Fatalf("SetSummaryIfAbsent failed: %v", err)
	}
	if stored {
		t.Error("Second summary must not overwrite the first")
	}

	session, err := store.GetSession(ctx, "envBot_01", "2024-05-01")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Summary != "first" {
		t.Errorf("Expected summary %q, got %q", "first", session.Summary)
	}
	if session.StartTime != "2024-05-01T08:00:00.000Z" {
		t.Errorf("Summary write must not touch startTime, got %q", session.StartTime)
	}
	if len(session.Logs) != 1 {
		t.Errorf("Summary write must not touch logs, got %d entries", len(session.Logs))
	}
}

func TestPebbleSessionStore_GetSessionNotFound(t *testing.T) {
	store := newTestPebbleStore(t)

	_, err := store.GetSession(context.Background(), "envBot_01", "2024-05-01")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestPebbleSessionStore_ListSessionDays(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	for _, day := range []string{"2024-05-03", "2024-05-01", "2024-05-02"} {
		if _, _, err := store.GetOrCreateSession(ctx, "envBot_01", day, day+"T00:00:00.000Z"); err != nil {
			t.Fatalf("GetOrCreateSession failed: %v", err)
		}
		if _, err := store.AppendReading(ctx, "envBot_01", day, models.Reading{"temp": 20.0, "hum": 50.0}); err != nil {
			t.Fatalf("AppendReading failed: %v", err)
		}
	}
	// A machine whose ID shares a prefix must not leak into the listing
	if _, _, err := store.GetOrCreateSession(ctx, "envBot_010", "2024-04-30", "2024-04-30T00:00:00.000Z"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	days, err := store.ListSessionDays(ctx, "envBot_01")
	if err != nil {
		t.Fatalf("ListSessionDays failed: %v", err)
	}

	expected := []string{"2024-05-01", "2024-05-02", "2024-05-03"}
	if len(days) != len(expected) {
		t.Fatalf("Expected days %v, got %v", expected, days)
	}
	for i := range expected {
		if days[i] != expected[i] {
			t.Errorf("Expected day %d to be %s, got %s", i, expected[i], days[i])
		}
	}

	empty, err := store.ListSessionDays(ctx, "unknown")
	if err != nil {
		t.Fatalf("ListSessionDays failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no days for unknown machine, got %v", empty)
	}
}

func TestPebbleSessionStore_DeleteSessionsBefore(t *testing.T) {
	store := newTestPebbleStore(t)
	ctx := context.Background()

	sessions := []struct {
		machineID string
		day       string
	}{
		{"envBot_01", "2024-04-01"},
		{"envBot_01", "2024-04-15"},
		{"envBot_02", "2024-04-10"},
		{"envBot_01", "2024-05-01"},
	}
	for _, s := range sessions {
		if _, _, err := store.GetOrCreateSession(ctx, s.machineID, s.day, s.day+"T00:00:00.000Z"); err != nil {
			t.Fatalf("GetOrCreateSession failed: %v", err)
		}
		if _, err := store.AppendReading(ctx, s.machineID, s.day, models.Reading{"temp": 20.0, "hum": 50.0}); err != nil {
			t.Fatalf("AppendReading failed: %v", err)
		}
	}

	deleted, err := store.DeleteSessionsBefore(ctx, "2024-04-15")
	if err != nil {
		t.Fatalf("DeleteSessionsBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted sessions, got %d", deleted)
	}

	if _, err := store.GetSession(ctx, "envBot_01", "2024-04-01"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected old session to be gone, got %v", err)
	}
	if _, err := store.GetSession(ctx, "envBot_01", "2024-04-15"); err != nil {
		t.Errorf("Cutoff day must be kept: %v", err)
	}

	days, err := store.ListSessionDays(ctx, "envBot_02")
	if err != nil {
		t.Fatalf("ListSessionDays failed: %v", err)
	}
	if len(days) != 0 {
		t.Errorf("Expected envBot_02 sessions to be deleted, got %v", days)
	}
}

func TestPebbleSessionStore_Closed(t *testing.T) {
	store, err := OpenPebbleSessionStore("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Failed to open pebble store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Expected open store to ping, got %v", err)
	}

	store.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected ping to fail after close")
	}
	if _, _, err := store.GetOrCreateSession(context.Background(), "envBot_01", "2024-05-01", "x"); err == nil {
		t.Error("Expected writes to fail after close")
	}
}

func TestPebbleSessionStore_ReadsDuringClose(t *testing.T) {
	store, err := OpenPebbleSessionStore("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Failed to open pebble store: %v", err)
	}

	ctx := context.Background()
	if _, _, err := store.GetOrCreateSession(ctx, "envBot_01", "2024-05-01", "2024-05-01T08:00:00.000Z"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				// errors are expected once Close has run; the store must not panic
				store.AppendReading(ctx, "envBot_01", "2024-05-01", models.Reading{"temp": float64(i), "hum": float64(j)})
				store.ListReadings(ctx, "envBot_01", "2024-05-01")
				store.GetSession(ctx, "envBot_01", "2024-05-01")
				store.ListSessionDays(ctx, "envBot_01")
			}
		}(i)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	wg.Wait()

	if _, err := store.GetSession(ctx, "envBot_01", "2024-05-01"); err == nil {
		t.Error("Expected reads to fail after close")
	}
	if _, err := store.ListSessionDays(ctx, "envBot_01"); err == nil {
		t.Error("Expected ListSessionDays to fail after close")
	}
}
