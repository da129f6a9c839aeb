package eventbus

import (
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haldric/courselib/internal/domain"
)

// newTestDB creates an in-memory SQLite database with the events table.
// This is a local helper to avoid import cycles with testutil.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		t.Fatalf("Failed to set pragma: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("Failed to set pragma: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSON NOT NULL,
			event_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			user_id TEXT
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create events table: %v", err)
	}

	return db
}

// getEventsByAggregate retrieves all events for a given aggregate ID.
func getEventsByAggregate(t *testing.T, db *sql.DB, aggregateID string) []domain.Event {
	t.Helper()
	rows, err := db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id
		FROM events WHERE aggregate_id = ? ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		t.Fatalf("Failed to query events: %v", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventDataJSON string
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &eventDataJSON, &e.EventVersion, &e.CreatedAt, &userID); err != nil {
			t.Fatalf("Failed to scan event: %v", err)
		}
		if err := json.Unmarshal([]byte(eventDataJSON), &e.EventData); err != nil {
			t.Fatalf("Failed to unmarshal event data: %v", err)
		}
		if userID.Valid {
			e.UserID = userID.String
		}
		events = append(events, e)
	}
	return events
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	var received []domain.Event
	var mu sync.Mutex

	eb.Subscribe(domain.FileSkipped, func(event domain.Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	})

	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-123",
		EventType:     domain.FileSkipped,
		EventData: map[string]interface{}{
			"file_path": "/library/Books/Algorithms/setup.exe",
		},
	}

	if err := eb.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if len(received) != 1 {
		t.Errorf("Expected 1 event, got %d", len(received))
	}
	if len(received) > 0 {
		if filePath, _ := received[0].GetString("file_path"); filePath != "/library/Books/Algorithms/setup.exe" {
			t.Errorf("Received event has wrong file_path: %q", filePath)
		}
	}
	mu.Unlock()
}

func TestEventBus_PublishPersistsToDatabase(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   "persist-test-456",
		EventType:     domain.ScanCompleted,
		EventData: map[string]interface{}{
			"scan_id": float64(789),
		},
	}

	if err := eb.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events := getEventsByAggregate(t, db, "persist-test-456")

	if len(events) != 1 {
		t.Fatalf("Expected 1 event in database, got %d", len(events))
	}
	if events[0].EventType != domain.ScanCompleted {
		t.Errorf("Event type = %v, want %v", events[0].EventType, domain.ScanCompleted)
	}
	if events[0].AggregateID != "persist-test-456" {
		t.Errorf("AggregateID = %q, want %q", events[0].AggregateID, "persist-test-456")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	var count1, count2, count3 int
	var mu sync.Mutex

	eb.Subscribe(domain.ScanCompleted, func(event domain.Event) {
		mu.Lock()
		count1++
		mu.Unlock()
	})
	eb.Subscribe(domain.ScanCompleted, func(event domain.Event) {
		mu.Lock()
		count2++
		mu.Unlock()
	})
	eb.Subscribe(domain.ScanCompleted, func(event domain.Event) {
		mu.Lock()
		count3++
		mu.Unlock()
	})

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "multi-sub-test",
		EventType:     domain.ScanCompleted,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if count1 != 1 || count2 != 1 || count3 != 1 {
		t.Errorf("Expected all subscribers to receive 1 event, got counts: %d, %d, %d", count1, count2, count3)
	}
	mu.Unlock()
}

func TestEventBus_UnsubscribedEventType(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	var startedCount, skippedCount int
	var mu sync.Mutex

	eb.Subscribe(domain.ScanStarted, func(event domain.Event) {
		mu.Lock()
		startedCount++
		mu.Unlock()
	})
	eb.Subscribe(domain.FileSkipped, func(event domain.Event) {
		mu.Lock()
		skippedCount++
		mu.Unlock()
	})

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "filter-test",
		EventType:     domain.ScanStarted,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if startedCount != 1 {
		t.Errorf("Expected 1 started event, got %d", startedCount)
	}
	if skippedCount != 0 {
		t.Errorf("Expected 0 skipped events, got %d", skippedCount)
	}
	mu.Unlock()
}

func TestEventBus_DefaultValues(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	// CreatedAt and EventVersion intentionally not set
	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   "default-values-test",
		EventType:     domain.ScanStarted,
		EventData:     map[string]interface{}{},
	}

	beforePublish := time.Now().Add(-time.Second)
	if err := eb.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events := getEventsByAggregate(t, db, "default-values-test")
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	if events[0].EventVersion != 1 {
		t.Errorf("EventVersion = %d, want 1", events[0].EventVersion)
	}
	if events[0].CreatedAt.Before(beforePublish) {
		t.Errorf("CreatedAt (%v) should not be before publish time (%v)", events[0].CreatedAt, beforePublish)
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)
	defer eb.Shutdown()

	var receivedCount int
	var mu sync.Mutex

	eb.Subscribe(domain.ScanProgress, func(event domain.Event) {
		mu.Lock()
		receivedCount++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := eb.Publish(domain.Event{
				AggregateType: "scan",
				AggregateID:   "concurrent-test",
				EventType:     domain.ScanProgress,
				EventData:     map[string]interface{}{"course_index": float64(n)},
			})
			if err != nil {
				t.Errorf("Concurrent publish %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	time.Sleep(200 * time.Millisecond)

	// All events persisted
	events := getEventsByAggregate(t, db, "concurrent-test")
	if len(events) != 10 {
		t.Errorf("Expected 10 persisted events, got %d", len(events))
	}

	// All events delivered (buffer is large enough for this volume)
	mu.Lock()
	if receivedCount != 10 {
		t.Errorf("Expected 10 delivered events, got %d", receivedCount)
	}
	mu.Unlock()
}

func TestEventBus_ShutdownStopsDelivery(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	eb := NewEventBus(db)

	eb.Subscribe(domain.ScanStarted, func(event domain.Event) {})
	eb.Shutdown()

	// Publish after shutdown still persists, subscribers are gone
	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "after-shutdown",
		EventType:     domain.ScanStarted,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish after shutdown failed: %v", err)
	}

	events := getEventsByAggregate(t, db, "after-shutdown")
	if len(events) != 1 {
		t.Errorf("Expected event to persist after shutdown, got %d", len(events))
	}
}
