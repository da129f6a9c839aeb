// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"sync"

	"github.com/haldric/courselib/internal/domain"
)

// MockPublisher records published events without touching a database.
type MockPublisher struct {
	mu       sync.Mutex
	events   []domain.Event
	handlers map[domain.EventType][]func(domain.Event)
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{handlers: make(map[domain.EventType][]func(domain.Event))}
}

func (m *MockPublisher) Publish(event domain.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	handlers := m.handlers[event.EventType]
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MockPublisher) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Events returns a snapshot of everything published so far.
func (m *MockPublisher) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType filters the recorded events by type.
func (m *MockPublisher) EventsOfType(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// SkippedFile is one entry collected by CollectingErrorSink.
type SkippedFile struct {
	Path      string
	ErrorType string
	Message   string
}

// CollectingErrorSink gathers skipped-file reports in memory so tests
// can assert on exactly which files a scan rejected.
type CollectingErrorSink struct {
	mu      sync.Mutex
	skipped []SkippedFile
}

func (c *CollectingErrorSink) ReportSkip(path, errorType, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped = append(c.skipped, SkippedFile{Path: path, ErrorType: errorType, Message: message})
}

func (c *CollectingErrorSink) Skipped() []SkippedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SkippedFile, len(c.skipped))
	copy(out, c.skipped)
	return out
}
