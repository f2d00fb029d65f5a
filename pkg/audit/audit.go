// Package audit provides audit logging for SSO configuration changes.
//
// The Logger interface has two implementations: ConsoleLogger writes events
// to zerolog, SQLiteLogger persists signed events for later query.
package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Event types recorded for SSO configuration changes.
const (
	EventSSOSeed          = "sso.seed"
	EventSSOUpdate        = "sso.update"
	EventSSOToggle        = "sso.toggle"
	EventSSOMetadata      = "sso.metadata_import"
	EventSSOLogin         = "sso.login"
	EventSSODenied        = "sso.denied"
	EventMembershipChange = "org.membership"
	EventBillingChange    = "org.billing"
)

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event"`
	OrgID     string    `json:"org_id"`
	User      string    `json:"user,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Path      string    `json:"path,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"` // never carries secret material
	Signature string    `json:"signature,omitempty"`
}

// NewEvent builds an event with a fresh ULID and the current time.
func NewEvent(eventType, orgID, user string, success bool, details string) Event {
	return Event{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		OrgID:     orgID,
		User:      user,
		Success:   success,
		Details:   details,
	}
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	ID        string
	OrgID     string
	StartTime *time.Time
	EndTime   *time.Time
	EventType string
	User      string
	Success   *bool
	Limit     int
	Offset    int
}

// Logger defines the interface for audit logging backends.
type Logger interface {
	// Log records an audit event
	Log(event Event) error

	// Query retrieves audit events matching the filter (may be empty for console logger)
	Query(filter QueryFilter) ([]Event, error)

	// Count returns the number of audit events matching the filter
	Count(filter QueryFilter) (int, error)

	// Close releases any resources held by the logger
	Close() error
}

// Global logger instance with thread-safe access
var (
	globalLogger Logger
	loggerMu     sync.RWMutex
)

// SetLogger sets the global audit logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the current global audit logger.
// If no logger has been set, it returns a ConsoleLogger.
func GetLogger() Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()

	if l != nil {
		return l
	}
	return NewConsoleLogger()
}

// Record logs an event through l, falling back to the global logger when l
// is nil. Failures are logged and swallowed: auditing never blocks the
// operation being audited.
func Record(l Logger, event Event) {
	if l == nil {
		l = GetLogger()
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := l.Log(event); err != nil {
		log.Error().Err(err).Str("event", event.EventType).Str("org_id", event.OrgID).Msg("Failed to log audit event")
	}
}

// ConsoleLogger implements Logger by writing to zerolog.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit event to zerolog.
func (c *ConsoleLogger) Log(event Event) error {
	logEvent := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("org_id", event.OrgID).
		Str("user", event.User).
		Str("ip", event.IP).
		Str("path", event.Path).
		Time("timestamp", event.Timestamp).
		Str("details", event.Details).
		Logger()

	if event.Success {
		logEvent.Info().Msg("Audit event")
	} else {
		logEvent.Warn().Msg("Audit event - FAILED")
	}

	return nil
}

// Query returns an empty slice for the console logger.
func (c *ConsoleLogger) Query(QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Count returns zero for the console logger.
func (c *ConsoleLogger) Count(QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}

// MemoryLogger keeps events in memory. Used by tests and the offline CLI.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger creates an empty in-memory logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends the event.
func (m *MemoryLogger) Log(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(filter QueryFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if matches(m.events[i], filter) {
			out = append(out, m.events[i])
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Event{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of matching events.
func (m *MemoryLogger) Count(filter QueryFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	events, err := m.Query(filter)
	return len(events), err
}

// Close is a no-op.
func (m *MemoryLogger) Close() error {
	return nil
}

func matches(e Event, f QueryFilter) bool {
	if f.ID != "" && e.ID != f.ID {
		return false
	}
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.User != "" && e.User != f.User {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}
