// Package audit provides append-only audit logging for billing-sensitive
// actions: dunning attempts and admin overrides.
//
// The Logger interface can be backed by the console (zerolog) or by
// persistent SQLite storage with HMAC signing.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Well-known event types.
const (
	EventDunningEmailSent = "dunning_email_sent"
	EventAdminOverride    = "admin_override"
)

// Event represents a single audit log entry. Details carries structured
// metadata as JSON, including before/after values for overrides.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	OrgID     string    `json:"org_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Path      string    `json:"path,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	ID        string
	StartTime *time.Time
	EndTime   *time.Time
	EventType string
	Actor     string
	OrgID     string
	Success   *bool
	Limit     int
	Offset    int
}

// Logger defines the interface for audit logging backends.
type Logger interface {
	// Log records an audit event
	Log(event Event) error

	// Query retrieves audit events matching the filter
	Query(filter QueryFilter) ([]Event, error)

	// Count returns the number of audit events matching the filter
	Count(filter QueryFilter) (int, error)

	// Close releases any resources held by the logger
	Close() error
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, actor, orgID string, success bool, details string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Actor:     actor,
		OrgID:     orgID,
		Success:   success,
		Details:   details,
	}
}

var (
	globalLogger Logger
	loggerMu     sync.RWMutex
)

// SetLogger sets the global audit logger. Called during initialization.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the current global audit logger, defaulting to the
// console logger when none has been set.
func GetLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return consoleFallback
}

var consoleFallback = NewConsoleLogger()

// ConsoleLogger implements Logger by writing to zerolog. Events are not
// queryable.
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
		Str("actor", event.Actor).
		Str("org_id", event.OrgID).
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
func (c *ConsoleLogger) Query(filter QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Count returns zero for the console logger.
func (c *ConsoleLogger) Count(filter QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}
