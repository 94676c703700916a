package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const (
	// Event types
	EventTypeFieldEncrypt      = "field.encrypt"
	EventTypeFieldDecrypt      = "field.decrypt"
	EventTypeDEKCreate         = "dek.create"
	EventTypeDEKUnwrap         = "dek.unwrap"
	EventTypeSessionRotate     = "session.rotate"
	EventTypeSessionInvalidate = "session.invalidate"
	EventTypePasswordChange    = "password.change"
	EventTypeLogin             = "auth.login"
	EventTypeLogout            = "auth.logout"
	EventTypeRegister          = "auth.register"
	EventTypeMagicWord         = "auth.magic_word"

	// Operations
	OperationEncrypt    = "encrypt"
	OperationDecrypt    = "decrypt"
	OperationCreate     = "create"
	OperationUnwrap     = "unwrap"
	OperationRotate     = "rotate"
	OperationInvalidate = "invalidate"
	OperationUpdate     = "update"

	// Statuses
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// defaultRetention bounds the in-memory event history
const defaultRetention = 1000

// ZerologAuditLogger writes audit events through zerolog and keeps a bounded
// in-memory history that GetEvents can filter.
type ZerologAuditLogger struct {
	logger    zerolog.Logger
	mu        sync.RWMutex
	events    []*types.AuditEvent
	retention int
}

// NewZerologAuditLogger creates an audit logger. retention <= 0 selects the default.
func NewZerologAuditLogger(retention int) *ZerologAuditLogger {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &ZerologAuditLogger{
		logger:    log.With().Str("component", "audit").Logger(),
		retention: retention,
	}
}

// Printf implements the interfaces.AuditLogger interface
func (l *ZerologAuditLogger) Printf(format string, v ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, v...))
}

// LogEvent logs an audit event with its context
func (l *ZerologAuditLogger) LogEvent(ctx context.Context, event *types.AuditEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Context == nil {
		event.Context = make(map[string]string)
	}
	mergeContext(ctx, event)

	logEvent := l.logger.Info()
	if event.Status == StatusFailed {
		logEvent = l.logger.Warn()
	}
	logEvent = logEvent.
		Str("auditId", event.ID).
		Time("timestamp", event.Timestamp).
		Str("eventType", event.EventType).
		Str("operation", event.Operation).
		Str("status", event.Status)
	if event.UserID != "" {
		logEvent = logEvent.Str("userId", event.UserID)
	}
	for k, v := range event.Context {
		if v != "" {
			logEvent = logEvent.Str(k, v)
		}
	}
	logEvent.Msg("Audit event")

	l.mu.Lock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.retention; over > 0 {
		l.events = append([]*types.AuditEvent(nil), l.events[over:]...)
	}
	l.mu.Unlock()
	return nil
}

// GetEvents returns retained events whose fields equal every filter entry.
// Supported filter keys: eventType, operation, status, userId, and any
// context key.
func (l *ZerologAuditLogger) GetEvents(ctx context.Context, filter map[string]interface{}) ([]*types.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*types.AuditEvent
	for _, e := range l.events {
		if matches(e, filter) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matches(e *types.AuditEvent, filter map[string]interface{}) bool {
	for k, want := range filter {
		var got string
		switch k {
		case "eventType":
			got = e.EventType
		case "operation":
			got = e.Operation
		case "status":
			got = e.Status
		case "userId":
			got = e.UserID
		default:
			got = e.Context[k]
		}
		if fmt.Sprint(want) != got {
			return false
		}
	}
	return true
}

func mergeContext(ctx context.Context, event *types.AuditEvent) {
	if ctx == nil {
		return
	}
	for _, key := range contextKeys {
		if val, ok := ctx.Value(key).(string); ok && val != "" {
			if _, set := event.Context[string(key)]; !set {
				event.Context[string(key)] = val
			}
		}
	}
	if event.UserID == "" {
		event.UserID = event.Context[string(KeyUserID)]
	}
}

// WithContext adds collection and field information to the context
func WithContext(ctx context.Context, collection, fieldName string) context.Context {
	ctx = context.WithValue(ctx, KeyCollection, collection)
	ctx = context.WithValue(ctx, KeyFieldName, fieldName)
	return ctx
}

// WithUserContext adds user information to the context
func WithUserContext(ctx context.Context, userID, username string) context.Context {
	if userID != "" {
		ctx = context.WithValue(ctx, KeyUserID, userID)
	}
	if username != "" {
		ctx = context.WithValue(ctx, KeyUsername, username)
	}
	return ctx
}

// WithClientIP adds the caller address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, KeyClientIP, ip)
}

// WithOperation adds operation information to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, KeyOperation, operation)
}

// WithRecordID adds record ID information to the context
func WithRecordID(ctx context.Context, recordID string) context.Context {
	return context.WithValue(ctx, KeyRecordID, recordID)
}

// NewAuditEvent creates a new audit event with essential fields
func NewAuditEvent(eventType, operation string) *types.AuditEvent {
	return &types.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Operation: operation,
		Status:    StatusSuccess,
		Context:   make(map[string]string),
	}
}

// Record builds and logs an event in one call. A nil logger is a no-op and
// logging failures are reported through zerolog only.
func Record(ctx context.Context, logger interfaces.AuditLogger, eventType, operation, userID string, err error, fields map[string]string) {
	if logger == nil {
		return
	}
	event := NewAuditEvent(eventType, operation)
	event.UserID = userID
	for k, v := range fields {
		event.Context[k] = v
	}
	if err != nil {
		event.Status = StatusFailed
		event.Context[string(KeyError)] = err.Error()
	}
	if logErr := logger.LogEvent(ctx, event); logErr != nil {
		log.Error().Err(logErr).Str("eventType", eventType).Msg("Failed to log audit event")
	}
}

// TokenPrefix returns a loggable prefix of a session token
func TokenPrefix(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:10] + "..."
}
