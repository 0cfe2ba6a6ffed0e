// Package audit logs AUTH, PLAY, and key-derivation events to a
// pluggable sink, redacting the raw device identifier and derived key
// from any logged metadata.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenchrcum/abby/internal/config"
)

// EventType identifies the kind of broker/playback event being logged.
type EventType string

const (
	// EventTypeAuth represents an AUTH command attempt.
	EventTypeAuth EventType = "auth"
	// EventTypePlay represents a PLAY authorization decision.
	EventTypePlay EventType = "play"
	// EventTypeDecryptAuthFailure represents a chunk that failed AEAD
	// authentication during playback.
	EventTypeDecryptAuthFailure EventType = "decrypt_auth_failure"
	// EventTypeKeyDerivation represents a device-bound key derivation.
	EventTypeKeyDerivation EventType = "key_derivation"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	SessionID  string                 `json:"session_id,omitempty"`
	DeviceID   string                 `json:"device_id,omitempty"`
	TrackCode  string                 `json:"track_code,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogAuth logs an AUTH command attempt.
	LogAuth(sessionID, remoteAddr string, success bool, reason string, err error, duration time.Duration)

	// LogPlay logs a PLAY authorization decision.
	LogPlay(sessionID, deviceID, trackCode string, success bool, reason string, err error, duration time.Duration)

	// LogDecryptAuthFailure logs a chunk that failed AEAD authentication.
	LogDecryptAuthFailure(sessionID, trackCode string, chunkIndex uint32, err error)

	// LogKeyDerivation logs a device-bound key derivation, with the
	// raw device id and derived key always redacted from metadata.
	LogKeyDerivation(sessionID string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// defaultRedactKeys are always redacted regardless of configuration,
// since logging them anywhere would defeat the hardware-binding model.
var defaultRedactKeys = []string{"device_id", "derived_key", "raw_device_id"}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	redact := append(append([]string{}, defaultRedactKeys...), cfg.RedactMetadataKeys...)
	return NewLoggerWithRedaction(cfg.MaxEvents, writer, redact), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if l.maxEvents > 0 && len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}

	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}

	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogAuth logs an AUTH command attempt.
func (l *auditLogger) LogAuth(sessionID, remoteAddr string, success bool, reason string, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeAuth,
		Operation:  "auth",
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Reason:     reason,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogPlay logs a PLAY authorization decision (granted or denied at any
// of the four authorization gate checks).
func (l *auditLogger) LogPlay(sessionID, deviceID, trackCode string, success bool, reason string, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypePlay,
		Operation: "play",
		SessionID: sessionID,
		DeviceID:  deviceID,
		TrackCode: trackCode,
		Reason:    reason,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogDecryptAuthFailure logs a chunk that failed AEAD authentication,
// the terminal event for a playback session.
func (l *auditLogger) LogDecryptAuthFailure(sessionID, trackCode string, chunkIndex uint32, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeDecryptAuthFailure,
		Operation: "decrypt_auth_failure",
		SessionID: sessionID,
		TrackCode: trackCode,
		Success:   false,
		Metadata:  map[string]interface{}{"chunk_index": chunkIndex},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyDerivation logs a device-bound key derivation. The raw device
// id and derived key are never attached to this event; callers must
// not pass them through metadata either, though redaction would strip
// them if they did.
func (l *auditLogger) LogKeyDerivation(sessionID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeKeyDerivation,
		Operation: "key_derivation",
		SessionID: sessionID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
