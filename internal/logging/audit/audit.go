// Package audit records the publish and purge events of a run as structured
// log entries with a stable event_type field.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Logger provides structured audit logging for events that change published or
// live data.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing through logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func levelFor(result string) zerolog.Level {
	if result == ResultFailed {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogPublish logs an archive write.
// path: the file written
// stamp: the date stamp of the snapshot
// bytes: encoded archive size
// result: ResultOK or ResultFailed
// details: error message for failures
func (l *Logger) LogPublish(path, stamp string, bytes int, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "publish").
		Str("path", path).
		Str("stamp", stamp).
		Int("bytes", bytes).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Archive publish event")
}

// LogMirror logs an upload of a published file to url.
func (l *Logger) LogMirror(url, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "mirror").
		Str("url", url).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Archive mirror event")
}

// LogPurge logs the outcome of clearing one live collection.
// collection: the collection purged
// deleted: documents deleted before the purge ended
// rounds: batches committed
// result: ResultOK, ResultFailed or ResultSkipped
// details: error message for failures
func (l *Logger) LogPurge(collection string, deleted, rounds int, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "purge").
		Str("collection", collection).
		Int("deleted", deleted).
		Int("rounds", rounds).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Collection purge event")
}
