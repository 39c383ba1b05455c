package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithUploader adds uploader_address context to logger.
func (l *Logger) WithUploader(address string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("uploader_address", address).Logger(),
	}
}

// WithSegment adds segment_index context to logger.
func (l *Logger) WithSegment(index uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("segment_index", index).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionStarted logs a session's creation.
func (l *Logger) SessionStarted(sessionID, uploader string, groupCount int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("uploader_address", uploader).
		Int("group_count", groupCount).
		Msg("session started")
}

// SegmentCaptured logs a single segment's hash/encrypt/upload completion.
func (l *Logger) SegmentCaptured(sessionID string, index uint32, size uint64, objectID string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint32("segment_index", index).
		Uint64("size_bytes", size).
		Str("object_id", objectID).
		Msg("segment captured")
}

// SessionProgress logs accumulated segment/merkle progress.
func (l *Logger) SessionProgress(sessionID string, segments int, merkleRoot string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("segments", segments).
		Str("merkle_root", merkleRoot).
		Msg("session progress")
}

// SessionCompleted logs a session reaching `complete`.
func (l *Logger) SessionCompleted(sessionID string, segments int, duration time.Duration, manifestRef string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("segments", segments).
		Float64("duration_seconds", duration.Seconds()).
		Str("manifest_ref", manifestRef).
		Msg("session completed successfully")
}

// SegmentUploadFailed logs a segment exhausting its upload retry budget.
func (l *Logger) SegmentUploadFailed(sessionID string, index uint32, errorMsg string, attempts uint8) {
	l.logger.Error().
		Str("session_id", sessionID).
		Uint32("segment_index", index).
		Str("error_message", errorMsg).
		Uint8("attempts", attempts).
		Msg("segment upload failed")
}

// LedgerUpdateSubmitted logs a ledger commitment being sent.
func (l *Logger) LedgerUpdateSubmitted(sessionID, txID string, merkleRoot string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("tx_id", txID).
		Str("merkle_root", merkleRoot).
		Msg("ledger update submitted")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
