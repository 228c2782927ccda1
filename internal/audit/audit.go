// Package audit appends one JSON line per query request to an audit log.
package audit

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MinJustificationLength is the shortest justification Record accepts, in
// characters.
const MinJustificationLength = 20

// ActionReadQuery is recorded for every query submitted for checking.
const ActionReadQuery = "read_query"

// ErrJustificationTooShort rejects entries that do not explain their intent.
var ErrJustificationTooShort = fmt.Errorf("justification must be at least %d characters", MinJustificationLength)

var errActorRequired = errors.New("actor_id is required")

// Entry is one audited action. Record adds the timestamp.
type Entry struct {
	ActorID       string
	Action        string
	Target        string
	Justification string
}

// Logger writes audit entries.
type Logger struct {
	log *zap.Logger
}

// New opens an audit log appending to path. Each record is a single JSON
// object with actor_id, action, target, justification and an ISO-8601
// timestamp.
func New(path string) (*Logger, error) {
	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:    "json",
		OutputPaths: []string{path},
		// Errors writing the log itself go to stderr.
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:    "timestamp",
			EncodeTime: zapcore.ISO8601TimeEncoder,
			LineEnding: zapcore.DefaultLineEnding,
		},
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log '%s': %w", path, err)
	}
	return &Logger{log: log}, nil
}

// Nop returns a Logger that validates entries and discards them.
func Nop() *Logger {
	return &Logger{log: zap.NewNop()}
}

// Record validates e and writes it.
func (l *Logger) Record(e Entry) error {
	if e.ActorID == "" {
		return errActorRequired
	}
	if utf8.RuneCountInString(e.Justification) < MinJustificationLength {
		return ErrJustificationTooShort
	}

	l.log.Info("",
		zap.String("actor_id", e.ActorID),
		zap.String("action", e.Action),
		zap.String("target", e.Target),
		zap.String("justification", e.Justification),
	)
	return nil
}

// Close flushes buffered records.
func (l *Logger) Close() error {
	return l.log.Sync()
}
