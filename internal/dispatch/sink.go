package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink sends one rendered message to one recipient. A nil error means ok;
// errors wrapped with Permanent are not retried; anything else is transient.
type Sink interface {
	Send(ctx context.Context, recipient, text string) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// LogEntry 测试模式下记录的一条通知
type LogEntry struct {
	Recipient string
	Text      string
	SentAt    time.Time
}

// LogSink is the test-mode sink: an append-only log, nothing leaves the process.
type LogSink struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []LogEntry
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = append(s.entries, LogEntry{Recipient: recipient, Text: text, SentAt: time.Now()})
	s.mu.Unlock()

	s.logger.Info("Notification (test mode)",
		zap.String("recipient", recipient),
		zap.String("text", text))
	return nil
}

// Entries returns a copy of everything sent so far.
func (s *LogSink) Entries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
