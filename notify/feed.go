// Package notify carries human-readable progress and error messages from the core
// to whoever displays them (the game overlay polls the feed over HTTP). It is a
// one-way sink: nothing in the core waits on it.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Notifier receives operator-facing messages.
type Notifier interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Message is one entry in the feed.
type Message struct {
	Seq   uint64    `json:"seq"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

const defaultFeedSize = 200

// Feed logs every message through slog and keeps the most recent ones for display.
type Feed struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	buf  []Message
	size int
	seq  uint64
}

// NewFeed returns a feed retaining up to size messages (200 when size <= 0).
func NewFeed(size int, clock clockwork.Clock) *Feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Feed{
		clock:  clock,
		logger: slog.Default().With(slog.String("component", "notify")),
		size:   size,
	}
}

func (f *Feed) Info(msg string) {
	f.logger.Info(msg)
	f.push(LevelInfo, msg)
}

func (f *Feed) Warn(msg string) {
	f.logger.Warn(msg)
	f.push(LevelWarn, msg)
}

func (f *Feed) Error(msg string) {
	f.logger.Error(msg)
	f.push(LevelError, msg)
}

func (f *Feed) push(level Level, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.buf = append(f.buf, Message{Seq: f.seq, Level: level, Text: text, Time: f.clock.Now().UTC()})
	if len(f.buf) > f.size {
		drop := len(f.buf) - f.size
		f.buf = append(f.buf[:0:0], f.buf[drop:]...)
	}
}

// Since returns messages with Seq greater than after, oldest first.
func (f *Feed) Since(after uint64) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.buf))
	for _, m := range f.buf {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Info(string)  {}
func (Discard) Warn(string)  {}
func (Discard) Error(string) {}
