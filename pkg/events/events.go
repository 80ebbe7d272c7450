// Package events reports user-visible, non-fatal conditions.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thepwagner/appcenter/pkg/app"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

type Event struct {
	Time     time.Time
	Severity Severity
	// App is the app the event is about, if any.
	App *app.App
	Err error
}

type Reporter interface {
	Report(e Event)
}

// Func adapts a function to a Reporter.
type Func func(e Event)

func (f Func) Report(e Event) {
	f(e)
}

// Log reports events to a logger.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) Report(e Event) {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	attrs := []any{slog.Any("error", e.Err)}
	if e.App != nil {
		attrs = append(attrs, slog.String("app", e.App.UniqueID()))
	}
	l.log.Log(context.Background(), level, "event", attrs...)
}

// Recent keeps the last events for inspection and forwards them to next.
type Recent struct {
	next Reporter
	size int

	mu     sync.Mutex
	events []Event
}

func NewRecent(size int, next Reporter) *Recent {
	return &Recent{next: next, size: size}
}

func (r *Recent) Report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > r.size {
		r.events = r.events[len(r.events)-r.size:]
	}
	r.mu.Unlock()
	if r.next != nil {
		r.next.Report(e)
	}
}

func (r *Recent) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
