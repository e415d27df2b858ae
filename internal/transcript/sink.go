package transcript

import (
	"context"
	"sync"
)

// DefaultPlaceholder is shown before the first update of a session.
const DefaultPlaceholder = "Listening..."

// Latest keeps only the most recent display string. It is safe for one writer
// and any number of readers.
type Latest struct {
	mu      sync.RWMutex
	current Update
	count   int
}

// NewLatest returns a sink that reports placeholder until the first update.
func NewLatest(placeholder string) *Latest {
	return &Latest{current: Update{Text: placeholder}}
}

func (l *Latest) Update(_ context.Context, u Update) error {
	l.mu.Lock()
	l.current = u
	l.count++
	l.mu.Unlock()
	return nil
}

// Value returns the string currently on display.
func (l *Latest) Value() Update {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Count returns how many updates have been rendered.
func (l *Latest) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

type multiSink []Sink

// Multi delivers every update to each sink in order, stopping at the first
// error. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Update(ctx context.Context, u Update) error {
	for _, s := range m {
		if err := s.Update(ctx, u); err != nil {
			return err
		}
	}
	return nil
}
