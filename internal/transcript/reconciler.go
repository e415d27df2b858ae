// Package transcript turns a stream of recognition results into the strings a
// display should render.
//
// A recognition backend reports two kinds of results: interim results, which
// may still be revised, and final results, which are settled. The Reconciler
// keeps the finalized text of the current segment and produces exactly one
// display string for every non-empty result:
//
//	interim: committed + text + " (Interim)"
//	final:   committed + text + " ", after which committed is reset
package transcript

import (
	"context"
	"errors"
	"io"
	"iter"
)

// InterimSuffix marks a display string that is still awaiting finalization.
const InterimSuffix = " (Interim)"

// Event is a single result reported by a recognition backend. An event with
// empty Text carried no alternatives and is ignored.
type Event struct {
	Text       string
	Final      bool
	Confidence float64
}

// Empty reports whether the event carries no recognized text.
func (e Event) Empty() bool {
	return e.Text == ""
}

// Update is a display-ready transcript string. Confidence is the backend's
// score for the result that produced it, zero when the backend gave none.
type Update struct {
	Text       string
	Final      bool
	Confidence float64
}

// Reconciler accumulates finalized text for one recognition session. The zero
// value is ready to use. A Reconciler must not be shared between sessions or
// goroutines.
type Reconciler struct {
	committed string
}

// Apply consumes one event. It returns false for empty events, which produce
// no display string.
func (r *Reconciler) Apply(e Event) (Update, bool) {
	if e.Empty() {
		return Update{}, false
	}
	if !e.Final {
		return Update{Text: r.committed + e.Text + InterimSuffix, Confidence: e.Confidence}, true
	}
	r.committed += e.Text + " "
	out := Update{Text: r.committed, Final: true, Confidence: e.Confidence}
	r.committed = ""
	return out, true
}

// Committed returns the finalized text not yet emitted.
func (r *Reconciler) Committed() string {
	return r.committed
}

// Source yields recognition events in order. Recv returns io.EOF once the
// backend has closed the stream; any other error is terminal.
type Source interface {
	Recv() (Event, error)
}

// Sink renders display strings. Each call replaces whatever was shown before.
type Sink interface {
	Update(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Update(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// Stream pulls events from src one at a time and yields one update per
// non-empty event. Iteration ends cleanly when src returns io.EOF. A backend
// error or context cancellation is yielded once as the final element, unchanged.
func Stream(ctx context.Context, src Source) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		var r Reconciler
		for {
			if err := ctx.Err(); err != nil {
				yield(Update{}, err)
				return
			}
			evt, err := src.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Update{}, err)
				return
			}
			u, ok := r.Apply(evt)
			if !ok {
				continue
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// Run drains src into sink and returns the number of updates delivered. The
// error from src or sink is returned as is; uncommitted text is dropped.
func Run(ctx context.Context, src Source, sink Sink) (int, error) {
	delivered := 0
	for u, err := range Stream(ctx, src) {
		if err != nil {
			return delivered, err
		}
		if err := sink.Update(ctx, u); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
