// Package audio provides ordered PCM chunk sources and WAV helpers.
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the number of bytes forwarded to a recognizer per send.
const DefaultChunkSize = 4096

var (
	// ErrSourceClosed is returned when pushing to a closed FrameSource.
	ErrSourceClosed = errors.New("audio source closed")
	// ErrSourceFull is returned by TryPush when the consumer has fallen a
	// whole buffer behind.
	ErrSourceFull = errors.New("audio source buffer full")
)

// Source yields raw PCM chunks in capture order. Next returns io.EOF once the
// capture has ended.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// ReaderSource splits a reader into chunks of a fixed size. The final chunk
// may be shorter.
type ReaderSource struct {
	r    io.Reader
	size int
}

func NewReaderSource(r io.Reader, size int) *ReaderSource {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ReaderSource{r: r, size: size}
}

func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, err
	}
}

// FrameSource is fed by a producer goroutine (a socket reader, a bus
// subscription) and drained by a session.
type FrameSource struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func NewFrameSource(buffer int) *FrameSource {
	if buffer <= 0 {
		buffer = 1
	}
	return &FrameSource{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Push queues a chunk, blocking while the buffer is full.
func (f *FrameSource) Push(ctx context.Context, chunk []byte) error {
	select {
	case <-f.done:
		return ErrSourceClosed
	default:
	}
	select {
	case f.frames <- chunk:
		return nil
	case <-f.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush queues a chunk without waiting for the consumer.
func (f *FrameSource) TryPush(chunk []byte) error {
	select {
	case <-f.done:
		return ErrSourceClosed
	default:
	}
	select {
	case f.frames <- chunk:
		return nil
	default:
		return ErrSourceFull
	}
}

// Close ends the capture. Chunks already queued are still delivered.
func (f *FrameSource) Close() {
	f.CloseWithError(nil)
}

// CloseWithError ends the capture; once queued chunks are drained Next
// returns err instead of io.EOF.
func (f *FrameSource) CloseWithError(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *FrameSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-f.frames:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		select {
		case chunk := <-f.frames:
			return chunk, nil
		default:
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
}

type fixedSource struct {
	src  Source
	size int
	buf  []byte
	eof  bool
}

// Fixed re-chunks src so every chunk except possibly the last is exactly size
// bytes.
func Fixed(src Source, size int) Source {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &fixedSource{src: src, size: size}
}

func (f *fixedSource) Next(ctx context.Context) ([]byte, error) {
	for !f.eof && len(f.buf) < f.size {
		chunk, err := f.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			f.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
		f.buf = append(f.buf, chunk...)
	}
	if len(f.buf) == 0 {
		return nil, io.EOF
	}
	n := min(f.size, len(f.buf))
	out := make([]byte, n)
	copy(out, f.buf[:n])
	f.buf = append(f.buf[:0], f.buf[n:]...)
	return out, nil
}
