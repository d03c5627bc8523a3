// Package stream exposes a chunked response body as a pull-based sequence of
// decoded text fragments.
package stream

import (
	"context"
	"io"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultReadSize is the largest fragment a Handle reads at once.
const DefaultReadSize = 4 << 10

// Handle is a lazy, single-consumption sequence of text fragments read from a
// transport body. It is finite and cannot be restarted.
//
// Next and Cancel may be called from different goroutines; Next itself must
// have a single caller.
type Handle struct {
	body   io.ReadCloser
	frags  chan string
	done   chan struct{}
	cancel sync.Once

	// err is written by the reader goroutine before frags is closed.
	err error
}

// Option configures a Handle.
type Option func(*options)

type options struct {
	readSize int
}

// WithReadSize sets the read buffer size.
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// Open starts consuming body. The handle owns body and closes it when the
// stream ends or is cancelled.
func Open(body io.ReadCloser, opts ...Option) *Handle {
	o := options{readSize: DefaultReadSize}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle{
		body:  body,
		frags: make(chan string),
		done:  make(chan struct{}),
	}
	go h.pump(o.readSize)
	return h
}

func (h *Handle) pump(readSize int) {
	defer close(h.frags)
	defer h.body.Close()

	// The decoder holds back a rune split across two reads and replaces
	// invalid bytes with U+FFFD.
	reader := transform.NewReader(h.body, unicode.UTF8.NewDecoder())
	buf := make([]byte, readSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			select {
			case h.frags <- string(buf[:n]):
			case <-h.done:
				h.err = io.EOF
				return
			}
		}
		if err != nil {
			select {
			case <-h.done:
				// Reads fail once Cancel closes the body; that is not an error.
				h.err = io.EOF
			default:
				h.err = err
			}
			return
		}
	}
}

// Next blocks until a fragment is available. It returns io.EOF once the body
// has ended or the handle was cancelled, and keeps returning it afterwards.
// A transport error is returned as is, on this and every later call.
//
// If ctx ends first the handle is cancelled and ctx.Err() is returned.
func (h *Handle) Next(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return "", io.EOF
	default:
	}

	select {
	case frag, ok := <-h.frags:
		if !ok {
			return "", h.err
		}
		return frag, nil
	case <-h.done:
		return "", io.EOF
	case <-ctx.Done():
		h.Cancel()
		return "", ctx.Err()
	}
}

// Cancel releases the transport immediately. Pending and future Next calls
// return io.EOF. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel.Do(func() {
		close(h.done)
		h.body.Close()
	})
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
