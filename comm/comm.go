/*Package comm provides line-oriented communication over byte channels.

A LineChannel wraps an already-open io.ReadWriteCloser (a serial port,
a net.Conn, a loopback pipe in tests) and deals in whole frames delimited
by a terminator byte.  Reads carry an explicit per-call timeout even when
the underlying transport has no deadline support; this is done with an
internal reader goroutine that owns the transport's read side for the
lifetime of the channel.

LineChannel knows nothing about the content of frames and applies no retry
policy.  Callers that need retries build them on top.
*/
package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// frames larger than this are assumed to be line garbage and the
	// accumulator is flushed
	maxBacklog = 512

	// paced writes put one byte on the wire per millisecond
	pacedInterval = time.Millisecond
)

var (
	// ErrTimeout is generated when no complete frame arrives within the
	// read deadline
	ErrTimeout = errors.New("timeout waiting for frame terminator")

	// ErrClosed is generated when the channel is closed or the underlying
	// transport has failed
	ErrClosed = errors.New("channel closed")
)

// LineChannel provides framed access to a byte channel.  It is safe for
// use by multiple goroutines, though reads and writes are expected to be
// externally serialized by whatever owns the channel.
type LineChannel struct {
	rwc  io.ReadWriteCloser
	term byte

	frames chan []byte
	reset  chan struct{}
	quit   chan struct{}
	done   chan struct{}

	limiter *rate.Limiter
	once    sync.Once

	mu      sync.Mutex
	readErr error
	paced   bool
}

// NewLineChannel wraps an open transport.  term is the final byte of every
// frame, '\n' for CR LF protocols.
func NewLineChannel(rwc io.ReadWriteCloser, term byte) *LineChannel {
	lc := &LineChannel{
		rwc:     rwc,
		term:    term,
		frames:  make(chan []byte, 8),
		reset:   make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(pacedInterval), 1),
	}
	go lc.pump()
	return lc
}

// pump owns rwc's read side.  It splits the byte stream on the terminator
// and hands complete frames to ReadFrame.
func (lc *LineChannel) pump() {
	var acc []byte
	buf := make([]byte, 256)
	for {
		n, err := lc.rwc.Read(buf)
		if n > 0 {
			select {
			case <-lc.reset:
				// a read deadline expired since the last byte arrived;
				// whatever was accumulated belongs to a dead transaction
				acc = acc[:0]
			default:
			}
			acc = append(acc, buf[:n]...)
			for {
				i := bytes.IndexByte(acc, lc.term)
				if i < 0 {
					break
				}
				frame := make([]byte, i+1)
				copy(frame, acc[:i+1])
				acc = append(acc[:0], acc[i+1:]...)
				select {
				case lc.frames <- frame:
				case <-lc.quit:
					lc.exit(ErrClosed)
					return
				}
			}
			if len(acc) > maxBacklog {
				acc = acc[:0]
			}
		}
		if err != nil {
			if n == 0 && errors.Is(err, io.EOF) {
				// a serial port with a read timeout set returns 0, io.EOF
				// when the line sits idle past the timeout (tarm/serial's
				// POSIX contract); that is a poll result, not a failure
				select {
				case <-lc.quit:
					lc.exit(ErrClosed)
					return
				default:
					continue
				}
			}
			lc.exit(err)
			return
		}
	}
}

func (lc *LineChannel) exit(err error) {
	lc.mu.Lock()
	lc.readErr = err
	lc.mu.Unlock()
	close(lc.done)
}

// ReadFrame blocks until a complete frame (terminator included) is
// available or the timeout elapses.  On timeout any partial frame already
// received is discarded; it cannot be safely joined with bytes from a
// later read.
func (lc *LineChannel) ReadFrame(timeout time.Duration) ([]byte, error) {
	select {
	case f := <-lc.frames:
		return f, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-lc.frames:
		return f, nil
	case <-lc.done:
		return nil, lc.closedErr()
	case <-timer.C:
		select {
		case lc.reset <- struct{}{}:
		default:
		}
		return nil, ErrTimeout
	}
}

// WriteFrame writes one frame to the transport.  The frame is expected to
// already carry its terminator.
func (lc *LineChannel) WriteFrame(p []byte) error {
	lc.mu.Lock()
	dead := lc.readErr != nil
	paced := lc.paced
	lc.mu.Unlock()
	if dead {
		return lc.closedErr()
	}
	if !paced {
		if _, err := lc.rwc.Write(p); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil
	}
	for i := range p {
		if err := lc.limiter.Wait(context.Background()); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if _, err := lc.rwc.Write(p[i : i+1]); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	return nil
}

// Drain discards any frames already buffered and any partial frame in
// flight, returning the number of whole frames dropped.
func (lc *LineChannel) Drain() int {
	n := 0
	for {
		select {
		case <-lc.frames:
			n++
		default:
			select {
			case lc.reset <- struct{}{}:
			default:
			}
			return n
		}
	}
}

// SetPaced switches the channel in or out of paced-write mode.  Some
// modules drop characters when written at full host rate; pacing writes
// one byte per millisecond, which those modules reliably receive.
func (lc *LineChannel) SetPaced(on bool) {
	lc.mu.Lock()
	lc.paced = on
	lc.mu.Unlock()
}

// Paced reports whether paced-write mode is engaged.
func (lc *LineChannel) Paced() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.paced
}

// Close shuts down the transport.  Pending and future reads and writes
// fail with ErrClosed.
func (lc *LineChannel) Close() error {
	var err error
	lc.once.Do(func() {
		close(lc.quit)
		err = lc.rwc.Close()
	})
	return err
}

func (lc *LineChannel) closedErr() error {
	lc.mu.Lock()
	err := lc.readErr
	lc.mu.Unlock()
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
