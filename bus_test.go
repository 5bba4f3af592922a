package elliptec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/oplab/elliptec/comm"
)

// scriptedLine is the device side of the wire.  Each complete command
// frame written to it consumes the next canned response; a nil response
// is silence.
type scriptedLine struct {
	mu      sync.Mutex
	cond    *sync.Cond
	partial []byte
	frames  []string
	queue   [][]byte
	rx      []byte
	closed  bool
}

func newScript(replies ...[]byte) *scriptedLine {
	s := &scriptedLine{queue: replies}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scriptedLine) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		frame := string(s.partial[:i+1])
		s.partial = s.partial[i+1:]
		s.frames = append(s.frames, frame)
		if len(s.queue) > 0 {
			rep := s.queue[0]
			s.queue = s.queue[1:]
			if rep != nil {
				s.rx = append(s.rx, rep...)
				s.cond.Broadcast()
			}
		}
	}
	return len(p), nil
}

func (s *scriptedLine) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.rx) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.rx) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.rx)
	s.rx = s.rx[n:]
	return n, nil
}

func (s *scriptedLine) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *scriptedLine) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, AttemptTimeout: 40 * time.Millisecond}
}

func testBus(t *testing.T, s *scriptedLine, pol Policy) (*Bus, *comm.LineChannel) {
	t.Helper()
	ch := comm.NewLineChannel(s, '\n')
	t.Cleanup(func() { ch.Close() })
	return newBus(ch, pol), ch
}

func TestDoReturnsReply(t *testing.T) {
	s := newScript([]byte("0GS00\r\n"))
	b, _ := testBus(t, s, testPolicy())
	rep, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus})
	if err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if rep.Op != repStatus || string(rep.Data) != "00" {
		t.Errorf("unexpected reply %s%s%s", rep.Addr, rep.Op, rep.Data)
	}
	sent := s.sent()
	if len(sent) != 1 || sent[0] != "0gs\r\n" {
		t.Errorf("wire traffic, expected one gs frame, got %q", sent)
	}
}

func TestRetryBoundExact(t *testing.T) {
	s := newScript(nil, nil, nil)
	b, _ := testBus(t, s, testPolicy())
	_, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus})
	if err == nil {
		t.Fatal("silent module produced no error")
	}
	var ex ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if ex.Attempts != 3 {
		t.Errorf("attempts, expected 3, got %d", ex.Attempts)
	}
	if !errors.Is(err, comm.ErrTimeout) {
		t.Errorf("last failure should unwrap to the timeout, got %v", ex.Last)
	}
	if n := len(s.sent()); n != 3 {
		t.Errorf("writes, expected exactly 3, got %d", n)
	}
}

// serialLine mimics the read contract of a real port: reads poll and
// come back with 0, io.EOF when the line sits idle past the port's
// read timeout.  Commands to address '1' draw a status reply; every
// other address stays silent.
type serialLine struct {
	mu      sync.Mutex
	partial []byte
	frames  []string
	rx      []byte
	closed  bool
}

func (s *serialLine) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		frame := string(s.partial[:i+1])
		s.partial = s.partial[i+1:]
		s.frames = append(s.frames, frame)
		if frame[0] == '1' {
			s.rx = append(s.rx, "1GS00\r\n"...)
		}
	}
	return len(p), nil
}

func (s *serialLine) Read(p []byte) (int, error) {
	deadline := time.Now().Add(10 * time.Millisecond)
	for {
		s.mu.Lock()
		if len(s.rx) > 0 {
			n := copy(p, s.rx)
			s.rx = s.rx[n:]
			s.mu.Unlock()
			return n, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed || time.Now().After(deadline) {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *serialLine) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *serialLine) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestSilentAddressDoesNotPoisonLine(t *testing.T) {
	s := &serialLine{}
	ch := comm.NewLineChannel(s, '\n')
	t.Cleanup(func() { ch.Close() })
	b := newBus(ch, testPolicy())
	_, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus})
	var ex ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if ex.Attempts != 3 {
		t.Errorf("attempts, expected 3, got %d", ex.Attempts)
	}
	if !errors.Is(err, comm.ErrTimeout) {
		t.Errorf("last failure should unwrap to the timeout, got %v", ex.Last)
	}
	if n := len(s.sent()); n != 3 {
		t.Errorf("writes, expected exactly 3, got %d", n)
	}
	// the silence must cost the transaction, not the channel
	rep, err := b.Do(context.Background(), Command{Addr: '1', Op: opGetStatus})
	if err != nil {
		t.Fatalf("transaction after a silent module, error %v", err)
	}
	if rep.Addr != Address('1') || rep.Op != repStatus {
		t.Errorf("unexpected reply %s%s%s", rep.Addr, rep.Op, rep.Data)
	}
}

func TestFatalStatusSingleAttempt(t *testing.T) {
	s := newScript([]byte("0GS03\r\n"), []byte("0GS03\r\n"))
	b, _ := testBus(t, s, testPolicy())
	_, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus})
	var se StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T %v", err, err)
	}
	if se.Code != StatusCommandErr {
		t.Errorf("code, expected %d, got %d", StatusCommandErr, se.Code)
	}
	if n := len(s.sent()); n != 1 {
		t.Errorf("a fatal fault must not be retried, got %d writes", n)
	}
}

func TestRecoverableStatusRetried(t *testing.T) {
	s := newScript([]byte("0GS09\r\n"), []byte("0PO00001000\r\n"))
	b, _ := testBus(t, s, testPolicy())
	rep, err := b.Do(context.Background(), Command{Addr: '0', Op: opMoveAbs, Data: []byte("00001000")})
	if err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if rep.Op != repPosition {
		t.Errorf("reply op, expected PO, got %s", rep.Op)
	}
	if n := len(s.sent()); n != 2 {
		t.Errorf("writes, expected 2, got %d", n)
	}
}

func TestCrossTalkDiscarded(t *testing.T) {
	s := newScript([]byte("1GS00\r\n3PO00000000\r\n0GS00\r\n"))
	b, _ := testBus(t, s, testPolicy())
	rep, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus})
	if err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if rep.Addr != Address('0') {
		t.Errorf("reply address, expected 0, got %s", rep.Addr)
	}
	if n := len(s.sent()); n != 1 {
		t.Errorf("discarding cross-talk must not consume attempts, got %d writes", n)
	}
}

func TestMalformedReplyRetried(t *testing.T) {
	s := newScript([]byte("0??garbage\r\n"), []byte("0GS00\r\n"))
	b, _ := testBus(t, s, testPolicy())
	if _, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus}); err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if n := len(s.sent()); n != 2 {
		t.Errorf("writes, expected 2, got %d", n)
	}
}

func TestPacedEscalationSticky(t *testing.T) {
	s := newScript(nil, []byte("0GS00\r\n"), []byte("0GS00\r\n"))
	b, ch := testBus(t, s, testPolicy())
	if ch.Paced() {
		t.Fatal("channel paced before any timeout")
	}
	if _, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus}); err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if !ch.Paced() {
		t.Error("timeout did not engage paced writes")
	}
	if _, err := b.Do(context.Background(), Command{Addr: '0', Op: opGetStatus}); err != nil {
		t.Fatalf("second transaction error %v", err)
	}
	if !ch.Paced() {
		t.Error("paced mode must stay on once engaged")
	}
}

func TestContextCanceledBetweenAttempts(t *testing.T) {
	s := newScript(nil, nil, nil)
	b, _ := testBus(t, s, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := b.Do(ctx, Command{Addr: '0', Op: opGetStatus})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// the in-flight read still ran to its own timeout
	if n := len(s.sent()); n != 1 {
		t.Errorf("writes, expected 1, got %d", n)
	}
}

func TestDoExpectAcceptsNewAddress(t *testing.T) {
	s := newScript([]byte("4GS00\r\n"))
	b, _ := testBus(t, s, testPolicy())
	cmd := Command{Addr: '0', Op: opChangeAddr, Data: []byte("4")}
	rep, err := b.DoExpect(context.Background(), cmd, Address('4'), testPolicy())
	if err != nil {
		t.Fatalf("transaction error %v", err)
	}
	if rep.Addr != Address('4') {
		t.Errorf("reply address, expected 4, got %s", rep.Addr)
	}
	sent := s.sent()
	if len(sent) != 1 || sent[0] != "0ca4\r\n" {
		t.Errorf("wire traffic, got %q", sent)
	}
}

func TestEncodeErrorWritesNothing(t *testing.T) {
	s := newScript()
	b, _ := testBus(t, s, testPolicy())
	if _, err := b.Do(context.Background(), Command{Addr: '0', Op: "zz"}); err == nil {
		t.Fatal("unknown opcode accepted")
	}
	if n := len(s.sent()); n != 0 {
		t.Errorf("invalid command reached the wire, %d writes", n)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{comm.ErrTimeout, true},
		{DecodeError{Truncated: true, Reason: "missing terminator"}, true},
		{DecodeError{Reason: "unknown opcode"}, true},
		{StatusError{Addr: '0', Code: StatusCommTimeout}, true},
		{StatusError{Addr: '0', Code: StatusMechTimeout}, true},
		{StatusError{Addr: '0', Code: StatusBusy}, true},
		{StatusError{Addr: '0', Code: StatusCommandErr}, false},
		{StatusError{Addr: '0', Code: StatusValueOutOfRange}, false},
		{StatusError{Addr: '0', Code: StatusMotorError}, false},
		{comm.ErrClosed, false},
		{io.ErrClosedPipe, false},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := retryable(c.err); got != c.want {
			t.Errorf("retryable(%v), expected %t, got %t", c.err, c.want, got)
		}
	}
}
