package elliptec

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// how many status polls a simulated cleaning cycle stays busy for
const mockCleanPolls = 2

// mockModule is the device-side state of one simulated module.
type mockModule struct {
	part     int
	serial   string
	pos      int32 // device pulses
	homed    bool
	status   Status
	silent   int      // commands to eat before answering again
	faults   []Status // one-shot fault replies
	misstep  int32    // added to the next position report only
	cleaning int      // busy polls left in a maintenance cycle
	homeOff  int32
	jog      int32
}

func (m *mockModule) report() int32 {
	p := m.pos + m.misstep
	m.misstep = 0
	return p
}

/*MockBank emulates a chain of modules behind one serial line.

It implements io.ReadWriteCloser, so the entire stack, line channel,
codec, bus and Controller, runs against it byte for byte, paced writes
included.  Faults are injected per module: swallowed commands, one-shot
error replies, and misreported settling positions.
*/
type MockBank struct {
	mu      sync.Mutex
	cond    *sync.Cond
	mods    map[Address]*mockModule
	partial []byte
	rx      []byte
	traffic []string
	closed  bool
}

// NewMockBank builds a bank from address to part number, for example
// map[Address]int{'0': 14, '1': 9}.
func NewMockBank(parts map[Address]int) *MockBank {
	b := &MockBank{mods: make(map[Address]*mockModule)}
	b.cond = sync.NewCond(&b.mu)
	i := 0
	for addr, part := range parts {
		a, err := ParseAddress(byte(addr))
		if err != nil {
			continue
		}
		b.mods[a] = &mockModule{
			part:   part,
			serial: fmt.Sprintf("%02d%06d", part%100, i),
			jog:    1024,
		}
		i++
	}
	return b
}

// Silence makes the module at addr swallow its next n commands.
func (b *MockBank) Silence(addr Address, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mods[addr]; ok {
		m.silent = n
	}
}

// InjectFault queues a one-shot error reply for the module at addr.
func (b *MockBank) InjectFault(addr Address, code Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mods[addr]; ok {
		m.faults = append(m.faults, code)
	}
}

// MisreportNext skews the module's next position report by pulses
// without moving it.
func (b *MockBank) MisreportNext(addr Address, pulses int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mods[addr]; ok {
		m.misstep = pulses
	}
}

// Pulses returns the true device position of the module at addr.
func (b *MockBank) Pulses(addr Address) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mods[addr]; ok {
		return m.pos
	}
	return 0
}

// Traffic returns every complete command frame received so far.
func (b *MockBank) Traffic() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.traffic...)
}

func (b *MockBank) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		frame := append([]byte(nil), b.partial[:i+1]...)
		b.partial = b.partial[i+1:]
		b.handle(frame)
	}
	return len(p), nil
}

func (b *MockBank) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.rx) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.rx) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.rx)
	b.rx = b.rx[n:]
	return n, nil
}

func (b *MockBank) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// reply queues an outgoing frame.  Callers hold b.mu.
func (b *MockBank) reply(addr Address, op string, payload string) {
	raw, err := Encode(Command{Addr: addr, Op: op, Data: []byte(payload)})
	if err != nil {
		return
	}
	b.rx = append(b.rx, raw...)
	b.cond.Broadcast()
}

func (b *MockBank) handle(frame []byte) {
	b.traffic = append(b.traffic, string(frame))
	cmd, err := Decode(frame)
	if err != nil {
		return
	}
	m, ok := b.mods[cmd.Addr]
	if !ok {
		return
	}
	if m.silent > 0 {
		m.silent--
		return
	}
	if len(m.faults) > 0 {
		code := m.faults[0]
		m.faults = m.faults[1:]
		b.reply(cmd.Addr, repStatus, fmt.Sprintf("%02X", int(code)))
		return
	}
	typ := stageTypes[m.part]
	switch cmd.Op {
	case opIdentify:
		b.reply(cmd.Addr, repIdentity, b.identity(m, typ))
	case opGetStatus:
		if m.cleaning > 0 {
			m.cleaning--
			if m.cleaning > 0 {
				b.reply(cmd.Addr, repStatus, "09")
				return
			}
		}
		b.reply(cmd.Addr, repStatus, fmt.Sprintf("%02X", int(m.status)))
		m.status = StatusOK
	case opGetPos:
		b.reply(cmd.Addr, repPosition, fmt.Sprintf("%08X", uint32(m.report())))
	case opMoveAbs:
		v, err := parsePulses(cmd.Data)
		if err != nil {
			b.reply(cmd.Addr, repStatus, "03")
			return
		}
		m.pos = v
		b.reply(cmd.Addr, repPosition, fmt.Sprintf("%08X", uint32(m.report())))
	case opMoveRel:
		v, err := parsePulses(cmd.Data)
		if err != nil {
			b.reply(cmd.Addr, repStatus, "03")
			return
		}
		m.pos += v
		b.reply(cmd.Addr, repPosition, fmt.Sprintf("%08X", uint32(m.report())))
	case opHome:
		m.pos = 0
		m.homed = true
		b.reply(cmd.Addr, repPosition, "00000000")
	case opChangeAddr:
		naddr, err := ParseAddress(cmd.Data[0])
		if err != nil {
			b.reply(cmd.Addr, repStatus, "03")
			return
		}
		delete(b.mods, cmd.Addr)
		b.mods[naddr] = m
		b.reply(naddr, repStatus, "00")
	case opGroupAddr:
		gaddr, err := ParseAddress(cmd.Data[0])
		if err != nil {
			b.reply(cmd.Addr, repStatus, "03")
			return
		}
		b.reply(gaddr, repStatus, "00")
	case opSaveUser, opSearchFreq1, opSearchFreq2, opSearchFreq3:
		b.reply(cmd.Addr, repStatus, "00")
	case opClean, opOptimize:
		if !typ.cleaning {
			b.reply(cmd.Addr, repStatus, "03")
			return
		}
		m.cleaning = mockCleanPolls
		b.reply(cmd.Addr, repStatus, "09")
	case opStopClean:
		m.cleaning = 0
		b.reply(cmd.Addr, repStatus, "00")
	case opHomeOffset:
		b.reply(cmd.Addr, repHomeOffset, fmt.Sprintf("%08X", uint32(m.homeOff)))
	case opJogStep:
		b.reply(cmd.Addr, repJogStep, fmt.Sprintf("%08X", uint32(m.jog)))
	case opMotorInfo1:
		b.reply(cmd.Addr, repMotorInfo1, "11074AFFFFFFFF05C202E1")
	case opMotorInfo2:
		b.reply(cmd.Addr, repMotorInfo2, "11074AFFFFFFFF05C805CE")
	default:
		b.reply(cmd.Addr, repStatus, "03")
	}
}

// identity renders the module's IN payload.
func (b *MockBank) identity(m *mockModule, typ stageType) string {
	travel, pulses := 0, 0
	switch typ.class {
	case ClassRotary:
		travel, pulses = 360, 262144
	case ClassLinear:
		travel, pulses = 60, 2048
	case ClassIndexed:
		travel = (typ.maxIndex + 1) * 31
	}
	return fmt.Sprintf("%02X%s%s%s%s%04X%08X", m.part, m.serial, "2021", "17", "01", travel, pulses)
}
