package elliptec

import (
	"fmt"
	"strconv"
)

// Frames are ASCII: one address digit, a two character opcode, a fixed
// width payload when the opcode carries one, CR LF.
const (
	termCR = '\r'
	termLF = '\n'
)

// Host to module opcodes.  The protocol uses lowercase for requests and
// uppercase for replies.
const (
	opIdentify    = "in"
	opMotorInfo1  = "i1"
	opMotorInfo2  = "i2"
	opGetStatus   = "gs"
	opSearchFreq1 = "s1"
	opSearchFreq2 = "s2"
	opSearchFreq3 = "s3"
	opSaveUser    = "us"
	opChangeAddr  = "ca"
	opGroupAddr   = "ga"
	opClean       = "cm"
	opOptimize    = "om"
	opStopClean   = "st"
	opHome        = "ho"
	opHomeOffset  = "go"
	opJogStep     = "gj"
	opGetPos      = "gp"
	opMoveAbs     = "ma"
	opMoveRel     = "mr"
)

// Module to host opcodes.
const (
	repIdentity   = "IN"
	repStatus     = "GS"
	repPosition   = "PO"
	repHomeOffset = "HO"
	repJogStep    = "GJ"
	repMotorInfo1 = "I1"
	repMotorInfo2 = "I2"
)

// payloadWidths gives the exact payload length in bytes for every opcode
// in the command set.  Frames of any other shape do not decode.  "ho" is
// the one exception, see payloadWidthOK: the direction byte is optional.
var payloadWidths = map[string]int{
	opIdentify: 0, opMotorInfo1: 0, opMotorInfo2: 0, opGetStatus: 0,
	opSearchFreq1: 0, opSearchFreq2: 0, opSearchFreq3: 0, opSaveUser: 0,
	opClean: 0, opOptimize: 0, opStopClean: 0,
	opHomeOffset: 0, opJogStep: 0, opGetPos: 0,
	opChangeAddr: 1, opGroupAddr: 1, opHome: 1,
	opMoveAbs: 8, opMoveRel: 8,
	repIdentity: 30, repStatus: 2, repPosition: 8, repHomeOffset: 8,
	repJogStep: 8, repMotorInfo1: 22, repMotorInfo2: 22,
}

// opcodes whose payload is pure hexadecimal
var hexPayload = map[string]bool{
	opMoveAbs: true, opMoveRel: true,
	repStatus: true, repPosition: true, repHomeOffset: true, repJogStep: true,
}

func payloadWidthOK(op string, n int) bool {
	if op == opHome {
		return n == 0 || n == 1
	}
	w, ok := payloadWidths[op]
	return ok && n == w
}

// validPayload checks an opcode's payload beyond its width: hex fields
// hold hex, address arguments are addresses, home directions are 0 or 1.
// The width has already been checked when this runs.
func validPayload(op string, data []byte) error {
	if hexPayload[op] {
		for _, b := range data {
			if !ishexdigit(b) {
				return fmt.Errorf("non-hex byte %q in %s payload", b, op)
			}
		}
	}
	switch op {
	case opChangeAddr, opGroupAddr:
		if _, err := ParseAddress(data[0]); err != nil {
			return err
		}
	case opHome:
		if len(data) == 1 && data[0] != '0' && data[0] != '1' {
			return fmt.Errorf("home direction must be 0 or 1")
		}
	}
	return nil
}

// Address identifies one module on the shared line, a single hexadecimal
// digit '0' through 'F'.
type Address byte

// ParseAddress validates a module address.  Lowercase hex digits are
// accepted and normalized to uppercase.
func ParseAddress(c byte) (Address, error) {
	switch {
	case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
		return Address(c), nil
	case c >= 'a' && c <= 'f':
		return Address(c - 'a' + 'A'), nil
	}
	return 0, fmt.Errorf("invalid module address %q", c)
}

func (a Address) String() string {
	return string(byte(a))
}

// Command is one outgoing request to a single module.
type Command struct {
	Addr Address
	Op   string
	Data []byte
}

// Reply is one parsed frame received from a module.
type Reply struct {
	Addr Address
	Op   string
	Data []byte
}

// Position decodes a signed pulse payload (PO, HO, GJ, or an echoed move).
func (r Reply) Position() (int32, error) {
	return parsePulses(r.Data)
}

// Status decodes the code carried by a GS reply.
func (r Reply) Status() (Status, error) {
	if r.Op != repStatus {
		return 0, fmt.Errorf("reply %s%s does not carry a status code", r.Addr, r.Op)
	}
	u, err := strconv.ParseUint(string(r.Data), 16, 8)
	if err != nil {
		return 0, DecodeError{Reason: "status code not hexadecimal"}
	}
	return Status(u), nil
}

// DecodeError describes a frame that could not be parsed.  A truncated
// frame lacks its terminator; anything else unparseable is malformed.
type DecodeError struct {
	Truncated bool
	Reason    string
}

func (e DecodeError) Error() string {
	if e.Truncated {
		return "truncated frame: " + e.Reason
	}
	return "malformed frame: " + e.Reason
}

// Encode renders a command in wire format.
func Encode(c Command) ([]byte, error) {
	addr, err := ParseAddress(byte(c.Addr))
	if err != nil {
		return nil, err
	}
	if _, ok := payloadWidths[c.Op]; !ok {
		return nil, fmt.Errorf("unknown opcode %q", c.Op)
	}
	if !payloadWidthOK(c.Op, len(c.Data)) {
		return nil, fmt.Errorf("opcode %s: payload must be %d bytes, have %d",
			c.Op, payloadWidths[c.Op], len(c.Data))
	}
	if err := validPayload(c.Op, c.Data); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 3+len(c.Data)+2)
	frame = append(frame, byte(addr))
	frame = append(frame, c.Op...)
	frame = append(frame, c.Data...)
	frame = append(frame, termCR, termLF)
	return frame, nil
}

// Decode parses one received frame.  A syntactically valid frame carrying
// a device fault (a GS reply with a nonzero code) decodes successfully;
// interpreting the code is the caller's concern.
func Decode(raw []byte) (Reply, error) {
	body := raw
	if len(body) == 0 || body[len(body)-1] != termLF {
		return Reply{}, DecodeError{Truncated: true, Reason: "missing terminator"}
	}
	body = body[:len(body)-1]
	if n := len(body); n > 0 && body[n-1] == termCR {
		body = body[:n-1]
	}
	if len(body) < 3 {
		return Reply{}, DecodeError{Reason: "frame shorter than address and opcode"}
	}
	addr, err := ParseAddress(body[0])
	if err != nil {
		return Reply{}, DecodeError{Reason: err.Error()}
	}
	op := string(body[1:3])
	data := body[3:]
	if _, ok := payloadWidths[op]; !ok {
		return Reply{}, DecodeError{Reason: "unknown opcode " + op}
	}
	if !payloadWidthOK(op, len(data)) {
		return Reply{}, DecodeError{Reason: fmt.Sprintf("opcode %s: bad payload length %d", op, len(data))}
	}
	if err := validPayload(op, data); err != nil {
		return Reply{}, DecodeError{Reason: err.Error()}
	}
	d := make([]byte, len(data))
	copy(d, data)
	return Reply{Addr: addr, Op: op, Data: d}, nil
}

func ishexdigit(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'A' && b <= 'F' || b >= 'a' && b <= 'f'
}

// encodePulses renders a signed pulse count as the 8 digit uppercase
// two's-complement hex field the modules expect.  Lowercase hex is
// rejected by the device firmware.
func encodePulses(v int32) []byte {
	return []byte(fmt.Sprintf("%08X", uint32(v)))
}

func parsePulses(b []byte) (int32, error) {
	if len(b) != 8 {
		return 0, DecodeError{Reason: fmt.Sprintf("pulse field must be 8 bytes, have %d", len(b))}
	}
	u, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, DecodeError{Reason: "pulse field not hexadecimal"}
	}
	return int32(u), nil
}
