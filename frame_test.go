package elliptec

import (
	"errors"
	"testing"
)

func TestEncodeMoveTruth(t *testing.T) {
	raw, err := Encode(Command{Addr: '0', Op: opMoveAbs, Data: []byte("00003344")})
	if err != nil {
		t.Fatalf("encode error %v", err)
	}
	expected := "0ma00003344\r\n"
	if len(raw) != len(expected) {
		t.Fatalf("frame length, expected %d, got %d", len(expected), len(raw))
	}
	for i := 0; i < len(expected); i++ {
		if raw[i] != expected[i] {
			t.Errorf("byte %d, expected %c, got %c", i, expected[i], raw[i])
		}
	}
}

func TestEncodeVariants(t *testing.T) {
	cases := []struct {
		cmd  Command
		want string
	}{
		{Command{Addr: '0', Op: opIdentify}, "0in\r\n"},
		{Command{Addr: '1', Op: opHome, Data: []byte("1")}, "1ho1\r\n"},
		{Command{Addr: '2', Op: opHome}, "2ho\r\n"},
		{Command{Addr: '0', Op: opChangeAddr, Data: []byte("4")}, "0ca4\r\n"},
		{Command{Addr: 'A', Op: opGetStatus}, "Ags\r\n"},
	}
	for _, c := range cases {
		raw, err := Encode(c.cmd)
		if err != nil {
			t.Errorf("encode %s%s: %v", c.cmd.Addr, c.cmd.Op, err)
			continue
		}
		if string(raw) != c.want {
			t.Errorf("expected %q, got %q", c.want, raw)
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	cases := []Command{
		{Addr: 'G', Op: opIdentify},
		{Addr: '0', Op: "zz"},
		{Addr: '0', Op: opMoveAbs, Data: []byte("1234")},
		{Addr: '0', Op: opHome, Data: []byte("7")},
		{Addr: '0', Op: opChangeAddr, Data: []byte("x")},
		{Addr: '0', Op: opGetStatus, Data: []byte("00")},
	}
	for _, c := range cases {
		if _, err := Encode(c); err == nil {
			t.Errorf("encode %s %q %q did not fail", c.Addr, c.Op, c.Data)
		}
	}
}

func TestEncodePulsesTwosComplement(t *testing.T) {
	cases := []struct {
		in   int32
		want string
	}{
		{0, "00000000"},
		{1, "00000001"},
		{262144, "00040000"},
		{-1, "FFFFFFFF"},
		{-262144, "FFFC0000"},
		{2147483647, "7FFFFFFF"},
		{-2147483648, "80000000"},
	}
	for _, c := range cases {
		got := encodePulses(c.in)
		if string(got) != c.want {
			t.Errorf("encodePulses(%d), expected %s, got %s", c.in, c.want, got)
		}
		// the device firmware rejects lowercase hex
		for _, b := range got {
			if b >= 'a' && b <= 'z' {
				t.Errorf("encodePulses(%d) produced lowercase %q", c.in, got)
				break
			}
		}
		back, err := parsePulses(got)
		if err != nil {
			t.Errorf("parsePulses(%s): %v", got, err)
			continue
		}
		if back != c.in {
			t.Errorf("round trip of %d came back %d", c.in, back)
		}
	}
}

func TestParsePulsesRejects(t *testing.T) {
	if _, err := parsePulses([]byte("1234")); err == nil {
		t.Error("short pulse field accepted")
	}
	if _, err := parsePulses([]byte("0000GGGG")); err == nil {
		t.Error("non-hex pulse field accepted")
	}
}

func TestDecodeStatusReply(t *testing.T) {
	rep, err := Decode([]byte("0GS00\r\n"))
	if err != nil {
		t.Fatalf("decode error %v", err)
	}
	if rep.Addr != Address('0') || rep.Op != repStatus {
		t.Errorf("unexpected reply %s%s", rep.Addr, rep.Op)
	}
	s, err := rep.Status()
	if err != nil {
		t.Fatalf("status error %v", err)
	}
	if s != StatusOK {
		t.Errorf("status, expected OK, got %v", s)
	}
	rep, err = Decode([]byte("2GS09\r\n"))
	if err != nil {
		t.Fatalf("decode error %v", err)
	}
	s, _ = rep.Status()
	if s != StatusBusy {
		t.Errorf("status, expected busy, got %v", s)
	}
	if !s.Recoverable() {
		t.Error("busy not retryable")
	}
}

func TestDecodePositionReply(t *testing.T) {
	rep, err := Decode([]byte("1POFFFC0000\r\n"))
	if err != nil {
		t.Fatalf("decode error %v", err)
	}
	p, err := rep.Position()
	if err != nil {
		t.Fatalf("position error %v", err)
	}
	if p != -262144 {
		t.Errorf("position, expected -262144, got %d", p)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("0GS00"), []byte("0GS00\r")} {
		_, err := Decode(raw)
		var de DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("decode of %q, expected DecodeError, got %v", raw, err)
		}
		if !de.Truncated {
			t.Errorf("decode of %q should be truncated, reason %q", raw, de.Reason)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("0G\r\n"),          // too short for an opcode
		[]byte("zGS00\r\n"),       // address not a hex digit
		[]byte("0XX\r\n"),         // opcode not in the command set
		[]byte("0PO123\r\n"),      // wrong payload width
		[]byte("0POGGGGGGGG\r\n"), // non-hex pulse payload
		[]byte("\r\n"),            // empty body
	}
	for _, raw := range cases {
		_, err := Decode(raw)
		var de DecodeError
		if !errors.As(err, &de) {
			t.Errorf("decode of %q, expected DecodeError, got %v", raw, err)
			continue
		}
		if de.Truncated {
			t.Errorf("decode of %q marked truncated, want malformed", raw)
		}
	}
}

func TestDecodeBareLF(t *testing.T) {
	rep, err := Decode([]byte("0GS00\n"))
	if err != nil {
		t.Fatalf("frame without CR rejected, %v", err)
	}
	if rep.Op != repStatus {
		t.Errorf("unexpected op %s", rep.Op)
	}
}

func TestDecodeNormalizesAddressCase(t *testing.T) {
	rep, err := Decode([]byte("aGS00\r\n"))
	if err != nil {
		t.Fatalf("decode error %v", err)
	}
	if rep.Addr != Address('A') {
		t.Errorf("address, expected A, got %s", rep.Addr)
	}
}

func TestParseAddress(t *testing.T) {
	for _, c := range []byte("0123456789ABCDEF") {
		if _, err := ParseAddress(c); err != nil {
			t.Errorf("address %c rejected", c)
		}
	}
	for _, c := range []byte("abcdef") {
		a, err := ParseAddress(c)
		if err != nil {
			t.Errorf("lowercase address %c rejected", c)
			continue
		}
		if byte(a) != c-'a'+'A' {
			t.Errorf("lowercase %c normalized to %s", c, a)
		}
	}
	for _, c := range []byte{'G', 'g', ' ', 0} {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("address %q accepted", c)
		}
	}
}

func TestStatusErrNilOnOK(t *testing.T) {
	if err := StatusErr('0', StatusOK); err != nil {
		t.Errorf("status 0 produced error %v", err)
	}
	err := StatusErr('3', StatusMechTimeout)
	if err == nil {
		t.Fatal("nonzero status produced no error")
	}
	var se StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if se.Addr != Address('3') || se.Code != StatusMechTimeout {
		t.Errorf("unexpected fields %s %d", se.Addr, se.Code)
	}
}
