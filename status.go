package elliptec

import "fmt"

// Status is a module status code, reported in the two hex digits of a GS
// reply.  A GS reply also clears the module's error register.
type Status int

// Status codes from the module command reference.
const (
	StatusOK Status = iota
	StatusCommTimeout
	StatusMechTimeout
	StatusCommandErr
	StatusValueOutOfRange
	StatusIsolated
	StatusOutOfIsolation
	StatusInitError
	StatusThermalError
	StatusBusy
	StatusSensorError
	StatusMotorError
	StatusOutOfRange
	StatusOverCurrent
	StatusGeneralError
)

// statusDescriptions maps module status codes to the strings in the
// vendor manual.
var statusDescriptions = map[Status]string{
	StatusOK:              "OK, no error",
	StatusCommTimeout:     "Communication timeout",
	StatusMechTimeout:     "Mechanical timeout",
	StatusCommandErr:      "Command error or not supported",
	StatusValueOutOfRange: "Value out of range",
	StatusIsolated:        "Module isolated",
	StatusOutOfIsolation:  "Module out of isolation",
	StatusInitError:       "Initializing error",
	StatusThermalError:    "Thermal error",
	StatusBusy:            "Busy",
	StatusSensorError:     "Sensor error",
	StatusMotorError:      "Motor error",
	StatusOutOfRange:      "Out of range",
	StatusOverCurrent:     "Over current error",
	StatusGeneralError:    "Reserved",
}

func (s Status) String() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return fmt.Sprintf("reserved status %d", int(s))
}

// recoverableStatus marks the faults a re-sent command may clear.  Any
// other nonzero code is surfaced immediately; retrying an unsupported or
// out-of-range command cannot help.
var recoverableStatus = map[Status]bool{
	StatusCommTimeout: true,
	StatusMechTimeout: true,
	StatusBusy:        true,
}

// Recoverable reports whether retrying the command may clear this fault.
func (s Status) Recoverable() bool {
	return recoverableStatus[s]
}

// StatusError is a fault reported by a module in a GS reply.
type StatusError struct {
	Addr Address
	Code Status
}

func (e StatusError) Error() string {
	return fmt.Sprintf("module %s: %s (status %d)", e.Addr, e.Code, int(e.Code))
}

// StatusErr converts a reported status code to an error.  Code zero maps
// to nil.
func StatusErr(addr Address, s Status) error {
	if s == StatusOK {
		return nil
	}
	return StatusError{Addr: addr, Code: s}
}
