package elliptec

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Class is the motion family of a module type.
type Class int

const (
	ClassUnknown Class = iota
	ClassLinear        // positions in mm
	ClassRotary        // positions in deg
	ClassIndexed       // discrete ports
)

func (c Class) String() string {
	switch c {
	case ClassLinear:
		return "linear"
	case ClassRotary:
		return "rotary"
	case ClassIndexed:
		return "indexed"
	}
	return "unknown"
}

// Units returns the physical unit positions are expressed in.
func (c Class) Units() string {
	switch c {
	case ClassLinear:
		return "mm"
	case ClassRotary:
		return "deg"
	case ClassIndexed:
		return "port"
	}
	return "pulse"
}

// Position tolerances for verified moves.  A reported position further
// from the target than this is treated as a failed move and retried.
const (
	degTolerance = 0.1
	mmTolerance  = 0.05
)

// stageType carries the per-part-number constants fixed at probe time.
type stageType struct {
	class    Class
	cleaning bool // supports the cm, om and st commands
	motors   int  // resonant motors to frequency-search
	pitch    int  // indexed: pulse field value per port index
	maxIndex int  // indexed: highest valid port
}

// stageTypes maps ELLxx part numbers to their constants.  The indexed
// sliders have no pulses-per-unit; they take a raw pulse field of
// index*pitch and snap it to the nearest port themselves.
var stageTypes = map[int]stageType{
	6:  {class: ClassIndexed, motors: 1, pitch: 32, maxIndex: 1}, // ELL6 shutter
	7:  {class: ClassLinear, motors: 2},                          // ELL7 linear stage
	8:  {class: ClassRotary, motors: 2},                          // ELL8 rotation stage
	9:  {class: ClassIndexed, motors: 1, pitch: 32, maxIndex: 3}, // ELL9 filter slider
	10: {class: ClassLinear, motors: 2},                          // ELL10 linear stage
	12: {class: ClassIndexed, motors: 1, pitch: 20, maxIndex: 5}, // ELL12 six position slider
	14: {class: ClassRotary, cleaning: true, motors: 2},          // ELL14 rotation mount
	17: {class: ClassLinear, cleaning: true, motors: 2},          // ELL17 linear stage
	18: {class: ClassRotary, cleaning: true, motors: 2},          // ELL18 rotation stage
	20: {class: ClassLinear, cleaning: true, motors: 2},          // ELL20 linear stage
}

// scaleFor derives pulses per physical unit.  Rotary scale factors are
// pulses per revolution over 360; linear ones are pulses per mm directly.
// Indexed and unknown modules are left at raw pulses.
func scaleFor(class Class, pulses int) float64 {
	switch class {
	case ClassRotary:
		return float64(pulses) / 360
	case ClassLinear:
		return float64(pulses)
	}
	return 1
}

/*Info is a module's identity, parsed from the identify reply.

Reply payload layout, after the address and "IN":

	| 0-1 | 2-9 | 10-13 | 14-15 | 16-17 | 18-21  | 22-29  |
	| ELL | SN  | YEAR  | FWREL | HWREL | TRAVEL | PULSES |

ELL, TRAVEL and PULSES are hexadecimal; SN and YEAR are decimal digits.
The high bit of HWREL flags an imperial thread, the rest is the hardware
release.
*/
type Info struct {
	Addr         Address
	PartNumber   int
	SerialNumber string
	Year         int
	Firmware     string // two release digits, "17" reads as 1.7
	Hardware     int
	Imperial     bool
	Travel       int // mm or deg of mechanical travel
	Pulses       int // pulses per mm, or per revolution for rotary
	Class        Class
}

// Model returns the part name, e.g. ELL14.
func (i Info) Model() string {
	return fmt.Sprintf("ELL%d", i.PartNumber)
}

func parseInfo(r Reply) (Info, error) {
	if r.Op != repIdentity {
		return Info{}, fmt.Errorf("reply %s%s is not an identity", r.Addr, r.Op)
	}
	d := r.Data
	part, err := strconv.ParseUint(string(d[0:2]), 16, 8)
	if err != nil {
		return Info{}, fmt.Errorf("identity part number: %v", err)
	}
	year, err := strconv.Atoi(string(d[10:14]))
	if err != nil {
		return Info{}, fmt.Errorf("identity year: %v", err)
	}
	hw, err := strconv.ParseUint(string(d[16:18]), 16, 8)
	if err != nil {
		return Info{}, fmt.Errorf("identity hardware release: %v", err)
	}
	travel, err := strconv.ParseUint(string(d[18:22]), 16, 16)
	if err != nil {
		return Info{}, fmt.Errorf("identity travel: %v", err)
	}
	pulses, err := strconv.ParseUint(string(d[22:30]), 16, 32)
	if err != nil {
		return Info{}, fmt.Errorf("identity pulse count: %v", err)
	}
	return Info{
		Addr:         r.Addr,
		PartNumber:   int(part),
		SerialNumber: string(d[2:10]),
		Year:         year,
		Firmware:     string(d[14:16]),
		Hardware:     int(hw & 0x7f),
		Imperial:     hw&0x80 != 0,
		Travel:       int(travel),
		Pulses:       int(pulses),
		Class:        stageTypes[int(part)].class,
	}, nil
}

// Motor parameter scaling from the command reference: drive current in
// 1/1866ths of an amp, drive periods as a divisor of a 14.74 MHz clock.
const (
	currentPointsPerAmp = 1866
	periodClock         = 14740000
)

// MotorInfo is the parsed reply to an i1 or i2 query.
type MotorInfo struct {
	Motor          int // 1 or 2
	LoopOn         bool
	MotorOn        bool
	Current        float64 // A
	RampUp         int     // PWM increase per ms, 0xFFFF if undefined
	RampDown       int
	ForwardPeriod  float64 // Hz
	BackwardPeriod float64 // Hz
}

func parseMotorInfo(r Reply) (MotorInfo, error) {
	var motor int
	switch r.Op {
	case repMotorInfo1:
		motor = 1
	case repMotorInfo2:
		motor = 2
	default:
		return MotorInfo{}, fmt.Errorf("reply %s%s is not motor info", r.Addr, r.Op)
	}
	d := r.Data
	fields := make([]int, 5)
	for i, span := range [][2]int{{2, 6}, {6, 10}, {10, 14}, {14, 18}, {18, 22}} {
		v, err := strconv.ParseUint(string(d[span[0]:span[1]]), 16, 16)
		if err != nil {
			return MotorInfo{}, fmt.Errorf("motor info field %d: %v", i, err)
		}
		fields[i] = int(v)
	}
	mi := MotorInfo{
		Motor:    motor,
		LoopOn:   d[0] == '1',
		MotorOn:  d[1] == '1',
		Current:  float64(fields[0]) / currentPointsPerAmp,
		RampUp:   fields[1],
		RampDown: fields[2],
	}
	if fields[3] != 0 {
		mi.ForwardPeriod = periodClock / float64(fields[3])
	}
	if fields[4] != 0 {
		mi.BackwardPeriod = periodClock / float64(fields[4])
	}
	return mi, nil
}

// State is the caller-visible lifecycle of one device.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateMoving
	StateError
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateMoving:
		return "moving"
	case StateError:
		return "error"
	}
	return "uninitialized"
}

/*Device is the registry record for one module on the line.

Identity (Info) is fixed when the module is probed.  Position, homing and
calibration state change only from validated replies or explicit offset
updates, never speculatively; reads are safe from any goroutine.
*/
type Device struct {
	info  Info
	typ   stageType
	scale float64

	mu     sync.Mutex
	offset float64
	homed  bool
	pos    float64
	state  State
}

func newDevice(info Info) *Device {
	return &Device{
		info:  info,
		typ:   stageTypes[info.PartNumber],
		scale: scaleFor(info.Class, info.Pulses),
		state: StateReady,
	}
}

// Info returns the probe-time identity.
func (d *Device) Info() Info {
	return d.info
}

// Offset returns the calibration offset in physical units.
func (d *Device) Offset() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// Homed reports whether the module has established its home reference.
func (d *Device) Homed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.homed
}

// Position returns the last validated position in physical units.
func (d *Device) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// State returns the device's lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setOffset(v float64) {
	d.mu.Lock()
	d.offset = v
	d.mu.Unlock()
}

func (d *Device) setHomed(homed bool) {
	d.mu.Lock()
	d.homed = homed
	d.mu.Unlock()
}

func (d *Device) setPos(v float64) {
	d.mu.Lock()
	d.pos = v
	d.mu.Unlock()
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// pulses converts a physical-unit value to device pulses, rounding half
// to even.
func (d *Device) pulses(v float64) int32 {
	return int32(math.RoundToEven(v * d.scale))
}

// units converts device pulses to physical units.
func (d *Device) units(p int32) float64 {
	return float64(p) / d.scale
}

// tolerance is the acceptable miss between a commanded and a reported
// position for this device's class.
func (d *Device) tolerance() float64 {
	switch d.info.Class {
	case ClassRotary:
		return degTolerance
	case ClassLinear:
		return mmTolerance
	}
	return 0.5
}

// logical converts a raw pulse field to the device coordinate, before any
// calibration offset.  Indexed sliders report index*pitch rather than a
// scaled position.
func (d *Device) logical(p int32) float64 {
	if d.info.Class == ClassIndexed && d.typ.pitch > 0 {
		return float64(p) / float64(d.typ.pitch)
	}
	return d.units(p)
}

// moveField renders a device-coordinate target as the pulse field of an
// absolute move, range checked against the module's travel.
func (d *Device) moveField(target float64) ([]byte, error) {
	switch d.info.Class {
	case ClassIndexed:
		idx := int(math.RoundToEven(target))
		if idx < 0 || idx > d.typ.maxIndex {
			return nil, ErrOutOfTravel{Addr: d.info.Addr, Value: target, Max: float64(d.typ.maxIndex)}
		}
		return encodePulses(int32(idx * d.typ.pitch)), nil
	case ClassRotary:
		if target < 0 || target >= 360 {
			return nil, ErrOutOfTravel{Addr: d.info.Addr, Value: target, Max: 360}
		}
	case ClassLinear:
		if target < 0 || target > float64(d.info.Travel) {
			return nil, ErrOutOfTravel{Addr: d.info.Addr, Value: target, Max: float64(d.info.Travel)}
		}
	default:
		// no travel table for the class, so bound by the field itself
		if r := math.RoundToEven(target * d.scale); r < math.MinInt32 || r > math.MaxInt32 {
			return nil, ErrOutOfTravel{Addr: d.info.Addr, Value: target, Max: math.MaxInt32}
		}
	}
	return encodePulses(d.pulses(target)), nil
}

// DeviceStatus is a point-in-time snapshot of one module.
type DeviceStatus struct {
	Addr     Address
	Model    string
	Class    Class
	Code     Status
	State    State
	Homed    bool
	Position float64
	Offset   float64
}

func (d *Device) snapshot(code Status) DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStatus{
		Addr:     d.info.Addr,
		Model:    d.info.Model(),
		Class:    d.info.Class,
		Code:     code,
		State:    d.state,
		Homed:    d.homed,
		Position: d.pos,
		Offset:   d.offset,
	}
}

// ErrUnknownAddress is generated when an operation names an address the
// registry has no record of.
type ErrUnknownAddress struct {
	Addr Address
}

func (e ErrUnknownAddress) Error() string {
	return fmt.Sprintf("no module at address %s", e.Addr)
}

// ErrCountMismatch is generated when parallel address and value slices
// disagree in length.
type ErrCountMismatch struct {
	Addrs  int
	Values int
}

func (e ErrCountMismatch) Error() string {
	return fmt.Sprintf("%d addresses but %d values", e.Addrs, e.Values)
}

// ErrNotHomed is generated when a move is requested from a device that
// has not established its home reference; absolute positions would be
// meaningless.
type ErrNotHomed struct {
	Addr Address
}

func (e ErrNotHomed) Error() string {
	return fmt.Sprintf("module %s has not been homed", e.Addr)
}

// ErrUnsupported is generated when a command does not apply to a module's
// class, for example a cleaning cycle on a stage without one.
type ErrUnsupported struct {
	Addr Address
	Op   string
}

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("module %s: %s not supported for this module type", e.Addr, e.Op)
}

// ErrOutOfTravel is generated when a target lies outside the module's
// mechanical range.
type ErrOutOfTravel struct {
	Addr  Address
	Value float64
	Max   float64
}

func (e ErrOutOfTravel) Error() string {
	return fmt.Sprintf("module %s: target %g outside [0, %g]", e.Addr, e.Value, e.Max)
}

// PositionError is generated when a move completes but the module reports
// settling further from the target than the class tolerance, even after
// the configured number of re-commands.
type PositionError struct {
	Addr   Address
	Target float64
	Got    float64
}

func (e PositionError) Error() string {
	return fmt.Sprintf("module %s: settled at %g, wanted %g", e.Addr, e.Got, e.Target)
}

// registry tracks the modules discovered on one line.  Address lookups
// are lock-free; mutable per-device state is guarded by each Device.
type registry struct {
	devices *xsync.MapOf[Address, *Device]
}

func newRegistry() *registry {
	return &registry{devices: xsync.NewMapOf[Address, *Device]()}
}

func (r *registry) get(a Address) (*Device, error) {
	// keys are stored wire-normalized; accept the same lowercase input
	// ParseAddress accepts everywhere else
	key, err := ParseAddress(byte(a))
	if err != nil {
		return nil, ErrUnknownAddress{Addr: a}
	}
	if d, ok := r.devices.Load(key); ok {
		return d, nil
	}
	return nil, ErrUnknownAddress{Addr: a}
}

func (r *registry) put(d *Device) {
	r.devices.Store(d.info.Addr, d)
}

// rekey moves a record to a new address after a successful ca command.
func (r *registry) rekey(old, naddr Address) error {
	d, err := r.get(old)
	if err != nil {
		return err
	}
	info := d.info
	info.Addr = naddr
	nd := newDevice(info)
	d.mu.Lock()
	nd.offset = d.offset
	nd.homed = d.homed
	nd.pos = d.pos
	nd.state = d.state
	d.mu.Unlock()
	r.devices.Delete(d.info.Addr)
	r.devices.Store(naddr, nd)
	return nil
}

// all returns every known device in ascending address order.
func (r *registry) all() []*Device {
	var out []*Device
	r.devices.Range(func(_ Address, d *Device) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].info.Addr < out[j].info.Addr })
	return out
}
