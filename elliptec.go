/*Package elliptec drives chains of Thorlabs Elliptec resonant-motor
stages sharing one serial line.

Each module on the line owns a single hex digit address and speaks a
compact ASCII framing, lowercase opcodes in, uppercase out.  The package
is split in three layers: a stateless frame codec, a line channel that
turns the byte stream into whole frames (comm), and a bus that owns the
write-and-read discipline for one command at a time, including retries,
cross-talk rejection and escalation to paced writes for modules that
drop characters at full line rate.  The Controller sits on top, tracks
the modules found on the line, and exposes calibrated, verified motion.

Positions are physical units at the API: degrees for rotation mounts,
millimeters for linear stages, port index for the sliders.  Conversions
to device pulses round half to even.
*/
package elliptec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/tarm/serial"

	"github.com/oplab/elliptec/comm"
)

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides the default transaction policy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.pol = p }
}

// WithMotionTimeout sets the per-attempt reply budget for commands that
// only answer once motion completes (homes, moves, frequency searches).
func WithMotionTimeout(d time.Duration) Option {
	return func(c *Controller) { c.motionTimeout = d }
}

// WithMoveRetries sets how many times a verified move is re-commanded
// when the module settles out of tolerance.  The initial command is
// always issued; zero disables re-commanding only.
func WithMoveRetries(n int) Option {
	return func(c *Controller) {
		if n < 0 {
			n = 0
		}
		c.moveRetries = n
	}
}

// WithMoveTolerance replaces the per-class settling tolerance.
func WithMoveTolerance(tol float64) Option {
	return func(c *Controller) { c.tolerance = tol }
}

// WithFrequencySearch makes Probe re-tune the motors of every module it
// identifies.
func WithFrequencySearch() Option {
	return func(c *Controller) { c.searchOnProbe = true }
}

// WithHomeOnProbe makes Probe home every module it identifies.
func WithHomeOnProbe() Option {
	return func(c *Controller) { c.homeOnProbe = true }
}

// WithHomeCounterClockwise reverses the homing direction of rotary
// modules.
func WithHomeCounterClockwise() Option {
	return func(c *Controller) { c.homeCCW = true }
}

// WithCleanPollInterval sets how often a waiting maintenance command
// polls the module for completion.
func WithCleanPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.cleanPoll = d }
}

// Controller is the facade over one chain of modules.  Its methods are
// safe for concurrent use; the bus underneath serializes the line.
type Controller struct {
	ch  *comm.LineChannel
	bus *Bus
	reg *registry

	pol           Policy
	motionTimeout time.Duration
	cleanPoll     time.Duration
	moveRetries   int
	tolerance     float64
	searchOnProbe bool
	homeOnProbe   bool
	homeCCW       bool
}

// New wraps an open byte channel.  No traffic is generated until the
// line is probed.
func New(rwc io.ReadWriteCloser, opts ...Option) *Controller {
	c := &Controller{
		pol:           DefaultPolicy(),
		motionTimeout: 10 * time.Second,
		cleanPoll:     2 * time.Second,
		moveRetries:   5,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ch = comm.NewLineChannel(rwc, termLF)
	c.bus = newBus(c.ch, c.pol)
	c.reg = newRegistry()
	return c
}

// Open connects to the serial port the module chain hangs off of.
func Open(port string, opts ...Option) (*Controller, error) {
	conn, err := serial.OpenPort(makeSerConf(port))
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

func (c *Controller) motionPolicy() Policy {
	p := c.pol
	p.AttemptTimeout = c.motionTimeout
	return p
}

func oneShot(p Policy) Policy {
	p.MaxAttempts = 1
	p.Backoff = nil
	return p
}

// Probe identifies the module at addr and adds it to the registry.  The
// optional probe behaviors (frequency search, homing) run before the
// module is registered; a module that fails them stays unknown.
func (c *Controller) Probe(ctx context.Context, addr Address) (Info, error) {
	a, err := ParseAddress(byte(addr))
	if err != nil {
		return Info{}, err
	}
	rep, err := c.bus.Do(ctx, Command{Addr: a, Op: opIdentify})
	if err != nil {
		return Info{}, err
	}
	info, err := parseInfo(rep)
	if err != nil {
		return Info{}, err
	}
	dev := newDevice(info)
	if c.searchOnProbe && dev.typ.motors > 0 {
		if err := c.searchFrequency(ctx, dev); err != nil {
			return Info{}, err
		}
	}
	if c.homeOnProbe {
		if err := c.home(ctx, dev); err != nil {
			return Info{}, err
		}
	}
	c.reg.put(dev)
	return info, nil
}

// Discover probes every given address.  Modules that answer are
// registered; failures are reported per address without aborting the
// sweep.
func (c *Controller) Discover(ctx context.Context, addrs ...Address) ([]Info, map[Address]error) {
	sorted := append([]Address(nil), addrs...)
	// probe low addresses first; modules late in the chain can miss
	// queries sent while an earlier module still holds the line
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var infos []Info
	failures := make(map[Address]error)
	for _, a := range sorted {
		if err := ctx.Err(); err != nil {
			failures[a] = err
			continue
		}
		info, err := c.Probe(ctx, a)
		if err != nil {
			failures[a] = err
			continue
		}
		infos = append(infos, info)
	}
	return infos, failures
}

// Info returns the identity of a registered module.
func (c *Controller) Info(addr Address) (Info, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return Info{}, err
	}
	return d.Info(), nil
}

// Devices lists every registered module in address order.
func (c *Controller) Devices() []*Device {
	return c.reg.all()
}

// GetPosition asks the module where it is.  The reply also refreshes the
// cached position.
func (c *Controller) GetPosition(ctx context.Context, addr Address) (float64, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return 0, err
	}
	rep, err := c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opGetPos})
	if err != nil {
		return 0, err
	}
	return c.notePosition(d, rep)
}

// notePosition folds a position report into the cache, returning the
// calibrated position.
func (c *Controller) notePosition(d *Device, rep Reply) (float64, error) {
	if rep.Op != repPosition {
		return 0, fmt.Errorf("module %s: expected a position, got %s", rep.Addr, rep.Op)
	}
	p, err := rep.Position()
	if err != nil {
		return 0, err
	}
	pos := d.logical(p) - d.Offset()
	d.setPos(pos)
	return pos, nil
}

// settled extracts the position a motion command ended at.  Moves answer
// with a position when done; a bare all-clear means done with no report,
// so ask.
func (c *Controller) settled(ctx context.Context, d *Device, rep Reply) (float64, error) {
	if rep.Op == repStatus {
		var err error
		rep, err = c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opGetPos})
		if err != nil {
			return 0, err
		}
	}
	return c.notePosition(d, rep)
}

// MoveAbsolute drives the module to an uncalibrated physical position:
// degrees for rotary modules, millimeters for linear ones, port index
// for sliders.  The calibration offset does not apply; CalMove is the
// calibrated variant.  Moves are refused until the module has homed;
// without the home reference the reported positions do not correspond
// to anything physical.
func (c *Controller) MoveAbsolute(ctx context.Context, addr Address, target float64) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if d.info.Class == ClassIndexed {
		return c.indexMove(ctx, d, int(math.RoundToEven(target)))
	}
	if !d.Homed() {
		return ErrNotHomed{Addr: d.info.Addr}
	}
	return c.moveTo(ctx, d, target)
}

// MoveRelative shifts the module by delta from wherever it is now.  The
// position read and the move are two separate transactions; traffic
// squeezed in between by another caller lands in the result.
func (c *Controller) MoveRelative(ctx context.Context, addr Address, delta float64) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if d.info.Class != ClassIndexed && !d.Homed() {
		return ErrNotHomed{Addr: d.info.Addr}
	}
	pos, err := c.GetPosition(ctx, addr)
	if err != nil {
		return err
	}
	return c.MoveAbsolute(ctx, addr, pos+d.Offset()+delta)
}

// moveTo issues a verified absolute move to a physical-frame target.
// The settling report is checked against the class tolerance and the
// move re-commanded when it lands wide; the resonant drives settle
// short under load.
func (c *Controller) moveTo(ctx context.Context, d *Device, device float64) error {
	field, err := d.moveField(device)
	if err != nil {
		return err
	}
	tol := c.tolerance
	if tol <= 0 {
		tol = d.tolerance()
	}
	d.setState(StateMoving)
	var got float64
	for try := 0; try <= c.moveRetries; try++ {
		rep, err := c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: opMoveAbs, Data: field}, c.motionPolicy())
		if err != nil {
			d.setState(StateError)
			return err
		}
		pos, err := c.settled(ctx, d, rep)
		if err != nil {
			d.setState(StateError)
			return err
		}
		got = pos + d.Offset()
		diff := got - device
		if d.info.Class == ClassRotary {
			diff = math.Mod(diff, 360)
			if diff > 180 {
				diff -= 360
			}
			if diff < -180 {
				diff += 360
			}
		}
		if diff <= tol && diff >= -tol {
			d.setState(StateReady)
			return nil
		}
	}
	d.setState(StateError)
	return PositionError{Addr: d.info.Addr, Target: device, Got: got}
}

func (c *Controller) indexMove(ctx context.Context, d *Device, port int) error {
	field, err := d.moveField(float64(port))
	if err != nil {
		return err
	}
	d.setState(StateMoving)
	rep, err := c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: opMoveAbs, Data: field}, c.motionPolicy())
	if err != nil {
		d.setState(StateError)
		return err
	}
	// sliders snap to their detents, no settling check
	if _, err := c.settled(ctx, d, rep); err != nil {
		d.setState(StateError)
		return err
	}
	d.setState(StateReady)
	return nil
}

// IndexMove drives an indexed slider to a port.
func (c *Controller) IndexMove(ctx context.Context, addr Address, port int) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if d.info.Class != ClassIndexed {
		return ErrUnsupported{Addr: d.info.Addr, Op: "index move"}
	}
	return c.indexMove(ctx, d, port)
}

// Home drives the module to its mechanical reference and marks it homed.
// Rotary modules home clockwise unless the controller was configured
// otherwise.  Sliders do not obey the home command and are sent to port
// 0 instead.
func (c *Controller) Home(ctx context.Context, addr Address) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	return c.home(ctx, d)
}

func (c *Controller) home(ctx context.Context, d *Device) error {
	if d.info.Class == ClassIndexed {
		if err := c.indexMove(ctx, d, 0); err != nil {
			return err
		}
		d.setHomed(true)
		return nil
	}
	// rotary mounts take a direction digit, linear stages home bare
	var dir []byte
	if d.info.Class == ClassRotary {
		dir = []byte("0")
		if c.homeCCW {
			dir = []byte("1")
		}
	}
	d.setState(StateMoving)
	rep, err := c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: opHome, Data: dir}, c.motionPolicy())
	if err != nil {
		d.setState(StateError)
		return err
	}
	if _, err := c.settled(ctx, d, rep); err != nil {
		d.setState(StateError)
		return err
	}
	d.setHomed(true)
	d.setState(StateReady)
	return nil
}

// HomeAll homes every registered module in address order, reporting
// failures per address.
func (c *Controller) HomeAll(ctx context.Context) map[Address]error {
	failures := make(map[Address]error)
	for _, d := range c.reg.all() {
		if err := ctx.Err(); err != nil {
			failures[d.Info().Addr] = err
			continue
		}
		if err := c.home(ctx, d); err != nil {
			failures[d.Info().Addr] = err
		}
	}
	return failures
}

// Status queries the module's error register, which clears it on the
// device, and snapshots the cached state.  A module parked in the error
// state returns to ready when it reports clean.
func (c *Controller) Status(ctx context.Context, addr Address) (DeviceStatus, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return DeviceStatus{}, err
	}
	code := StatusOK
	_, err = c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: opGetStatus}, oneShot(c.pol))
	if err != nil {
		var se StatusError
		if !errors.As(err, &se) {
			return DeviceStatus{}, err
		}
		code = se.Code
	}
	switch {
	case code == StatusOK && d.State() == StateError:
		d.setState(StateReady)
	case code == StatusBusy:
		d.setState(StateMoving)
	case code != StatusOK && !code.Recoverable():
		d.setState(StateError)
		if code == StatusInitError {
			// the module reinitialized, its home reference is gone
			d.setHomed(false)
		}
	}
	return d.snapshot(code), nil
}

// SetOffset stores calibration offsets for several modules at once.  The
// request is validated in full first; either every offset applies or
// none does.  Offsets live in the host, no traffic is generated.
func (c *Controller) SetOffset(addrs []Address, offsets []float64) error {
	if len(addrs) != len(offsets) {
		return ErrCountMismatch{Addrs: len(addrs), Values: len(offsets)}
	}
	devs := make([]*Device, len(addrs))
	for i, a := range addrs {
		d, err := c.reg.get(a)
		if err != nil {
			return err
		}
		devs[i] = d
	}
	for i, d := range devs {
		d.setOffset(offsets[i])
	}
	return nil
}

// CalMove runs calibrated moves on several modules in sequence, adding
// each module's stored offset to its target before the move issues.
// Rotary targets wrap around the full circle, so negative calibrated
// angles are reachable.  Per-module failures do not stop the sequence.
func (c *Controller) CalMove(ctx context.Context, addrs []Address, targets []float64) (map[Address]error, error) {
	if len(addrs) != len(targets) {
		return nil, ErrCountMismatch{Addrs: len(addrs), Values: len(targets)}
	}
	devs := make([]*Device, len(addrs))
	for i, a := range addrs {
		d, err := c.reg.get(a)
		if err != nil {
			return nil, err
		}
		devs[i] = d
	}
	failures := make(map[Address]error)
	for i, d := range devs {
		if err := ctx.Err(); err != nil {
			failures[d.info.Addr] = err
			continue
		}
		if err := c.calMove(ctx, d, targets[i]); err != nil {
			failures[d.info.Addr] = err
		}
	}
	return failures, nil
}

func (c *Controller) calMove(ctx context.Context, d *Device, target float64) error {
	if d.info.Class == ClassIndexed {
		return c.indexMove(ctx, d, int(math.RoundToEven(target+d.Offset())))
	}
	if !d.Homed() {
		return ErrNotHomed{Addr: d.info.Addr}
	}
	device := target + d.Offset()
	if d.info.Class == ClassRotary {
		device = math.Mod(device, 360)
		if device < 0 {
			device += 360
		}
	}
	return c.moveTo(ctx, d, device)
}

// MotorInfo reads the drive parameters of each resonant motor.
func (c *Controller) MotorInfo(ctx context.Context, addr Address) ([]MotorInfo, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return nil, err
	}
	n := d.typ.motors
	if n == 0 {
		n = 1
	}
	ops := []string{opMotorInfo1, opMotorInfo2}
	var out []MotorInfo
	for i := 0; i < n && i < len(ops); i++ {
		rep, err := c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: ops[i]})
		if err != nil {
			return nil, err
		}
		mi, err := parseMotorInfo(rep)
		if err != nil {
			return nil, err
		}
		out = append(out, mi)
	}
	return out, nil
}

// SearchFrequency re-tunes the drive frequency of each motor.  The sweep
// shakes the stage, so the home reference is dropped and must be
// re-established before the next move.
func (c *Controller) SearchFrequency(ctx context.Context, addr Address) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if d.typ.motors == 0 {
		return ErrUnsupported{Addr: d.info.Addr, Op: "frequency search"}
	}
	return c.searchFrequency(ctx, d)
}

func (c *Controller) searchFrequency(ctx context.Context, d *Device) error {
	ops := []string{opSearchFreq1, opSearchFreq2, opSearchFreq3}
	for i := 0; i < d.typ.motors && i < len(ops); i++ {
		if _, err := c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: ops[i]}, c.motionPolicy()); err != nil {
			return err
		}
	}
	d.setHomed(false)
	return nil
}

// HomeOffset reads the factory offset between the mechanical stop and the
// zero position, in device units.
func (c *Controller) HomeOffset(ctx context.Context, addr Address) (float64, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return 0, err
	}
	rep, err := c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opHomeOffset})
	if err != nil {
		return 0, err
	}
	if rep.Op != repHomeOffset {
		return 0, fmt.Errorf("module %s: expected a home offset, got %s", rep.Addr, rep.Op)
	}
	p, err := rep.Position()
	if err != nil {
		return 0, err
	}
	return d.units(p), nil
}

// JogStep reads the configured jog step, in device units.
func (c *Controller) JogStep(ctx context.Context, addr Address) (float64, error) {
	d, err := c.reg.get(addr)
	if err != nil {
		return 0, err
	}
	rep, err := c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opJogStep})
	if err != nil {
		return 0, err
	}
	if rep.Op != repJogStep {
		return 0, fmt.Errorf("module %s: expected a jog step, got %s", rep.Addr, rep.Op)
	}
	p, err := rep.Position()
	if err != nil {
		return 0, err
	}
	return d.units(p), nil
}

// ChangeAddress moves a module to a new line address and saves it to the
// module's flash.  The acknowledgment comes from the new address; the
// registry follows the module.
func (c *Controller) ChangeAddress(ctx context.Context, addr, to Address) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	to, err = ParseAddress(byte(to))
	if err != nil {
		return err
	}
	if _, err := c.reg.get(to); err == nil {
		return fmt.Errorf("address %s already has a module on it", to)
	}
	cmd := Command{Addr: d.info.Addr, Op: opChangeAddr, Data: []byte{byte(to)}}
	if _, err := c.bus.DoExpect(ctx, cmd, to, c.pol); err != nil {
		return err
	}
	if err := c.reg.rekey(addr, to); err != nil {
		return err
	}
	return c.SaveUserData(ctx, to)
}

// GroupAddress points several modules at one shared address for their
// next command, so a single move lands on all of them.  Each module
// acknowledges from the group address.  The grouping is transient; the
// registry is not touched.
func (c *Controller) GroupAddress(ctx context.Context, group Address, addrs ...Address) error {
	g, err := ParseAddress(byte(group))
	if err != nil {
		return err
	}
	for _, a := range addrs {
		d, err := c.reg.get(a)
		if err != nil {
			return err
		}
		cmd := Command{Addr: d.info.Addr, Op: opGroupAddr, Data: []byte{byte(g)}}
		if _, err := c.bus.DoExpect(ctx, cmd, g, c.pol); err != nil {
			return err
		}
	}
	return nil
}

// SaveUserData commits the module's working parameters to flash.
func (c *Controller) SaveUserData(ctx context.Context, addr Address) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	_, err = c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opSaveUser})
	return err
}

// Clean runs the mechanical cleaning cycle.  The cycle takes minutes and
// the module answers nothing but busy while it runs, so Clean issues the
// command once and polls until the module reports clean or ctx ends.
// Canceling ctx abandons the wait, not the cycle; StopClean aborts the
// cycle itself.
func (c *Controller) Clean(ctx context.Context, addr Address) error {
	return c.maintenance(ctx, addr, opClean, "cleaning cycle")
}

// OptimizeMotors runs the long fine-tuning cycle on the drive motors,
// waiting the same way Clean does.
func (c *Controller) OptimizeMotors(ctx context.Context, addr Address) error {
	return c.maintenance(ctx, addr, opOptimize, "motor optimization")
}

func (c *Controller) maintenance(ctx context.Context, addr Address, op, what string) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if !d.typ.cleaning {
		return ErrUnsupported{Addr: d.info.Addr, Op: what}
	}
	d.setState(StateMoving)
	// one shot: re-sending the command would restart the cycle
	_, err = c.bus.DoPolicy(ctx, Command{Addr: d.info.Addr, Op: op}, oneShot(c.pol))
	if err != nil && !cycleStarted(err) {
		d.setState(StateError)
		return err
	}
	t := time.NewTicker(c.cleanPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		st, err := c.Status(ctx, addr)
		if err != nil {
			d.setState(StateError)
			return err
		}
		if st.Code == StatusBusy {
			continue
		}
		if st.Code != StatusOK {
			d.setState(StateError)
			return StatusError{Addr: d.info.Addr, Code: st.Code}
		}
		d.setState(StateReady)
		return nil
	}
}

// cycleStarted recognizes the replies a module gives when a maintenance
// cycle begins: silence until done, or busy.
func cycleStarted(err error) bool {
	if errors.Is(err, comm.ErrTimeout) {
		return true
	}
	var se StatusError
	return errors.As(err, &se) && se.Code == StatusBusy
}

// StopClean aborts a running cleaning or optimization cycle.
func (c *Controller) StopClean(ctx context.Context, addr Address) error {
	d, err := c.reg.get(addr)
	if err != nil {
		return err
	}
	if !d.typ.cleaning {
		return ErrUnsupported{Addr: d.info.Addr, Op: "cleaning cycle"}
	}
	if _, err := c.bus.Do(ctx, Command{Addr: d.info.Addr, Op: opStopClean}); err != nil {
		return err
	}
	d.setState(StateReady)
	return nil
}

// Close tears the line down.  An in-flight transaction fails with the
// channel's closed error and every later operation fails fast.  Closing
// twice is harmless.
func (c *Controller) Close() error {
	return c.ch.Close()
}
