package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/theckman/yacspin"

	"github.com/oplab/elliptec"
)

// StageSetup is one expected module on the line.
type StageSetup struct {
	// Addr is the module's address, a single hex digit
	Addr string `yaml:"Addr"`

	// Part is the ELLxx part number.  Only consulted to fabricate
	// modules when Mock is true; real hardware reports its own.
	Part int `yaml:"Part"`

	// Offset is the calibration offset in the module's physical unit
	Offset float64 `yaml:"Offset"`
}

// Config holds the line setup and the stages hanging off it.  It is to
// be populated by a yaml/unmarshal call.
type Config struct {
	// Port is the serial device the chain is wired to
	Port string `yaml:"Port"`

	Mock bool `yaml:"Mock"`

	// AttemptSec and Attempts shape the per-command retry policy
	AttemptSec int `yaml:"AttemptSec"`
	Attempts   int `yaml:"Attempts"`

	// MotionSec bounds commands that only answer once motion completes
	MotionSec int `yaml:"MotionSec"`

	// HomeCCW homes rotary modules counter-clockwise
	HomeCCW bool `yaml:"HomeCCW"`

	Stages []StageSetup `yaml:"Stages"`
}

func parseAddr(s string) (elliptec.Address, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("address must be a single hex digit, got %q", s)
	}
	return elliptec.ParseAddress(s[0])
}

// buildController assembles the controller per the config without
// touching the line yet.
func buildController(c Config) (*elliptec.Controller, []elliptec.Address, error) {
	pol := elliptec.DefaultPolicy()
	if c.Attempts > 0 {
		pol.MaxAttempts = c.Attempts
	}
	if c.AttemptSec > 0 {
		pol.AttemptTimeout = time.Duration(c.AttemptSec) * time.Second
	}
	opts := []elliptec.Option{elliptec.WithPolicy(pol)}
	if c.MotionSec > 0 {
		opts = append(opts, elliptec.WithMotionTimeout(time.Duration(c.MotionSec)*time.Second))
	}
	if c.HomeCCW {
		opts = append(opts, elliptec.WithHomeCounterClockwise())
	}
	addrs := make([]elliptec.Address, 0, len(c.Stages))
	parts := make(map[elliptec.Address]int)
	for _, s := range c.Stages {
		a, err := parseAddr(s.Addr)
		if err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, a)
		parts[a] = s.Part
	}
	if c.Mock {
		return elliptec.New(elliptec.NewMockBank(parts), opts...), addrs, nil
	}
	ctrl, err := elliptec.Open(c.Port, opts...)
	if err != nil {
		return nil, nil, err
	}
	return ctrl, addrs, nil
}

// connect opens the line, probes the configured stages and applies their
// calibration offsets.  Stages that do not answer are logged and skipped.
func connect(c Config) (*elliptec.Controller, error) {
	ctrl, addrs, err := buildController(c)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		ctrl.Close()
		return nil, errors.New("no stages configured, run mkconf and edit the file")
	}
	_, failures := ctrl.Discover(context.Background(), addrs...)
	for _, a := range addrs {
		if err, ok := failures[a]; ok {
			log.Printf("module %s: %v", a, err)
		}
	}
	var oa []elliptec.Address
	var ov []float64
	for _, s := range c.Stages {
		if s.Offset == 0 {
			continue
		}
		a, _ := parseAddr(s.Addr)
		if _, err := ctrl.Info(a); err != nil {
			continue
		}
		oa = append(oa, a)
		ov = append(ov, s.Offset)
	}
	if len(oa) > 0 {
		if err := ctrl.SetOffset(oa, ov); err != nil {
			ctrl.Close()
			return nil, err
		}
	}
	return ctrl, nil
}

// spin runs fn behind a spinner, for the commands that hold the line a
// while.
func spin(msg string, fn func() error) error {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + msg,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		StopColors:        []string{"fgGreen"},
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		return fn()
	}
	s.Start()
	if err := fn(); err != nil {
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

func dispatch(c Config, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s), run ellxctl with no arguments for usage", cmd, n)
		}
		return nil
	}
	switch cmd {
	case "scan":
		return scan(c)
	case "home":
		if err := need(1); err != nil {
			return err
		}
		return home(c, args[0])
	case "move":
		if err := need(2); err != nil {
			return err
		}
		return move(c, args[0], args[1], false)
	case "moverel":
		if err := need(2); err != nil {
			return err
		}
		return move(c, args[0], args[1], true)
	case "pos":
		if err := need(1); err != nil {
			return err
		}
		return position(c, args[0])
	case "status":
		if err := need(1); err != nil {
			return err
		}
		return status(c, args[0])
	case "info":
		if err := need(1); err != nil {
			return err
		}
		return identity(c, args[0])
	case "motors":
		if err := need(1); err != nil {
			return err
		}
		return motors(c, args[0])
	case "search":
		if err := need(1); err != nil {
			return err
		}
		return search(c, args[0])
	case "clean":
		if err := need(1); err != nil {
			return err
		}
		return clean(c, args[0])
	case "stopclean":
		if err := need(1); err != nil {
			return err
		}
		return stopclean(c, args[0])
	case "chaddr":
		if err := need(2); err != nil {
			return err
		}
		return chaddr(c, args[0], args[1])
	}
	return fmt.Errorf("unknown command %s", cmd)
}

func scan(c Config) error {
	ctrl, addrs, err := buildController(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if len(addrs) == 0 {
		return errors.New("no stages configured, run mkconf and edit the file")
	}
	infos, failures := ctrl.Discover(context.Background(), addrs...)
	for _, i := range infos {
		fmt.Printf("%s  %-6s %-8s sn %s  fw %s  travel %d %s\n",
			i.Addr, i.Model(), i.Class, i.SerialNumber, i.Firmware, i.Travel, i.Class.Units())
	}
	for _, a := range addrs {
		if err, ok := failures[a]; ok {
			fmt.Printf("%s  no answer: %v\n", a, err)
		}
	}
	return nil
}

func home(c Config, arg string) error {
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	ctx := context.Background()
	if arg == "all" {
		return spin("homing all modules", func() error {
			failures := ctrl.HomeAll(ctx)
			for a, err := range failures {
				log.Printf("module %s: %v", a, err)
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d module(s) failed to home", len(failures))
			}
			return nil
		})
	}
	a, err := parseAddr(arg)
	if err != nil {
		return err
	}
	return spin("homing "+arg, func() error { return ctrl.Home(ctx, a) })
}

func move(c Config, addrArg, valArg string, relative bool) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	v, err := strconv.ParseFloat(valArg, 64)
	if err != nil {
		return fmt.Errorf("target %q is not a number", valArg)
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	ctx := context.Background()
	verb := "moving " + addrArg + " to " + valArg
	mv := func() error {
		fails, err := ctrl.CalMove(ctx, []elliptec.Address{a}, []float64{v})
		if err != nil {
			return err
		}
		return fails[a]
	}
	if relative {
		verb = "moving " + addrArg + " by " + valArg
		mv = func() error { return ctrl.MoveRelative(ctx, a, v) }
	}
	if err := spin(verb, mv); err != nil {
		return err
	}
	return printPosition(ctrl, a)
}

func printPosition(ctrl *elliptec.Controller, a elliptec.Address) error {
	pos, err := ctrl.GetPosition(context.Background(), a)
	if err != nil {
		return err
	}
	info, err := ctrl.Info(a)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %.4f %s\n", a, pos, info.Class.Units())
	return nil
}

func position(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	return printPosition(ctrl, a)
}

func status(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	st, err := ctrl.Status(context.Background(), a)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s  %s  homed=%t  pos=%.4f  offset=%.4f\n",
		st.Addr, st.Code, st.State, st.Homed, st.Position, st.Offset)
	return nil
}

func identity(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	i, err := ctrl.Info(a)
	if err != nil {
		return err
	}
	thread := "metric"
	if i.Imperial {
		thread = "imperial"
	}
	fmt.Printf("%s %s (%s)\n", i.Addr, i.Model(), i.Class)
	fmt.Printf("  serial %s, year %d, fw %s, hw %d, %s thread\n",
		i.SerialNumber, i.Year, i.Firmware, i.Hardware, thread)
	fmt.Printf("  travel %d %s, %d pulses\n", i.Travel, i.Class.Units(), i.Pulses)
	return nil
}

func motors(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	mis, err := ctrl.MotorInfo(context.Background(), a)
	if err != nil {
		return err
	}
	for _, mi := range mis {
		fmt.Printf("motor %d: loop=%t on=%t current=%.3f A fwd=%.0f Hz bwd=%.0f Hz\n",
			mi.Motor, mi.LoopOn, mi.MotorOn, mi.Current, mi.ForwardPeriod, mi.BackwardPeriod)
	}
	return nil
}

func search(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	ctx := context.Background()
	if err := spin("searching drive frequencies on "+addrArg, func() error {
		return ctrl.SearchFrequency(ctx, a)
	}); err != nil {
		return err
	}
	fmt.Println("home the module before the next move")
	return nil
}

func clean(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	return spin("cleaning "+addrArg+" (takes minutes)", func() error {
		return ctrl.Clean(context.Background(), a)
	})
}

func stopclean(c Config, addrArg string) error {
	a, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	return ctrl.StopClean(context.Background(), a)
}

func chaddr(c Config, fromArg, toArg string) error {
	from, err := parseAddr(fromArg)
	if err != nil {
		return err
	}
	to, err := parseAddr(toArg)
	if err != nil {
		return err
	}
	ctrl, err := connect(c)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if err := ctrl.ChangeAddress(context.Background(), from, to); err != nil {
		return err
	}
	fmt.Printf("module %s is now %s; update the config file\n", from, to)
	return nil
}
