package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ellxctl.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Port:       "/dev/ttyUSB0",
		AttemptSec: 2,
		Attempts:   3,
		MotionSec:  10,
		Stages:     []StageSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `ellxctl commands chains of Thorlabs Elliptec stages over one serial line.
Stage addresses, calibration offsets and the serial port live in the
config file; every command takes module addresses as single hex digits.

Usage:
	ellxctl <command> [args]

Commands:
	scan                 probe the configured addresses and list what answers
	home <addr|all>      drive to the mechanical reference
	move <addr> <pos>    calibrated move (deg, mm, or port)
	moverel <addr> <d>   relative move
	pos <addr>           read the position
	status <addr>        read the status register
	info <addr>          print the module identity
	motors <addr>        print the drive motor parameters
	search <addr>        re-tune the motor drive frequencies
	clean <addr>         run the cleaning cycle (minutes)
	stopclean <addr>     abort a running cleaning cycle
	chaddr <addr> <new>  move a module to a new address
	mkconf               write a default config file
	conf                 print the loaded config
	version
	help`
	fmt.Println(str)
}

func help() {
	str := `ellxctl is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

The Stages list names the modules expected on the line.  Each entry has
the address digit, the ELLxx part number (only used when Mock is true)
and an optional calibration offset in the module's physical unit.  scan
probes those addresses and every command checks against what answered.

Rotary mounts take degrees, linear stages millimeters, sliders a port
index.  Moves are refused until a module has homed; run home first after
power-up.

Positions include the calibration offset: with an offset of 10 deg,
"move 0 5" parks the mount at a physical 15 deg and "pos 0" prints 5.

Set Mock to true to run against simulated modules, no hardware needed.

Supported modules, by class:
- rotary: ELL8, ELL14, ELL18
- linear: ELL7, ELL10, ELL17, ELL20
- indexed: ELL6 (2 ports), ELL9 (4 ports), ELL12 (6 ports)`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if len(c.Stages) == 0 {
		c.Stages = []StageSetup{{Addr: "0", Part: 14, Offset: 0}}
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ellxctl version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "version":
		pversion()
		return
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if err := dispatch(c, cmd, args[2:]); err != nil {
		log.Fatal(err)
	}
}
