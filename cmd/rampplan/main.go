// Package main is rampplan, a tool for checking a stepper calibration before it goes on a motor.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.
	Version = "1"

	// ConfigFileName is the calibration file read from the working directory.
	ConfigFileName = "rampplan.yml"
)

// loadConfig layers the calibration file, if there is one, over the defaults.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, defaults apply
			return Config{}, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func root() {
	str := `rampplan shows the trapezoidal step profile a stepper calibration produces

Usage:
	rampplan <command>

Commands:
	plan [steps]
	simulate [steps]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `rampplan reads its calibration from rampplan.yml in the working directory.
Missing keys, or a missing file, take the defaults; run mkconf to write them out.

Keys:
	full_steps         full steps per motor revolution
	step_mode          microstep divisor: 1, 2, 4, 8, 16 or 32
	min_rpm            speed every move starts and ends at
	max_rpm            cruise speed
	acceleration       fraction of the slowest step period removed each ramp step, (0, 1]
	min_pulse_on_usec  step pulse width
	gear_ratio         motor revolutions per output wheel revolution

plan and simulate move one output wheel revolution unless given a step count.
simulate runs the move on a virtual clock and measures the pulses it emits.`
	fmt.Println(str)
}

func mkconf(c Config) error {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf(c Config) error {
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("rampplan version %v\n", Version)
}

// stepsArg returns the step count given on the command line, or one output revolution.
func stepsArg(args []string, c Config) (uint32, error) {
	mc, err := c.MotorConfig()
	if err != nil {
		return 0, err
	}
	if len(args) == 0 {
		return c.OutputRevolutionSteps(mc)
	}
	steps, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad step count %q", args[0])
	}
	return uint32(steps), nil
}

func run(ctx context.Context, cmd string, args []string, logger logging.Logger) error {
	switch cmd {
	case "help":
		help()
		return nil
	case "version":
		pversion()
		return nil
	case "mkconf", "conf", "plan", "simulate":
	default:
		return errors.Errorf("unknown command %q", cmd)
	}

	c, err := loadConfig(ConfigFileName)
	if err != nil {
		return err
	}
	switch cmd {
	case "mkconf":
		return mkconf(c)
	case "conf":
		return printconf(c)
	}

	mc, err := c.MotorConfig()
	if err != nil {
		return errors.Wrap(err, "invalid calibration")
	}
	steps, err := stepsArg(args, c)
	if err != nil {
		return err
	}
	if cmd == "plan" {
		writePlan(os.Stdout, mc, steps)
		return nil
	}
	logger.CDebugf(ctx, "simulating %d steps", steps)
	report, err := Simulate(ctx, mc, steps)
	if err != nil {
		return err
	}
	writeReport(os.Stdout, report)
	return nil
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	logger := logging.NewLogger("rampplan")
	if err := run(context.Background(), strings.ToLower(args[1]), args[2:], logger); err != nil {
		logger.Fatal(err)
	}
}
