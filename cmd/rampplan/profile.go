package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/chuck/stepper"
)

// Config is a motor calibration, as stored in rampplan.yml.
type Config struct {
	FullSteps      uint32  `koanf:"full_steps" yaml:"full_steps"`
	StepMode       int     `koanf:"step_mode" yaml:"step_mode"`
	MinRPM         uint32  `koanf:"min_rpm" yaml:"min_rpm"`
	MaxRPM         uint32  `koanf:"max_rpm" yaml:"max_rpm"`
	Acceleration   float32 `koanf:"acceleration" yaml:"acceleration"`
	MinPulseOnUsec uint32  `koanf:"min_pulse_on_usec" yaml:"min_pulse_on_usec"`
	GearRatio      uint32  `koanf:"gear_ratio" yaml:"gear_ratio"`
}

// DefaultConfig is the calibration of the trigger motor: a 200 step motor, half stepped, driving
// the output wheel through a 16:1 gearbox.
func DefaultConfig() Config {
	return Config{
		FullSteps:      200,
		StepMode:       2,
		MinRPM:         120,
		MaxRPM:         320,
		Acceleration:   0.01,
		MinPulseOnUsec: 2,
		GearRatio:      16,
	}
}

// MotorConfig validates the calibration.
func (c Config) MotorConfig() (*stepper.MotorConfig, error) {
	mode, err := stepper.ParseStepMode(c.StepMode)
	if err != nil {
		return nil, err
	}
	if c.GearRatio == 0 {
		return nil, errors.New("gear_ratio must be greater than 0")
	}
	return stepper.NewMotorConfig(c.FullSteps, mode, c.MinRPM, c.MaxRPM, c.Acceleration, c.MinPulseOnUsec)
}

// OutputRevolutionSteps is the number of microsteps that turn the output wheel once.
func (c Config) OutputRevolutionSteps(mc *stepper.MotorConfig) (uint32, error) {
	steps := uint64(mc.StepsPerRev()) * uint64(c.GearRatio)
	if steps > uint64(^uint32(0)) {
		return 0, errors.Errorf("one output revolution is %d steps, too many for a single move", steps)
	}
	return uint32(steps), nil
}

func writePlan(w io.Writer, mc *stepper.MotorConfig, steps uint32) {
	plan := mc.Plan(steps)
	fmt.Fprintf(w, "steps per motor revolution: %d (%v stepping)\n", mc.StepsPerRev(), mc.StepMode())
	fmt.Fprintf(w, "step period: %dus at %d rpm, %dus at %d rpm\n",
		mc.MaxStepPeriod(), mc.MinRPM(), mc.MinStepPeriod(), mc.MaxRPM())
	fmt.Fprintf(w, "ramp increment: %dus, full ramp %d steps\n", plan.RampIncrement, plan.MaxRampSteps)
	fmt.Fprintf(w, "move of %d steps:\n", steps)
	fmt.Fprintf(w, "  %-6v %8d steps from %dus\n", stepper.Accel, plan.RampSteps, plan.InitPeriod)
	fmt.Fprintf(w, "  %-6v %8d steps at %dus\n", stepper.Cruise, plan.ConstantSteps, plan.TargetPeriod)
	fmt.Fprintf(w, "  %-6v %8d steps from %dus\n", stepper.Decel, plan.RampSteps, plan.TargetPeriod)
	fmt.Fprintf(w, "  total  %v\n", time.Duration(plan.DurationMicros())*time.Microsecond)
}

// SimReport is what a simulated move emitted on its step output.
type SimReport struct {
	Steps    uint32
	Pulses   int
	MinWidth time.Duration
	MaxWidth time.Duration
	Total    time.Duration
	Phases   map[stepper.Phase]time.Duration
}

// Simulate runs a move of steps on a virtual clock and measures the pulse train.
func Simulate(ctx context.Context, mc *stepper.MotorConfig, steps uint32) (SimReport, error) {
	timer := &stepper.SimTimer{}
	stepOut := stepper.NewTrace(timer)
	dirOut := stepper.NewTrace(timer)
	m := stepper.NewMotor(stepOut, dirOut, mc, timer)

	if err := m.SetDirection(ctx, stepper.Forward); err != nil {
		return SimReport{}, err
	}
	if err := m.MoveToPosition(ctx, steps); err != nil {
		return SimReport{}, err
	}

	report := SimReport{
		Steps:  steps,
		Total:  timer.Now(),
		Phases: map[stepper.Phase]time.Duration{},
	}
	plan := mc.Plan(steps)
	pulses := stepOut.Pulses()
	report.Pulses = len(pulses)
	for i, p := range pulses {
		if i == 0 || p.Width < report.MinWidth {
			report.MinWidth = p.Width
		}
		if p.Width > report.MaxWidth {
			report.MaxWidth = p.Width
		}
		period := p.Spacing
		if i == len(pulses)-1 {
			period = report.Total - p.Start
		}
		report.Phases[plan.PhaseOf(uint32(i))] += period
	}
	return report, nil
}

func writeReport(w io.Writer, r SimReport) {
	fmt.Fprintf(w, "simulated %d steps: %d pulses, width %v..%v\n", r.Steps, r.Pulses, r.MinWidth, r.MaxWidth)
	for _, phase := range []stepper.Phase{stepper.Accel, stepper.Cruise, stepper.Decel} {
		fmt.Fprintf(w, "  %-6v %v\n", phase, r.Phases[phase])
	}
	fmt.Fprintf(w, "  total  %v\n", r.Total)
}
