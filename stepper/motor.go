// Package stepper drives a step/direction stepper driver (such as the DRV8825) through a
// trapezoidal velocity profile: a linear ramp up from min rpm, a cruise at max rpm and a mirrored
// ramp down.
package stepper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrMotorBusy is returned when a call is made on a Motor that is already stepping.
var ErrMotorBusy = errors.New("motor is already executing a move")

// DigitalOutput is a pin the motor can drive high or low. Any rdk board.GPIOPin satisfies it.
type DigitalOutput interface {
	Set(ctx context.Context, high bool, extra map[string]interface{}) error
}

// Direction of rotation, as seen on the direction output.
type Direction bool

// Directions.
const (
	Forward Direction = true
	Reverse Direction = false
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// A Motor emits step pulses on its step output according to a MotorConfig. It keeps no state
// between calls other than the levels it leaves on its pins, and runs at most one call at a time.
type Motor struct {
	step   DigitalOutput
	dir    DigitalOutput
	config *MotorConfig
	timer  Timer

	mu sync.Mutex
}

// NewMotor returns a Motor that owns the step and direction outputs. A nil timer steps on the
// wall clock.
func NewMotor(step, dir DigitalOutput, config *MotorConfig, timer Timer) *Motor {
	if timer == nil {
		timer = NewClockTimer(nil)
	}
	return &Motor{
		step:   step,
		dir:    dir,
		config: config,
		timer:  timer,
	}
}

// Config returns the motor's config.
func (m *Motor) Config() *MotorConfig {
	return m.config
}

// SetDirection drives the direction output for the next move.
func (m *Motor) SetDirection(ctx context.Context, d Direction) error {
	if !m.mu.TryLock() {
		return ErrMotorBusy
	}
	defer m.mu.Unlock()
	return errors.Wrapf(m.dir.Set(ctx, bool(d), nil), "setting direction %v", d)
}

// StepOnce emits a single step pulse and returns once periodMicros have elapsed since the call
// began. The pulse is raised at the start of the period and held for the configured pulse width,
// so consecutive calls space pulses exactly periodMicros apart.
func (m *Motor) StepOnce(ctx context.Context, periodMicros uint32) error {
	if periodMicros <= m.config.minPulseOnMicros {
		return errors.Errorf("step period %dus must be longer than the %dus pulse width",
			periodMicros, m.config.minPulseOnMicros)
	}
	if !m.mu.TryLock() {
		return ErrMotorBusy
	}
	defer m.mu.Unlock()
	return m.stepOnce(context.WithoutCancel(ctx), periodMicros)
}

// MoveToPosition steps the motor steps microsteps in the current direction, following the plan
// returned by MotorConfig.Plan. A move cannot be interrupted once started; it returns early only
// if a pin write fails.
func (m *Motor) MoveToPosition(ctx context.Context, steps uint32) error {
	if steps == 0 {
		return nil
	}
	if !m.mu.TryLock() {
		return ErrMotorBusy
	}
	defer m.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	plan := m.config.Plan(steps)
	var done uint32

	// ramp up
	period := plan.InitPeriod
	for i := uint32(0); i < plan.RampSteps; i++ {
		if err := m.stepOnce(ctx, period); err != nil {
			return errors.Wrapf(err, "%v step %d of %d", Accel, done, steps)
		}
		period -= plan.RampIncrement
		done++
	}

	// full speed
	for i := uint32(0); i < plan.ConstantSteps; i++ {
		if err := m.stepOnce(ctx, plan.TargetPeriod); err != nil {
			return errors.Wrapf(err, "%v step %d of %d", Cruise, done, steps)
		}
		done++
	}

	// ramp down
	period = plan.TargetPeriod
	for i := uint32(0); i < plan.RampSteps; i++ {
		if err := m.stepOnce(ctx, period); err != nil {
			return errors.Wrapf(err, "%v step %d of %d", Decel, done, steps)
		}
		period += plan.RampIncrement
		done++
	}
	return nil
}

// have to be locked to call.
func (m *Motor) stepOnce(ctx context.Context, periodMicros uint32) error {
	return m.timer.Join(
		func() error {
			m.timer.Sleep(micros(periodMicros))
			return nil
		},
		func() error {
			return m.pulse(ctx)
		},
	)
}

func (m *Motor) pulse(ctx context.Context) error {
	if err := m.step.Set(ctx, true, nil); err != nil {
		// the line may have gone high anyway; make sure it is left low
		return multierr.Combine(
			errors.Wrap(err, "raising step output"),
			errors.Wrap(m.step.Set(ctx, false, nil), "lowering step output"),
		)
	}
	m.timer.Sleep(micros(m.config.minPulseOnMicros))
	return errors.Wrap(m.step.Set(ctx, false, nil), "lowering step output")
}
