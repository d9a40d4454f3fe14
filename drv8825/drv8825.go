// Package drv8825 implements a stepper motor wired to a step/direction driver such as the DRV8825,
// stepped from board GPIO pins through a trapezoidal velocity profile.
package drv8825

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/viam-modules/chuck/stepper"
)

// PinConfig defines the mapping of where motor are wired.
type PinConfig struct {
	Step         string `json:"step"`
	Direction    string `json:"dir"`
	EnablePinLow string `json:"en_low,omitempty"`
}

// Config describes the configuration of a motor.
type Config struct {
	Pins             PinConfig `json:"pins"`
	BoardName        string    `json:"board"`
	TicksPerRotation int       `json:"ticks_per_rotation"`          // full steps per motor revolution
	StepMode         int       `json:"step_mode,omitempty"`         // microstep divisor, 1 default
	MinRPM           int       `json:"min_rpm"`                     // speed every move starts and ends at
	MaxRPM           int       `json:"max_rpm"`                     // cruise speed
	Acceleration     float64   `json:"acceleration"`                // fraction of the slowest period removed per ramp step
	MinPulseOnUsec   int       `json:"min_pulse_on_usec,omitempty"` // 2 default
	GearRatio        float64   `json:"gear_ratio,omitempty"`        // motor revolutions per output revolution, 1 default
	EnableSettleUsec int       `json:"enable_settle_usec,omitempty"`
}

// Model for a viam supported DRV8825 driven stepper motor.
var Model = resource.NewModel("viam", "chuck", "drv8825")

// Defaults.
const (
	defaultStepMode       = 1
	defaultMinPulseOnUsec = 2    // DRV8825 minimum STEP high time is 1.9us
	defaultSettleUsec     = 1700 // DRV8825 wake-up time after nSLEEP/nENBL
)

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, error) {
	if config.BoardName == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if config.Pins.Step == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if config.Pins.Direction == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if config.TicksPerRotation <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "ticks_per_rotation")
	}
	if config.MinRPM <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "min_rpm")
	}
	if config.MaxRPM <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "max_rpm")
	}
	if config.Acceleration == 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "acceleration")
	}
	if config.MinPulseOnUsec < 0 {
		return nil, errors.New("min_pulse_on_usec cannot be negative")
	}
	if config.GearRatio < 0 {
		return nil, errors.New("gear_ratio cannot be negative")
	}
	if config.EnableSettleUsec < 0 {
		return nil, errors.New("enable_settle_usec cannot be negative")
	}
	if _, err := config.motorConfig(); err != nil {
		return nil, err
	}
	return []string{config.BoardName}, nil
}

// motorConfig builds the motion parameters, filling in defaults for unset optional fields.
func (config *Config) motorConfig() (*stepper.MotorConfig, error) {
	divisor := config.StepMode
	if divisor == 0 {
		divisor = defaultStepMode
	}
	mode, err := stepper.ParseStepMode(divisor)
	if err != nil {
		return nil, err
	}
	pulse := config.MinPulseOnUsec
	if pulse == 0 {
		pulse = defaultMinPulseOnUsec
	}
	return stepper.NewMotorConfig(
		uint32(config.TicksPerRotation),
		mode,
		uint32(config.MinRPM),
		uint32(config.MaxRPM),
		float32(config.Acceleration),
		uint32(pulse),
	)
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor represents a stepper motor stepped by GPIO through a DRV8825-style driver.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	stepPin   board.GPIOPin
	dirPin    board.GPIOPin
	enLowPin  board.GPIOPin
	config    *stepper.MotorConfig
	timer     stepper.Timer
	gearRatio float64
	settle    time.Duration
	logger    logging.Logger
	motorName string

	// held for the whole of a move so only one step train drives the pins
	busy sync.Mutex

	mu           sync.Mutex
	stepPosition int64
	direction    stepper.Direction
	enabled      bool
	moving       bool
	stopped      bool // the driver was disabled while the current move was stepping
	cancelMove   context.CancelFunc
}

// newMotor returns a DRV8825 driven motor.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	stepPin, err := b.GPIOPinByName(conf.Pins.Step)
	if err != nil {
		return nil, err
	}
	dirPin, err := b.GPIOPinByName(conf.Pins.Direction)
	if err != nil {
		return nil, err
	}
	var enLowPin board.GPIOPin
	if conf.Pins.EnablePinLow != "" {
		enLowPin, err = b.GPIOPinByName(conf.Pins.EnablePinLow)
		if err != nil {
			return nil, err
		}
	}
	m, err := makeMotor(ctx, *conf, c.ResourceName(), logger, stepPin, dirPin, enLowPin, nil)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// makeMotor returns a DRV8825 driven motor. It is separate from newMotor, above, so you can inject
// fake pins and a simulated timer in here during testing.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	stepPin, dirPin, enLowPin board.GPIOPin, timer stepper.Timer,
) (*Motor, error) {
	if c.StepMode == 0 {
		logger.CWarn(ctx, "step_mode not set, assuming full steps")
	}
	if c.GearRatio == 0 {
		c.GearRatio = 1
	}
	if c.EnableSettleUsec == 0 && enLowPin != nil {
		c.EnableSettleUsec = defaultSettleUsec
	}

	config, err := c.motorConfig()
	if err != nil {
		return nil, err
	}
	if timer == nil {
		timer = stepper.NewClockTimer(nil)
	}

	m := &Motor{
		Named:     name.AsNamed(),
		stepPin:   stepPin,
		dirPin:    dirPin,
		enLowPin:  enLowPin,
		config:    config,
		timer:     timer,
		gearRatio: c.GearRatio,
		settle:    time.Duration(c.EnableSettleUsec) * time.Microsecond,
		logger:    logger,
		motorName: name.ShortName(),
		direction: stepper.Forward,
	}

	// Start from known pin levels: step low, forward, driver off.
	if err := stepPin.Set(ctx, false, nil); err != nil {
		return nil, errors.Wrapf(err, "error initializing step pin of motor (%s)", m.motorName)
	}
	if err := dirPin.Set(ctx, bool(stepper.Forward), nil); err != nil {
		return nil, errors.Wrapf(err, "error initializing direction pin of motor (%s)", m.motorName)
	}
	if enLowPin != nil {
		if err := m.Enable(ctx, false); err != nil {
			return nil, errors.Wrapf(err, "error disabling driver of motor (%s)", m.motorName)
		}
	}

	m.logger.Debugf("motor (%s): %d steps/rev, %dus..%dus step period, %dus ramp increment",
		m.motorName, config.StepsPerRev(), config.MinStepPeriod(), config.MaxStepPeriod(), config.RampIncrement())
	return m, nil
}

// stepsPerRevolution is the number of microsteps per revolution of the output shaft.
func (m *Motor) stepsPerRevolution() float64 {
	return float64(m.config.StepsPerRev()) * m.gearRatio
}

// maxRPM is the fastest the output shaft turns, with the motor at max_rpm.
func (m *Motor) maxRPM() float64 {
	return float64(m.config.MaxRPM()) / m.gearRatio
}

func (m *Motor) revolutionsToSteps(revolutions float64) (uint32, error) {
	steps := math.Round(math.Abs(revolutions) * m.stepsPerRevolution())
	if steps > math.MaxUint32 {
		return 0, errors.Errorf("%.2f revolutions is too far for a single move of motor (%s)", revolutions, m.motorName)
	}
	return uint32(steps), nil
}

// move runs one ramped move of steps microsteps in direction dir, cruising at no more than
// motorRPM, which is the speed of the motor shaft, not the output shaft.
func (m *Motor) move(ctx context.Context, motorRPM float64, dir stepper.Direction, steps uint32) error {
	ctx, done, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	config, err := m.config.WithMaxRPM(uint32(math.Min(math.MaxUint32, math.Max(1, math.Round(motorRPM)))))
	if err != nil {
		return err
	}
	core := stepper.NewMotor(m.stepPin, m.dirPin, config, m.timer)

	if err := m.prepare(ctx, core, dir); err != nil {
		return err
	}

	plan := config.Plan(steps)
	m.logger.CDebugf(ctx, "motor (%s) moving %d steps %v: %d ramp steps from %dus, %d steps at %dus",
		m.motorName, steps, dir, plan.RampSteps, plan.InitPeriod, plan.ConstantSteps, plan.TargetPeriod)

	if err := core.MoveToPosition(ctx, steps); err != nil {
		return err
	}
	return m.finish(dir, int64(steps))
}

// begin claims the pins for one move. The returned context is cancelled by Stop; done must be
// called when the move is over.
func (m *Motor) begin(ctx context.Context) (context.Context, func(), error) {
	if !m.busy.TryLock() {
		return nil, nil, stepper.ErrMotorBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.moving = true
	m.stopped = false
	m.cancelMove = cancel
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		m.moving = false
		m.stopped = false
		m.cancelMove = nil
		m.mu.Unlock()
		cancel()
		m.busy.Unlock()
	}, nil
}

// prepare sets the direction and powers the driver, giving it time to wake before stepping. A Stop
// before or during the wake up wait keeps the move from stepping at all.
func (m *Motor) prepare(ctx context.Context, core *stepper.Motor, dir stepper.Direction) error {
	if err := core.SetDirection(ctx, dir); err != nil {
		return err
	}
	m.mu.Lock()
	m.direction = dir
	m.mu.Unlock()

	if m.enLowPin == nil {
		return nil
	}

	// Stop cancels ctx under mu, so once it has run the driver is never re-enabled here.
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "stopped before the move began")
	}
	wasEnabled := m.enabled
	if !wasEnabled {
		if err := m.setEnabled(ctx, true); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if !wasEnabled && !utils.SelectContextOrWait(ctx, m.settle) {
		return errors.Wrap(ctx.Err(), "stopped before the move began")
	}
	return nil
}

// finish records a completed step train, unless Stop disabled the driver while it ran: the motor
// then did not follow the pulses and the tracked position is left alone.
func (m *Motor) finish(dir stepper.Direction, steps int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.Errorf("motor (%s) was stopped during the move, position not updated", m.motorName)
	}
	m.advanceLocked(dir, steps)
	return nil
}

func (m *Motor) advanceLocked(dir stepper.Direction, steps int64) {
	if dir == stepper.Forward {
		m.stepPosition += steps
	} else {
		m.stepPosition -= steps
	}
}

// GoFor turns in the given direction the given number of times at the given speed. Both are
// measured at the output shaft, after the gearbox.
// Both the RPM and the revolutions can be assigned negative values to move in a backwards direction.
// Note: if both are negative the motor will spin in the forward direction.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM())
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}
	if err := motor.CheckRevolutions(revolutions); err != nil {
		return err
	}

	dir := stepper.Forward
	if motor.GetRequestedDirection(rpm, revolutions) < 0 {
		dir = stepper.Reverse
	}
	steps, err := m.revolutionsToSteps(revolutions)
	if err != nil {
		return err
	}
	if err := m.move(ctx, math.Abs(rpm)*m.gearRatio, dir, steps); err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}
	return nil
}

// GoTo moves to the specified position in terms of (provided in revolutions from home/zero),
// at a specific speed. Regardless of the directionality of the RPM this function will move the
// motor towards the specified target.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	moveDistance := positionRevolutions - curPos

	steps, err := m.revolutionsToSteps(moveDistance)
	if err != nil {
		return err
	}
	if steps == 0 {
		m.logger.CDebugf(ctx, "GoTo distance nearly zero for motor (%s), not moving", m.motorName)
		return nil
	}
	return m.GoFor(ctx, math.Abs(rpm), moveDistance, extra)
}

// SetRPM is not supported: every move is a bounded, ramped move.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support SetRPM, use GoFor or GoTo", m.motorName)
}

// SetPower stops the motor for a power of 0. Other powers are not supported.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	if math.Abs(powerPct) <= .0001 {
		return m.Stop(ctx, extra)
	}
	return errors.Errorf("motor (%s) doesn't support raw power mode", m.motorName)
}

// Position gives the current motor position in revolutions of the output shaft.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.stepPosition) / m.stepsPerRevolution(), nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// ResetZeroPosition sets the current position of the motor specified by the request
// (adjusted by a given offset) to be its new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moving {
		return errors.Errorf("can't zero motor (%s) while moving", m.motorName)
	}
	m.stepPosition = int64(math.Round(-1 * offset * m.stepsPerRevolution()))
	return nil
}

// IsMoving returns true if a move is in progress.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving, nil
}

// IsPowered returns true if the motor is currently moving. Stepper motors are either off or at
// full power, so the percentage is 0 or 1.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	on, err := m.IsMoving(ctx)
	if err != nil {
		return on, 0, errors.Wrapf(err, "error in IsPowered from motor (%s)", m.motorName)
	}
	if on {
		return true, 1, nil
	}
	return false, 0, nil
}

// Enable pulls down the hardware enable pin, activating the power stage of the driver.
func (m *Motor) Enable(ctx context.Context, turnOn bool) error {
	if m.enLowPin == nil {
		return errors.New("no enable pin configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setEnabled(ctx, turnOn)
}

// setEnabled drives the enable pin. mu must be held.
func (m *Motor) setEnabled(ctx context.Context, turnOn bool) error {
	if err := m.enLowPin.Set(ctx, !turnOn, nil); err != nil {
		return err
	}
	m.enabled = turnOn
	return nil
}

// Stop de-energizes the driver. A step train already running is not interrupted, but the driver
// ignores it while disabled and the move returns an error. Without an enable pin a running move
// cannot be stopped.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelMove != nil {
		m.cancelMove()
	}

	if m.enLowPin == nil {
		if m.moving {
			m.logger.CWarn(ctx, "no enable pin configured, the current move will run to completion")
		}
		return nil
	}
	if m.moving {
		m.stopped = true
	}
	if err := m.setEnabled(ctx, false); err != nil {
		return errors.Wrapf(err, "error in Stop from motor (%s)", m.motorName)
	}
	return nil
}

// Close de-energizes the driver.
func (m *Motor) Close(ctx context.Context) error {
	return m.Stop(ctx, nil)
}

// DoCommand() related constants.
const (
	Command      = "command"
	Step         = "step"
	MoveSteps    = "move_steps"
	Plan         = "plan"
	Fire         = "fire"
	PeriodVal    = "period_usec"
	StepsVal     = "steps"
	DirectionVal = "direction"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Step:
		periodRaw, ok := cmd[PeriodVal]
		if !ok {
			return nil, errors.Errorf("need %s value for step", PeriodVal)
		}
		period, ok := periodRaw.(float64)
		if !ok || period <= 0 || period > math.MaxUint32 {
			return nil, errors.Errorf("%s must be a positive number", PeriodVal)
		}
		return nil, m.stepOnce(ctx, cmd, uint32(period))
	case MoveSteps:
		steps, err := stepsFromCommand(cmd)
		if err != nil {
			return nil, err
		}
		if steps == 0 {
			return nil, nil
		}
		dir := stepper.Forward
		if steps < 0 {
			dir = stepper.Reverse
		}
		if math.Abs(steps) > math.MaxUint32 {
			return nil, errors.Errorf("%s out of range", StepsVal)
		}
		return nil, m.move(ctx, float64(m.config.MaxRPM()), dir, uint32(math.Abs(steps)))
	case Plan:
		steps, err := stepsFromCommand(cmd)
		if err != nil {
			return nil, err
		}
		if steps < 0 || steps > math.MaxUint32 {
			return nil, errors.Errorf("%s out of range", StepsVal)
		}
		return planToMap(m.config.Plan(uint32(steps))), nil
	case Fire:
		return nil, m.GoFor(ctx, m.maxRPM(), 1, nil)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

// stepOnce emits a single step, optionally switching direction first. Used for manual and
// home-seeking moves.
func (m *Motor) stepOnce(ctx context.Context, cmd map[string]interface{}, period uint32) error {
	ctx, done, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	core := stepper.NewMotor(m.stepPin, m.dirPin, m.config, m.timer)

	m.mu.Lock()
	dir := m.direction
	m.mu.Unlock()
	if dirRaw, ok := cmd[DirectionVal]; ok {
		switch dirRaw {
		case stepper.Forward.String():
			dir = stepper.Forward
		case stepper.Reverse.String():
			dir = stepper.Reverse
		default:
			return errors.Errorf("%s must be %q or %q", DirectionVal, stepper.Forward, stepper.Reverse)
		}
	}
	if err := m.prepare(ctx, core, dir); err != nil {
		return err
	}
	if err := core.StepOnce(ctx, period); err != nil {
		return err
	}
	return m.finish(dir, 1)
}

func stepsFromCommand(cmd map[string]interface{}) (float64, error) {
	stepsRaw, ok := cmd[StepsVal]
	if !ok {
		return 0, errors.Errorf("need %s value", StepsVal)
	}
	steps, ok := stepsRaw.(float64)
	if !ok || steps != math.Trunc(steps) {
		return 0, errors.Errorf("%s must be a whole number", StepsVal)
	}
	return steps, nil
}

func planToMap(plan stepper.RampPlan) map[string]interface{} {
	return map[string]interface{}{
		"init_period_usec":    plan.InitPeriod,
		"target_period_usec":  plan.TargetPeriod,
		"ramp_increment_usec": plan.RampIncrement,
		"max_ramp_steps":      plan.MaxRampSteps,
		"ramp_steps":          plan.RampSteps,
		"constant_steps":      plan.ConstantSteps,
		"duration_usec":       plan.DurationMicros(),
	}
}
