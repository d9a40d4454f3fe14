package stepper

import (
	"math"

	"github.com/pkg/errors"
)

const (
	microsPerSecond = 1_000_000
	secondsPerMin   = 60
)

// MotorConfig holds the motion parameters of one motor. It is built once from calibration
// constants and never mutated; every derived timing value is recomputed on demand.
type MotorConfig struct {
	fullStepsPerRev  uint32
	stepMode         StepMode
	minRPM           uint32
	maxRPM           uint32
	accel            float32
	minPulseOnMicros uint32
}

// NewMotorConfig validates the given parameters and returns the resulting config.
//
// accel is the fraction of the slowest step period removed from the period on every
// acceleration step. minPulseOnMicros is the driver's minimum step pulse width and must fit
// inside the fastest step period.
func NewMotorConfig(
	fullStepsPerRev uint32,
	stepMode StepMode,
	minRPM, maxRPM uint32,
	accel float32,
	minPulseOnMicros uint32,
) (*MotorConfig, error) {
	if fullStepsPerRev == 0 {
		return nil, errors.New("full steps per revolution must be greater than 0")
	}
	if !stepMode.Valid() {
		return nil, errors.Errorf("unsupported step mode %v", stepMode)
	}
	if minRPM == 0 {
		return nil, errors.New("min rpm must be greater than 0")
	}
	if maxRPM < minRPM {
		return nil, errors.Errorf("max rpm (%d) must not be less than min rpm (%d)", maxRPM, minRPM)
	}
	if math.IsNaN(float64(accel)) || accel <= 0 || accel > 1 {
		return nil, errors.Errorf("acceleration must be in (0, 1], got %v", accel)
	}

	c := &MotorConfig{
		fullStepsPerRev:  fullStepsPerRev,
		stepMode:         stepMode,
		minRPM:           minRPM,
		maxRPM:           maxRPM,
		accel:            accel,
		minPulseOnMicros: minPulseOnMicros,
	}

	if stepFrequency(minRPM, fullStepsPerRev, stepMode) == 0 {
		return nil, errors.Errorf(
			"min rpm %d is below one step per second at %d steps per revolution",
			minRPM, c.StepsPerRev())
	}
	if minPeriod := c.MinStepPeriod(); minPulseOnMicros >= minPeriod {
		return nil, errors.Errorf(
			"min pulse width %dus does not fit inside the fastest step period %dus",
			minPulseOnMicros, minPeriod)
	}
	if c.RampIncrement() == 0 {
		return nil, errors.Errorf(
			"acceleration %v is too small: ramp increment truncates to 0 for a %dus start period",
			accel, c.MaxStepPeriod())
	}
	return c, nil
}

// WithMaxRPM returns a config whose cruise speed is capped at rpm. The receiver is returned
// unchanged when rpm is at or above its max rpm.
func (c *MotorConfig) WithMaxRPM(rpm uint32) (*MotorConfig, error) {
	if rpm >= c.maxRPM {
		return c, nil
	}
	minRPM := c.minRPM
	if rpm < minRPM {
		minRPM = rpm
	}
	return NewMotorConfig(c.fullStepsPerRev, c.stepMode, minRPM, rpm, c.accel, c.minPulseOnMicros)
}

// FullStepsPerRev returns the number of full motor steps per revolution.
func (c *MotorConfig) FullStepsPerRev() uint32 { return c.fullStepsPerRev }

// StepMode returns the configured microstep mode.
func (c *MotorConfig) StepMode() StepMode { return c.stepMode }

// MinRPM returns the speed every move starts and ends at.
func (c *MotorConfig) MinRPM() uint32 { return c.minRPM }

// MaxRPM returns the cruise speed.
func (c *MotorConfig) MaxRPM() uint32 { return c.maxRPM }

// Accel returns the per-step fractional period reduction.
func (c *MotorConfig) Accel() float32 { return c.accel }

// MinPulseOnMicros returns the step pulse width in microseconds.
func (c *MotorConfig) MinPulseOnMicros() uint32 { return c.minPulseOnMicros }

// StepsPerRev returns the number of microsteps per motor revolution.
func (c *MotorConfig) StepsPerRev() uint32 {
	return c.fullStepsPerRev * c.stepMode.Divisor()
}

// MinStepPeriod returns the step period at max rpm, in microseconds. This is the fastest the
// motor is ever stepped.
func (c *MotorConfig) MinStepPeriod() uint32 {
	return stepPeriodMicros(c.maxRPM, c.fullStepsPerRev, c.stepMode)
}

// MaxStepPeriod returns the step period at min rpm, in microseconds.
func (c *MotorConfig) MaxStepPeriod() uint32 {
	return stepPeriodMicros(c.minRPM, c.fullStepsPerRev, c.stepMode)
}

// RampIncrement returns the amount, in microseconds, the step period changes by on each ramp step.
func (c *MotorConfig) RampIncrement() uint32 {
	return uint32(float32(c.MaxStepPeriod()) * c.accel)
}

// stepPeriodMicros returns the step period in microseconds for the given speed. The caller
// guarantees the step frequency is not zero.
func stepPeriodMicros(rpm, fullStepsPerRev uint32, mode StepMode) uint32 {
	return uint32(microsPerSecond / stepFrequency(rpm, fullStepsPerRev, mode))
}

// stepFrequency returns the step rate in Hz. The products are taken before the single
// truncating division.
func stepFrequency(rpm, fullStepsPerRev uint32, mode StepMode) uint64 {
	return uint64(fullStepsPerRev) * uint64(mode.Divisor()) * uint64(rpm) / secondsPerMin
}
