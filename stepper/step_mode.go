package stepper

import (
	"strconv"

	"github.com/pkg/errors"
)

// StepMode is the microstep resolution the driver is strapped for. The value of each mode is its
// divisor: the number of microsteps per full motor step.
type StepMode uint32

// Supported microstep modes of the DRV8825.
const (
	Full         StepMode = 1
	Half         StepMode = 2
	Quarter      StepMode = 4
	Eighth       StepMode = 8
	Sixteenth    StepMode = 16
	ThirtySecond StepMode = 32
)

// Divisor returns the number of microsteps per full step.
func (s StepMode) Divisor() uint32 {
	return uint32(s)
}

// Valid reports whether s is one of the supported modes.
func (s StepMode) Valid() bool {
	switch s {
	case Full, Half, Quarter, Eighth, Sixteenth, ThirtySecond:
		return true
	default:
		return false
	}
}

func (s StepMode) String() string {
	switch s {
	case Full:
		return "full"
	case Half:
		return "1/2"
	case Quarter:
		return "1/4"
	case Eighth:
		return "1/8"
	case Sixteenth:
		return "1/16"
	case ThirtySecond:
		return "1/32"
	default:
		return "StepMode(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// ParseStepMode returns the mode with the given microstep divisor.
func ParseStepMode(divisor int) (StepMode, error) {
	if divisor <= 0 {
		return 0, errors.Errorf("step mode must be one of 1, 2, 4, 8, 16, 32, got %d", divisor)
	}
	mode := StepMode(divisor)
	if !mode.Valid() {
		return 0, errors.Errorf("step mode must be one of 1, 2, 4, 8, 16, 32, got %d", divisor)
	}
	return mode, nil
}
