package stepper

// Phase names one section of a trapezoidal move.
type Phase int

// Phases of a move, in execution order.
const (
	Accel Phase = iota
	Cruise
	Decel
)

func (p Phase) String() string {
	switch p {
	case Accel:
		return "accel"
	case Cruise:
		return "cruise"
	case Decel:
		return "decel"
	default:
		return "unknown"
	}
}

// RampPlan is the trapezoidal profile for a move of a given number of steps. All periods are in
// microseconds.
type RampPlan struct {
	InitPeriod    uint32
	TargetPeriod  uint32
	RampIncrement uint32
	MaxRampSteps  uint32
	RampSteps     uint32
	ConstantSteps uint32
}

// Plan computes the profile for a move of steps microsteps. Ramps never take more than half the
// move: when there are not enough steps to reach cruise speed both ramps are shortened
// symmetrically and the cruise phase is empty.
func (c *MotorConfig) Plan(steps uint32) RampPlan {
	p := RampPlan{
		InitPeriod:    c.MaxStepPeriod(),
		TargetPeriod:  c.MinStepPeriod(),
		RampIncrement: c.RampIncrement(),
	}
	p.MaxRampSteps = (p.InitPeriod - p.TargetPeriod) / p.RampIncrement
	if 2*uint64(p.MaxRampSteps) >= uint64(steps) {
		p.RampSteps = steps / 2
	} else {
		p.RampSteps = p.MaxRampSteps
	}
	p.ConstantSteps = steps - 2*p.RampSteps
	return p
}

// Total returns the number of pulses the plan issues.
func (p RampPlan) Total() uint32 {
	return 2*p.RampSteps + p.ConstantSteps
}

// PhaseOf returns the phase step i (zero based) belongs to.
func (p RampPlan) PhaseOf(i uint32) Phase {
	switch {
	case i < p.RampSteps:
		return Accel
	case i < p.RampSteps+p.ConstantSteps:
		return Cruise
	default:
		return Decel
	}
}

// Period returns the period of step i (zero based).
func (p RampPlan) Period(i uint32) uint32 {
	switch p.PhaseOf(i) {
	case Accel:
		return p.InitPeriod - i*p.RampIncrement
	case Cruise:
		return p.TargetPeriod
	default:
		return p.TargetPeriod + (i-p.RampSteps-p.ConstantSteps)*p.RampIncrement
	}
}

// DurationMicros returns the total time the move takes. The accel and decel ramps mirror each
// other, so together each ramp pair costs InitPeriod+TargetPeriod.
func (p RampPlan) DurationMicros() uint64 {
	return uint64(p.RampSteps)*(uint64(p.InitPeriod)+uint64(p.TargetPeriod)) +
		uint64(p.ConstantSteps)*uint64(p.TargetPeriod)
}
