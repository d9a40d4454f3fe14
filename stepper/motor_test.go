package stepper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func newSimMotor(config *MotorConfig) (*Motor, *SimTimer, *Trace, *Trace) {
	timer := &SimTimer{}
	step := NewTrace(timer)
	dir := NewTrace(timer)
	return NewMotor(step, dir, config, timer), timer, step, dir
}

// failingPin fails the n-th write (one based) and records the level of every write.
type failingPin struct {
	failOn int
	writes []bool
}

func (p *failingPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.writes = append(p.writes, high)
	if len(p.writes) == p.failOn {
		return errors.New("pin disconnected")
	}
	return nil
}

// blockingTimer holds every Sleep until release is closed.
type blockingTimer struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingTimer() *blockingTimer {
	return &blockingTimer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTimer) Sleep(d time.Duration) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
}

func (b *blockingTimer) Join(x, y func() error) error {
	return NewClockTimer(nil).Join(x, y)
}

func TestMoveToPosition(t *testing.T) {
	ctx := context.Background()
	config := halfStepConfig(t)
	m, timer, step, _ := newSimMotor(config)

	test.That(t, m.MoveToPosition(ctx, 1000), test.ShouldBeNil)

	plan := config.Plan(1000)
	pulses := step.Pulses()
	test.That(t, len(pulses), test.ShouldEqual, 1000)
	for i, p := range pulses {
		test.That(t, p.Width, test.ShouldEqual, 2*time.Microsecond)
		if i < len(pulses)-1 {
			test.That(t, p.Spacing, test.ShouldEqual, micros(plan.Period(uint32(i))))
		}
	}
	test.That(t, pulses[0].Start, test.ShouldEqual, time.Duration(0))
	test.That(t, pulses[1].Start, test.ShouldEqual, 1250*time.Microsecond)
	test.That(t, timer.Now(), test.ShouldEqual, micros(uint32(plan.DurationMicros())))
	test.That(t, step.High(), test.ShouldBeFalse)
}

func TestMoveToPositionPulseCount(t *testing.T) {
	ctx := context.Background()
	for name, config := range map[string]*MotorConfig{
		"half":   halfStepConfig(t),
		"eighth": eighthStepConfig(t),
	} {
		t.Run(name, func(t *testing.T) {
			for _, steps := range []uint32{0, 1, 2, 3, 50, 137, 138, 139, 164, 165, 500} {
				m, timer, step, _ := newSimMotor(config)
				test.That(t, m.MoveToPosition(ctx, steps), test.ShouldBeNil)
				test.That(t, len(step.Pulses()), test.ShouldEqual, int(steps))
				test.That(t, timer.Now(), test.ShouldEqual, micros(uint32(config.Plan(steps).DurationMicros())))
				test.That(t, step.High(), test.ShouldBeFalse)
			}
		})
	}
}

func TestMoveToPositionEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("zero steps", func(t *testing.T) {
		m, timer, step, dir := newSimMotor(halfStepConfig(t))
		test.That(t, m.MoveToPosition(ctx, 0), test.ShouldBeNil)
		test.That(t, step.Edges(), test.ShouldBeEmpty)
		test.That(t, dir.Edges(), test.ShouldBeEmpty)
		test.That(t, timer.Now(), test.ShouldEqual, time.Duration(0))
	})

	t.Run("zero steps never waits", func(t *testing.T) {
		timer := newBlockingTimer()
		m := NewMotor(&failingPin{}, &failingPin{}, halfStepConfig(t), timer)
		test.That(t, m.MoveToPosition(ctx, 0), test.ShouldBeNil)
		select {
		case <-timer.entered:
			t.Fatal("zero step move suspended")
		default:
		}
	})

	t.Run("single step skips the ramp", func(t *testing.T) {
		m, timer, step, _ := newSimMotor(halfStepConfig(t))
		test.That(t, m.MoveToPosition(ctx, 1), test.ShouldBeNil)
		pulses := step.Pulses()
		test.That(t, len(pulses), test.ShouldEqual, 1)
		test.That(t, pulses[0].Width, test.ShouldEqual, 2*time.Microsecond)
		test.That(t, timer.Now(), test.ShouldEqual, 416*time.Microsecond)
	})

	t.Run("cancelled context still completes", func(t *testing.T) {
		m, _, step, _ := newSimMotor(halfStepConfig(t))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		test.That(t, m.MoveToPosition(cancelled, 10), test.ShouldBeNil)
		test.That(t, len(step.Pulses()), test.ShouldEqual, 10)
		test.That(t, step.High(), test.ShouldBeFalse)
	})

	t.Run("move leaves direction alone", func(t *testing.T) {
		m, _, _, dir := newSimMotor(halfStepConfig(t))
		test.That(t, m.SetDirection(ctx, Reverse), test.ShouldBeNil)
		test.That(t, m.MoveToPosition(ctx, 20), test.ShouldBeNil)
		test.That(t, dir.Edges(), test.ShouldResemble, []Edge{{At: 0, High: false}})
	})
}

func TestStepOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("uniform spacing", func(t *testing.T) {
		m, timer, step, _ := newSimMotor(halfStepConfig(t))
		for i := 0; i < 3; i++ {
			test.That(t, m.StepOnce(ctx, 1000), test.ShouldBeNil)
			test.That(t, step.High(), test.ShouldBeFalse)
		}
		pulses := step.Pulses()
		test.That(t, len(pulses), test.ShouldEqual, 3)
		for _, p := range pulses {
			test.That(t, p.Width, test.ShouldEqual, 2*time.Microsecond)
		}
		test.That(t, pulses[0].Spacing, test.ShouldEqual, time.Millisecond)
		test.That(t, pulses[1].Spacing, test.ShouldEqual, time.Millisecond)
		test.That(t, timer.Now(), test.ShouldEqual, 3*time.Millisecond)
	})

	t.Run("period must exceed pulse width", func(t *testing.T) {
		m, timer, step, _ := newSimMotor(halfStepConfig(t))
		err := m.StepOnce(ctx, 2)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "must be longer than the 2us pulse width")
		test.That(t, step.Edges(), test.ShouldBeEmpty)
		test.That(t, timer.Now(), test.ShouldEqual, time.Duration(0))

		test.That(t, m.StepOnce(ctx, 3), test.ShouldBeNil)
	})

	t.Run("raise failure still lowers the pin", func(t *testing.T) {
		pin := &failingPin{failOn: 1}
		m := NewMotor(pin, &failingPin{}, halfStepConfig(t), &SimTimer{})
		err := m.StepOnce(ctx, 1000)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "raising step output")
		test.That(t, err.Error(), test.ShouldContainSubstring, "pin disconnected")
		test.That(t, pin.writes, test.ShouldResemble, []bool{true, false})
	})
}

func TestMoveToPositionWriteFailure(t *testing.T) {
	ctx := context.Background()

	// two writes per step, so write 201 raises step 100, which is in the cruise phase
	pin := &failingPin{failOn: 201}
	m := NewMotor(pin, &failingPin{}, halfStepConfig(t), &SimTimer{})
	err := m.MoveToPosition(ctx, 1000)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cruise step 100 of 1000")
	test.That(t, err.Error(), test.ShouldContainSubstring, "pin disconnected")
	test.That(t, len(pin.writes), test.ShouldEqual, 202)
	test.That(t, pin.writes[201], test.ShouldBeFalse)

	// the failure is reported from decel as well
	pin = &failingPin{failOn: 2*995 + 2}
	m = NewMotor(pin, &failingPin{}, halfStepConfig(t), &SimTimer{})
	err = m.MoveToPosition(ctx, 1000)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "decel step 995 of 1000")
	test.That(t, err.Error(), test.ShouldContainSubstring, "lowering step output")
}

func TestSetDirection(t *testing.T) {
	ctx := context.Background()
	m, _, _, dir := newSimMotor(halfStepConfig(t))
	test.That(t, m.SetDirection(ctx, Forward), test.ShouldBeNil)
	test.That(t, dir.High(), test.ShouldBeTrue)
	test.That(t, m.SetDirection(ctx, Reverse), test.ShouldBeNil)
	test.That(t, dir.High(), test.ShouldBeFalse)
	test.That(t, Forward.String(), test.ShouldEqual, "forward")

	failing := NewMotor(&failingPin{}, &failingPin{failOn: 1}, halfStepConfig(t), &SimTimer{})
	err := failing.SetDirection(ctx, Forward)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "setting direction forward")
}

func TestMotorBusy(t *testing.T) {
	ctx := context.Background()
	timer := newBlockingTimer()
	var mu sync.Mutex
	step := &failingPin{}
	m := NewMotor(lockedPin{&mu, step}, lockedPin{&mu, &failingPin{}}, halfStepConfig(t), timer)

	done := make(chan error, 1)
	go func() {
		done <- m.MoveToPosition(ctx, 2)
	}()
	<-timer.entered

	test.That(t, m.StepOnce(ctx, 1000), test.ShouldEqual, ErrMotorBusy)
	test.That(t, m.MoveToPosition(ctx, 5), test.ShouldEqual, ErrMotorBusy)
	test.That(t, m.SetDirection(ctx, Forward), test.ShouldEqual, ErrMotorBusy)

	close(timer.release)
	test.That(t, <-done, test.ShouldBeNil)

	mu.Lock()
	test.That(t, step.writes, test.ShouldResemble, []bool{true, false, true, false})
	mu.Unlock()

	test.That(t, m.StepOnce(ctx, 1000), test.ShouldBeNil)
}

type lockedPin struct {
	mu  *sync.Mutex
	pin *failingPin
}

func (p lockedPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin.Set(ctx, high, extra)
}
