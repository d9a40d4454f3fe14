package stepper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// wallPin records the wall clock time of every write.
type wallPin struct {
	mu     sync.Mutex
	at     []time.Time
	levels []bool
}

func (p *wallPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.at = append(p.at, time.Now())
	p.levels = append(p.levels, high)
	return nil
}

func TestClockTimerJoinOverlaps(t *testing.T) {
	timer := NewClockTimer(nil)
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		// each task waits for the other to start, so a serial join would never finish
		done <- timer.Join(
			func() error {
				close(aStarted)
				<-bStarted
				return nil
			},
			func() error {
				close(bStarted)
				<-aStarted
				return nil
			},
		)
	}()

	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("join did not run its tasks concurrently")
	}
}

func TestClockTimerJoinWaitsForBoth(t *testing.T) {
	timer := NewClockTimer(nil)
	var slowFinished bool
	err := timer.Join(
		func() error {
			return errors.New("fast failure")
		},
		func() error {
			time.Sleep(20 * time.Millisecond)
			slowFinished = true
			return nil
		},
	)
	test.That(t, err, test.ShouldBeError, errors.New("fast failure"))
	test.That(t, slowFinished, test.ShouldBeTrue)
}

func TestClockTimerSleep(t *testing.T) {
	mock := clock.NewMock()
	timer := NewClockTimer(mock)

	// non-positive sleeps return without waiting on the mock
	timer.Sleep(0)
	timer.Sleep(-time.Second)

	start := time.Now()
	NewClockTimer(nil).Sleep(10 * time.Millisecond)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 10*time.Millisecond)
}

// The concurrent clock timer and the serial simulated timer must produce the same pulse: the
// pulse width is the configured width and the call lasts exactly one period.
func TestStepOnceClockMatchesSim(t *testing.T) {
	ctx := context.Background()
	const (
		period = 20 * time.Millisecond
		width  = 5 * time.Millisecond
	)
	// 200 steps/rev at 1 rpm is a 333333us period, so a 5ms pulse fits
	config, err := NewMotorConfig(200, Full, 1, 1, 0.01, uint32(width/time.Microsecond))
	test.That(t, err, test.ShouldBeNil)

	sim, simTimer, simStep, _ := newSimMotor(config)
	test.That(t, sim.StepOnce(ctx, uint32(period/time.Microsecond)), test.ShouldBeNil)
	simPulses := simStep.Pulses()
	test.That(t, len(simPulses), test.ShouldEqual, 1)
	test.That(t, simPulses[0].Width, test.ShouldEqual, width)
	test.That(t, simTimer.Now(), test.ShouldEqual, period)

	pin := &wallPin{}
	wall := NewMotor(pin, &wallPin{}, config, NewClockTimer(clock.New()))
	start := time.Now()
	test.That(t, wall.StepOnce(ctx, uint32(period/time.Microsecond)), test.ShouldBeNil)
	returned := time.Now()
	elapsed := returned.Sub(start)

	test.That(t, elapsed, test.ShouldBeGreaterThanOrEqualTo, period)
	test.That(t, elapsed, test.ShouldBeLessThan, period+time.Second)

	pin.mu.Lock()
	defer pin.mu.Unlock()
	test.That(t, pin.levels, test.ShouldResemble, []bool{true, false})
	test.That(t, pin.at[1].Sub(pin.at[0]), test.ShouldBeGreaterThanOrEqualTo, simPulses[0].Width)
	test.That(t, pin.at[1].Before(returned), test.ShouldBeTrue)
}
