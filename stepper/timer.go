package stepper

import (
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Timer is the waiting capability the step engine runs on.
type Timer interface {
	// Sleep suspends the calling goroutine for d. It is never interrupted.
	Sleep(d time.Duration)

	// Join runs a and b concurrently and returns once both have finished, reporting the first
	// error either of them returned.
	Join(a, b func() error) error
}

// NewClockTimer returns a Timer that sleeps on clk and joins with goroutines.
func NewClockTimer(clk clock.Clock) Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &clockTimer{clk: clk}
}

type clockTimer struct {
	clk clock.Clock
}

func (t *clockTimer) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t.clk.Sleep(d)
}

func (t *clockTimer) Join(a, b func() error) error {
	var g errgroup.Group
	g.Go(a)
	g.Go(b)
	return g.Wait()
}

func micros(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}
