package stepper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// SimTimer is a Timer on a virtual clock: Sleep advances the clock instead of blocking, and Join
// runs its tasks one after the other from the same virtual start, resuming at whichever finished
// later. A move run on a SimTimer therefore has the exact timing a move on a real clock aims for,
// and completes instantly.
type SimTimer struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the virtual time elapsed since the timer was created.
func (t *SimTimer) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// Sleep advances the virtual clock by d.
func (t *SimTimer) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.now += d
	t.mu.Unlock()
}

// Join runs a then b, both starting at the current virtual time.
func (t *SimTimer) Join(a, b func() error) error {
	start := t.Now()
	errA := a()
	endA := t.Now()

	t.mu.Lock()
	t.now = start
	t.mu.Unlock()

	errB := b()

	t.mu.Lock()
	if endA > t.now {
		t.now = endA
	}
	t.mu.Unlock()
	return multierr.Combine(errA, errB)
}

// Edge is one level change seen by a Trace.
type Edge struct {
	At   time.Duration
	High bool
}

// Pulse is one high period of a traced output, along with the time until the next pulse starts.
// Spacing is zero for the last pulse.
type Pulse struct {
	Start   time.Duration
	Width   time.Duration
	Spacing time.Duration
}

// Trace is a DigitalOutput that records every write against a SimTimer's clock.
type Trace struct {
	timer *SimTimer

	mu    sync.Mutex
	edges []Edge
	level bool
}

// NewTrace returns a Trace stamping writes with timer's virtual time.
func NewTrace(timer *SimTimer) *Trace {
	return &Trace{timer: timer}
}

// Set records the write.
func (tr *Trace) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.edges = append(tr.edges, Edge{At: tr.timer.Now(), High: high})
	tr.level = high
	return nil
}

// High reports the last level written.
func (tr *Trace) High() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.level
}

// Edges returns a copy of every recorded write.
func (tr *Trace) Edges() []Edge {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Edge(nil), tr.edges...)
}

// Pulses pairs rising and falling writes into pulses. A rise that is never followed by a fall is
// reported with a zero width.
func (tr *Trace) Pulses() []Pulse {
	edges := tr.Edges()
	var pulses []Pulse
	high := false
	for _, e := range edges {
		switch {
		case e.High && !high:
			pulses = append(pulses, Pulse{Start: e.At})
			high = true
		case !e.High && high:
			pulses[len(pulses)-1].Width = e.At - pulses[len(pulses)-1].Start
			high = false
		}
	}
	for i := 0; i+1 < len(pulses); i++ {
		pulses[i].Spacing = pulses[i+1].Start - pulses[i].Start
	}
	return pulses
}
