// Package app tracks the collector's run phase and the goroutines it
// must wait for before it counts as stopped.
package app

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/log"
)

// ShutdownTimeout bounds how long Stop waits for connection handlers.
const ShutdownTimeout = 5 * time.Second

// Phase is where the collector is in its run.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseCrashed
)

var phaseNames = [...]string{"stopped", "starting", "running", "stopping", "crashed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Running reports whether the collector accepts connections in p.
func (p Phase) Running() bool { return p == PhaseRunning }

// idle phases are the ones a run can begin from.
func (p Phase) idle() bool { return p == PhaseStopped || p == PhaseCrashed }

// moves lists the phases reachable from each phase.
var moves = map[Phase][]Phase{
	PhaseStopped:  {PhaseStarting},
	PhaseStarting: {PhaseRunning, PhaseStopping, PhaseCrashed},
	PhaseRunning:  {PhaseStopping, PhaseCrashed},
	PhaseStopping: {PhaseStopped, PhaseCrashed},
	PhaseCrashed:  {PhaseStarting},
}

// CanMoveTo reports whether to is reachable from p in one step.
func (p Phase) CanMoveTo(to Phase) bool {
	return slices.Contains(moves[p], to)
}

// Observer is told about each phase change, after the lock is released.
type Observer func(from, to Phase, reason string)

// Lifecycle guards the collector's phase and counts its goroutines
// (accept loop, per-connection readers, close handshakes).
type Lifecycle struct {
	logger  log.Logger
	observe Observer

	mu    sync.Mutex
	phase Phase

	workers sync.WaitGroup
}

// New returns a Lifecycle in PhaseStopped. observe may be nil.
func New(logger log.Logger, observe Observer) *Lifecycle {
	return &Lifecycle{logger: log.OrNoop(logger), observe: observe}
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Begin enters PhaseStarting from an idle phase.
func (l *Lifecycle) Begin(reason string) error {
	return l.moveIf(func(p Phase) bool { return p.idle() }, PhaseStarting, reason, domain.ErrAlreadyRunning)
}

// End enters PhaseStopping from PhaseStarting or PhaseRunning.
func (l *Lifecycle) End(reason string) error {
	return l.moveIf(func(p Phase) bool { return p == PhaseStarting || p == PhaseRunning }, PhaseStopping, reason, domain.ErrNotRunning)
}

// Move enters to. A move the phase graph does not allow fails with
// ErrNotRunning from an idle phase and ErrAlreadyRunning otherwise.
func (l *Lifecycle) Move(to Phase, reason string) error {
	l.mu.Lock()
	from := l.phase
	if !from.CanMoveTo(to) {
		l.mu.Unlock()
		sentinel := domain.ErrAlreadyRunning
		if from.idle() {
			sentinel = domain.ErrNotRunning
		}
		return fmt.Errorf("%w: %s to %s", sentinel, from, to)
	}
	l.phase = to
	l.mu.Unlock()

	l.moved(from, to, reason)
	return nil
}

func (l *Lifecycle) moveIf(ok func(Phase) bool, to Phase, reason string, refused error) error {
	l.mu.Lock()
	from := l.phase
	if !ok(from) {
		l.mu.Unlock()
		return refused
	}
	l.phase = to
	l.mu.Unlock()

	l.moved(from, to, reason)
	return nil
}

func (l *Lifecycle) moved(from, to Phase, reason string) {
	l.logger.Debug("collector phase",
		log.String("from", from.String()),
		log.String("to", to.String()),
		log.String("reason", reason))
	if l.observe != nil {
		l.observe(from, to, reason)
	}
}

// Go runs fn on a goroutine that Drain waits for.
func (l *Lifecycle) Go(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		fn()
	}()
}

// Drain waits for every Go goroutine, giving up with ErrShutdownTimeout
// after timeout. Abandoned goroutines keep running.
func (l *Lifecycle) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		l.logger.Warn("connection handlers still running after shutdown timeout",
			log.Duration("timeout", timeout))
		return domain.ErrShutdownTimeout
	}
}
