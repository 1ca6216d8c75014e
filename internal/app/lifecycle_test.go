package app

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bft-labs/devrelay/internal/domain"
)

type move struct {
	from, to Phase
	reason   string
}

// recorder collects observed phase changes.
type recorder struct {
	mu    sync.Mutex
	moves []move
}

func (r *recorder) observe(from, to Phase, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, move{from, to, reason})
}

func (r *recorder) list() []move {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]move(nil), r.moves...)
}

// lifecycleIn returns a Lifecycle already in p.
func lifecycleIn(p Phase) *Lifecycle {
	l := New(nil, nil)
	l.phase = p
	return l
}

func TestNew(t *testing.T) {
	l := New(nil, nil)
	if l.Phase() != PhaseStopped {
		t.Errorf("initial phase = %v, want stopped", l.Phase())
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseStopped, "stopped"},
		{PhaseStarting, "starting"},
		{PhaseRunning, "running"},
		{PhaseStopping, "stopping"},
		{PhaseCrashed, "crashed"},
		{Phase(42), "phase(42)"},
		{Phase(-1), "phase(-1)"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(tt.phase), got, tt.want)
		}
	}
}

func TestPhase_CanMoveTo(t *testing.T) {
	all := []Phase{PhaseStopped, PhaseStarting, PhaseRunning, PhaseStopping, PhaseCrashed}
	allowed := map[move]bool{
		{from: PhaseStopped, to: PhaseStarting}:  true,
		{from: PhaseStarting, to: PhaseRunning}:  true,
		{from: PhaseStarting, to: PhaseStopping}: true,
		{from: PhaseStarting, to: PhaseCrashed}:  true,
		{from: PhaseRunning, to: PhaseStopping}:  true,
		{from: PhaseRunning, to: PhaseCrashed}:   true,
		{from: PhaseStopping, to: PhaseStopped}:  true,
		{from: PhaseStopping, to: PhaseCrashed}:  true,
		{from: PhaseCrashed, to: PhaseStarting}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[move{from: from, to: to}]
			if got := from.CanMoveTo(to); got != want {
				t.Errorf("%v.CanMoveTo(%v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestLifecycle_Move(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr error
	}{
		{"starting to running", PhaseStarting, PhaseRunning, nil},
		{"running to crashed", PhaseRunning, PhaseCrashed, nil},
		{"stopping to stopped", PhaseStopping, PhaseStopped, nil},
		{"stopped to running", PhaseStopped, PhaseRunning, domain.ErrNotRunning},
		{"crashed to stopping", PhaseCrashed, PhaseStopping, domain.ErrNotRunning},
		{"running to starting", PhaseRunning, PhaseStarting, domain.ErrAlreadyRunning},
		{"stopping to running", PhaseStopping, PhaseRunning, domain.ErrAlreadyRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := lifecycleIn(tt.from)
			err := l.Move(tt.to, "test")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Move() error = %v, want %v", err, tt.wantErr)
			}
			want := tt.to
			if tt.wantErr != nil {
				want = tt.from
			}
			if l.Phase() != want {
				t.Errorf("phase = %v, want %v", l.Phase(), want)
			}
		})
	}
}

func TestLifecycle_Begin(t *testing.T) {
	tests := []struct {
		from    Phase
		wantErr error
	}{
		{PhaseStopped, nil},
		{PhaseCrashed, nil},
		{PhaseStarting, domain.ErrAlreadyRunning},
		{PhaseRunning, domain.ErrAlreadyRunning},
		{PhaseStopping, domain.ErrAlreadyRunning},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			l := lifecycleIn(tt.from)
			if err := l.Begin("start"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Begin() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifecycle_End(t *testing.T) {
	tests := []struct {
		from    Phase
		wantErr error
	}{
		{PhaseStarting, nil},
		{PhaseRunning, nil},
		{PhaseStopped, domain.ErrNotRunning},
		{PhaseStopping, domain.ErrNotRunning},
		{PhaseCrashed, domain.ErrNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			l := lifecycleIn(tt.from)
			if err := l.End("stop"); !errors.Is(err, tt.wantErr) {
				t.Errorf("End() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifecycle_ObservesFullRun(t *testing.T) {
	rec := &recorder{}
	l := New(nil, rec.observe)

	steps := []func() error{
		func() error { return l.Begin("start requested") },
		func() error { return l.Move(PhaseRunning, "listening") },
		func() error { return l.End("stop requested") },
		func() error { return l.Move(PhaseStopped, "stopped") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	// Refused moves are not observed.
	_ = l.End("again")

	want := []move{
		{PhaseStopped, PhaseStarting, "start requested"},
		{PhaseStarting, PhaseRunning, "listening"},
		{PhaseRunning, PhaseStopping, "stop requested"},
		{PhaseStopping, PhaseStopped, "stopped"},
	}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("observed %d moves, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("move %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLifecycle_ObserverMayReadPhase(t *testing.T) {
	var l *Lifecycle
	var seen Phase
	l = New(nil, func(_, _ Phase, _ string) { seen = l.Phase() })

	if err := l.Begin("start"); err != nil {
		t.Fatal(err)
	}
	if seen != PhaseStarting {
		t.Errorf("phase seen by observer = %v, want starting", seen)
	}
}

func TestLifecycle_Drain(t *testing.T) {
	l := New(nil, nil)
	var ran atomic.Int32
	release := make(chan struct{})
	for range 3 {
		l.Go(func() {
			<-release
			ran.Add(1)
		})
	}

	if err := l.Drain(20 * time.Millisecond); !errors.Is(err, domain.ErrShutdownTimeout) {
		t.Fatalf("Drain() with blocked workers = %v, want ErrShutdownTimeout", err)
	}

	close(release)
	if err := l.Drain(5 * time.Second); err != nil {
		t.Fatalf("Drain() = %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("ran = %d, want 3", ran.Load())
	}
}

func TestLifecycle_DrainIdle(t *testing.T) {
	if err := New(nil, nil).Drain(time.Millisecond); err != nil {
		t.Errorf("Drain() on idle lifecycle = %v", err)
	}
}

func TestLifecycle_ConcurrentBegin(t *testing.T) {
	l := New(nil, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Begin("race") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d goroutines won Begin, want 1", wins.Load())
	}
}
