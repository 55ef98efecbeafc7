// Package state runs the ordered list of state atoms that turn dirty flags
// into hardware objects and commands.
//
// A run visits every atom whose dependency mask intersects the dirty set
// twice: first Prepare (acquire objects, register buffers), then Emit
// (write commands). Atoms may raise further dirty bits, but only bits that
// no earlier atom examined; the debug check enforces this ordering.
package state

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/subcore/internal/logx"
)

// Phase is the pipeline state. A run moves Idle, Preparing, Validating,
// Emitting and back to Idle. Validating is the working-set check, so it
// follows prepare: only then is every buffer the draw needs known.
type Phase int

// Pipeline phases.
const (
	Idle Phase = iota
	Validating
	Preparing
	Emitting
)

var phaseNames = [...]string{"idle", "validating", "preparing", "emitting"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrPipelineBusy is returned by Run when called from inside an atom.
var ErrPipelineBusy = errors.New("state: run while pipeline is running")

// Atom is one unit of hardware state.
type Atom struct {
	Name    string
	Dirty   Flags
	Prepare func() error
	Emit    func() error
}

// OrderError describes an atom that raised dirty bits an earlier atom had
// already examined. The pipeline panics with it in debug mode.
type OrderError struct {
	Atom      string
	Examined  Flags
	Generated Flags
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("state: atom %q raised %v after they were examined (examined %v)",
		e.Atom, e.Generated.And(e.Examined), e.Examined)
}

// Stats counts pipeline activity.
type Stats struct {
	Runs     uint64
	NoOps    uint64
	Prepares uint64
	Emits    uint64
	Aborts   uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Pipeline{runs=%d, noops=%d, prepares=%d, emits=%d, aborts=%d}",
		s.Runs, s.NoOps, s.Prepares, s.Emits, s.Aborts)
}

// Pipeline owns the atom list and the dirty state.
type Pipeline struct {
	atoms     []Atom
	dirty     Flags
	phase     Phase
	debug     bool
	validator func() error
	log       *slog.Logger
	stats     Stats
}

// New creates a pipeline over atoms, which are visited in order.
func New(atoms []Atom, opts ...Option) *Pipeline {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipeline{
		atoms:     append([]Atom(nil), atoms...),
		debug:     o.debug,
		validator: o.validator,
		log:       logx.OrNop(o.logger),
	}
}

// Atoms returns the atom list.
func (p *Pipeline) Atoms() []Atom { return p.atoms }

// Flag raises dirty bits. Producers call it between runs; atoms call it
// during a run to dirty later atoms.
func (p *Pipeline) Flag(f Flags) { p.dirty = p.dirty.Or(f) }

// Dirty returns the pending dirty bits.
func (p *Pipeline) Dirty() Flags { return p.dirty }

// Phase returns the current phase.
func (p *Pipeline) Phase() Phase { return p.phase }

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats { return p.stats }

// Run merges flags into the dirty set and, if anything is dirty, prepares
// and emits every affected atom, then clears the dirty set.
//
// A Prepare failure or a validator failure returns before any command is
// written. An Emit failure stops emission. In both cases the dirty set is
// left intact so the same request can be retried.
func (p *Pipeline) Run(flags Flags) error {
	if p.phase != Idle {
		return ErrPipelineBusy
	}
	p.dirty = p.dirty.Or(flags)
	if !p.dirty.Any() {
		p.stats.NoOps++
		return nil
	}
	p.stats.Runs++
	defer func() { p.phase = Idle }()

	p.phase = Preparing
	chk := p.newOrderCheck()
	for i := range p.atoms {
		a := &p.atoms[i]
		chk.visit(a)
		if a.Prepare == nil || !a.Dirty.Intersects(p.dirty) {
			continue
		}
		p.stats.Prepares++
		if err := a.Prepare(); err != nil {
			p.stats.Aborts++
			p.log.Debug("state: prepare failed", "atom", a.Name, "err", err)
			return fmt.Errorf("state: prepare %s: %w", a.Name, err)
		}
		chk.after(a)
	}

	if p.validator != nil {
		p.phase = Validating
		if err := p.validator(); err != nil {
			p.stats.Aborts++
			return err
		}
	}

	p.phase = Emitting
	chk = p.newOrderCheck()
	for i := range p.atoms {
		a := &p.atoms[i]
		chk.visit(a)
		if a.Emit == nil || !a.Dirty.Intersects(p.dirty) {
			continue
		}
		p.stats.Emits++
		if err := a.Emit(); err != nil {
			p.stats.Aborts++
			p.log.Debug("state: emit failed", "atom", a.Name, "err", err)
			return fmt.Errorf("state: emit %s: %w", a.Name, err)
		}
		chk.after(a)
	}

	p.dirty = Flags{}
	return nil
}

// orderCheck accumulates the dependency masks of visited atoms and the
// bits each atom changed. Disabled outside debug mode.
type orderCheck struct {
	p        *Pipeline
	examined Flags
	prev     Flags
}

func (p *Pipeline) newOrderCheck() *orderCheck {
	if !p.debug {
		return nil
	}
	return &orderCheck{p: p, prev: p.dirty}
}

func (c *orderCheck) visit(a *Atom) {
	if c == nil {
		return
	}
	c.examined = c.examined.Or(a.Dirty)
}

func (c *orderCheck) after(a *Atom) {
	if c == nil {
		return
	}
	generated := c.prev.Xor(c.p.dirty)
	if generated.Intersects(c.examined) {
		panic(&OrderError{Atom: a.Name, Examined: c.examined, Generated: generated})
	}
	c.prev = c.p.dirty
}
