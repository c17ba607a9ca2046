// Package testinterp is a reference Interpreter used only by tests. It
// does not decode or execute real RISC-V instructions; instead it runs
// a caller-supplied sequence of Steps against a rv32.Hart, exercising
// the same hooks a real decoder would call (register access, virtual
// memory translation, trap/interrupt delivery, TLB invalidation) so the
// run loop and MMU can be tested end-to-end without a full decoder.
package testinterp

import "github.com/tinyrange/rv32hart/internal/rv32"

// Step is one scripted action a Interpreter performs during a single
// RunTillEvent call.
type Step func(h *rv32.Hart) error

// Interpreter replays Steps in order, one per RunTillEvent call, then
// returns nil once the script is exhausted (subsequent calls are a
// no-op, matching a real interpreter idling with nothing left to run).
type Interpreter struct {
	steps []Step
	pos   int
}

// New returns an Interpreter that will execute steps in order, one per
// RunTillEvent call.
func New(steps ...Step) *Interpreter {
	return &Interpreter{steps: steps}
}

// RunTillEvent implements rv32.Interpreter.
func (i *Interpreter) RunTillEvent(h *rv32.Hart) error {
	if i.pos >= len(i.steps) {
		return nil
	}
	step := i.steps[i.pos]
	i.pos++
	return step(h)
}

// Done reports whether every scripted step has run.
func (i *Interpreter) Done() bool { return i.pos >= len(i.steps) }

// ReadWrite is a Step that copies a value between two general-purpose
// registers, the kind of thing a real `mv` instruction would do.
func ReadWrite(dst, src uint32) Step {
	return func(h *rv32.Hart) error {
		h.WriteReg(dst, h.ReadReg(src))
		return nil
	}
}

// Load is a Step that performs a virtual memory read into a register,
// returning a *rv32.TrapError (via h.Trap) on a page fault instead of
// propagating the raw error, matching how a real interpreter turns a
// faulting load into a delivered trap.
func Load(dst, addr, size uint32) Step {
	return func(h *rv32.Hart) error {
		v, err := h.ReadVirtual(addr, size)
		if err != nil {
			return trapFor(h, err)
		}
		h.WriteReg(dst, v)
		return nil
	}
}

// Store is a Step that performs a virtual memory write.
func Store(addr, size, value uint32) Step {
	return func(h *rv32.Hart) error {
		if err := h.WriteVirtual(addr, size, value); err != nil {
			return trapFor(h, err)
		}
		return nil
	}
}

func trapFor(h *rv32.Hart, err error) error {
	if pf, ok := err.(*rv32.PageFault); ok {
		h.Trap(pf.Cause, pf.Addr)
		return &rv32.TrapError{Cause: pf.Cause, Tval: pf.Addr, Priv: h.Priv}
	}
	return err
}

// FlushTLB is a Step that invalidates the hart's TLB, the scripted
// equivalent of an sfence.vma.
func FlushTLB() Step {
	return func(h *rv32.Hart) error {
		h.TLB.Flush()
		return nil
	}
}

// WFI is a Step that parks the hart in WaitForInterrupt.
func WFI() Step {
	return func(h *rv32.Hart) error {
		h.WaitForInterrupt()
		return nil
	}
}
