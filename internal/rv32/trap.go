package rv32

import (
	"github.com/tinyrange/rv32hart/internal/debug"
)

var trapLog = debug.WithSource("rv32.trap")

// TrapError is returned by run-loop-facing helpers so a caller can tell
// a delivered trap apart from a translation or decode failure without
// inspecting the cause number directly, mirroring the teacher's
// ExceptionError/errors.As convention.
type TrapError struct {
	Cause uint32
	Tval  uint32
	Priv  uint8 // privilege level the trap was delivered into
}

func (e *TrapError) Error() string {
	return "rv32: trap delivered"
}

// targetPriv applies the delegation algorithm from spec §4.3: a trap
// taken at M always stays at M; otherwise it descends from M towards
// the hart's current privilege one level at a time, stopping as soon as
// a level's delegation mask doesn't claim the cause, and never
// descending below S (this core has no U-mode trap handling).
func targetPriv(cur uint8, delegMask [4]uint32, causeBit uint32) uint8 {
	if cur == PrivMachine {
		return PrivMachine
	}
	if delegMask[PrivSupervisor]&causeBit != 0 {
		return PrivSupervisor
	}
	return PrivMachine
}

// Trap delivers a synchronous exception to the hart: it computes the
// delegation target, saves PC/cause/tval/status at that level, updates
// Priv, sets PC to that level's trap vector, and sets the event flag the
// run loop polls for.
func (h *Hart) Trap(cause, tval uint32) {
	target := targetPriv(h.Priv, h.CSR.EDeleg, 1<<cause)
	h.deliver(target, cause, tval)
	h.EvTrap = true
	trapLog.Writef("hart=%d cause=%d tval=%#x -> priv=%d", h.CSR.HartID, cause, tval, target)
}

// Interrupt posts a pending interrupt for the hart. Unlike Trap it does
// not immediately redirect control: it only sets the IP bit and the
// event-mask word the run loop drains at its next safe point, because
// an interrupt must wait for handleIP's priority arbitration and the
// current global/local enable state before it actually traps (spec
// §4.3/§4.4). It is safe to call from any goroutine.
func (h *Hart) Interrupt(cause uint32) {
	h.mu.Lock()
	h.CSR.IP |= 1 << cause
	h.EvIntMask |= 1 << cause
	h.EvInt = true
	h.mu.Unlock()
	h.WaitEvent.Wake()
}

// ClearInterrupt clears a previously posted interrupt-pending bit, used
// when the condition that raised it (e.g. a timer catching back up)
// goes away before the hart observes it.
func (h *Hart) ClearInterrupt(cause uint32) {
	h.mu.Lock()
	h.CSR.IP &^= 1 << cause
	h.mu.Unlock()
}

func (h *Hart) deliver(target uint8, cause, tval uint32) {
	h.CSR.EPC[target] = h.PC
	h.CSR.Cause[target] = cause
	h.CSR.TVal[target] = tval

	switch target {
	case PrivMachine:
		if h.Status()&StatusMIE != 0 {
			h.CSR.Status |= StatusMPIE
		} else {
			h.CSR.Status &^= StatusMPIE
		}
		h.CSR.Status &^= StatusMIE
		h.CSR.SetMPP(h.Priv)
	case PrivSupervisor:
		if h.CSR.Status&StatusSIE != 0 {
			h.CSR.Status |= StatusSPIE
		} else {
			h.CSR.Status &^= StatusSPIE
		}
		h.CSR.Status &^= StatusSIE
		h.CSR.SetSPP(h.Priv)
	}
	h.Priv = target
	h.PC = h.vector(target, cause)
}

// Status returns the raw Status word; it exists so deliver's machine
// case reads as a method call parallel to the supervisor case's direct
// field access, since MIE has no separate masked accessor.
func (h *Hart) Status() uint32 { return h.CSR.Status }

// vector computes the PC the trap handler starts at: TVec's low two
// bits select direct (0) vs vectored (1) mode, and vectored mode adds
// 4*cause only for interrupts, per the RISC-V mtvec/stvec encoding spec
// §4.3 carries over unchanged.
func (h *Hart) vector(target uint8, cause uint32) uint32 {
	base := h.CSR.TVec[target] &^ 0x3
	mode := h.CSR.TVec[target] & 0x3
	if mode == 1 && cause&InterruptBit != 0 {
		return base + 4*(cause&^InterruptBit)
	}
	return base
}

// handleIP implements the interrupt arbitration spec §4.3/§4.4 calls
// for: it scans interrupt causes from 11 down to 1, taking the
// highest-priority cause that is simultaneously pending (IP) and
// enabled (IE), and whose target privilege either sits above the
// current privilege (always allowed) or at the current privilege with
// that level's xIE set OR wfi true. wfi forces that last condition so a
// WFI-parked hart wakes and traps on an interrupt that would otherwise
// be locally masked, matching the ISA's wfi semantics and the
// reference implementation's riscv32_handle_ip exactly, scan order
// included: cause number descending (11, 9, 7, 5, 3, 1), not the
// usual M-before-S priority grouping (no separate "seen but not
// delivered" case: if the condition holds, the interrupt is
// delivered).
func (h *Hart) handleIP(wfi bool) bool {
	if h.CSR.IP == 0 {
		return false
	}
	causes := []uint32{
		CauseMExternalInt, CauseSExternalInt, CauseMTimerInt,
		CauseSTimerInt, CauseMSoftwareInt, CauseSSoftwareInt,
	}
	for _, cause := range causes {
		bit := uint32(1) << cause
		if h.CSR.IP&bit == 0 {
			continue
		}

		target := targetPriv(h.Priv, h.CSR.IDeleg, bit)
		allow := target > h.Priv || (target == h.Priv && (h.interruptsGloballyEnabledAt(target) || wfi))
		if h.CSR.IE&bit == 0 || !allow {
			continue
		}

		if wfi {
			h.PC += 4
			h.EvTrap = true
		}
		h.CSR.IP &^= bit
		h.deliver(target, cause|InterruptBit, 0)
		trapLog.Writef("hart=%d interrupt cause=%d -> priv=%d", h.CSR.HartID, cause, target)
		return true
	}
	return false
}

// interruptsGloballyEnabledAt applies the RISC-V rule that a trap
// delivered to a privilege level below the current privilege is masked,
// one delivered at the current privilege follows that level's xIE bit,
// and one delivered to a level above current privilege is always taken.
func (h *Hart) interruptsGloballyEnabledAt(target uint8) bool {
	if target > h.Priv {
		return true
	}
	if target < h.Priv {
		return false
	}
	switch target {
	case PrivMachine:
		return h.CSR.Status&StatusMIE != 0
	case PrivSupervisor:
		return h.CSR.Status&StatusSIE != 0
	default:
		return true
	}
}
