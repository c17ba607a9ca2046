package rv32

import (
	"errors"
	"runtime"

	"github.com/tinyrange/rv32hart/internal/debug"
)

var runLog = debug.WithSource("rv32.run")

// Interpreter decodes and executes RISC-V instructions against a Hart's
// register file and memory hooks, running until some externally
// observable event happens (a trap, an ecall/ebreak, a WFI, or the step
// budget the interpreter itself enforces runs out). It is the sole
// boundary between this package and an actual instruction decoder; core
// never imports one.
type Interpreter interface {
	// RunTillEvent executes instructions on h until an event occurs. It
	// returns nil when it stopped voluntarily (e.g. a step limit) with
	// no event pending, or a *TrapError if it stopped because h.Trap
	// was called internally (a synchronous exception from a faulting
	// instruction).
	RunTillEvent(h *Hart) error
}

// Run drives one hart's run loop per spec §4.4: arm the event word,
// call into the interpreter, then drain whatever events accumulated
// (a synchronous trap the interpreter raised, and/or interrupts posted
// by other goroutines) before looping again. It returns when stop
// reports true, or after logging an interpreter error that is not a
// *TrapError; it is meant to be launched as its own goroutine.
func Run(h *Hart, interp Interpreter, stop func() bool) {
	for !stop() {
		h.WaitEvent.Arm()

		err := interp.RunTillEvent(h)

		h.drainEvents()

		if err != nil {
			var te *TrapError
			if !asTrapError(err, &te) {
				runLog.Writef("hart=%d interpreter error: %v", h.CSR.HartID, err)
				return
			}
		}
	}
}

func asTrapError(err error, target **TrapError) bool {
	return errors.As(err, target)
}

// drainEvents consumes whatever EvTrap/EvInt/EvIntMask accumulated
// since the last arm and runs the priority arbiter. Posted interrupts
// already landed directly in CSR.IP when Interrupt() was called (see
// trap.go); mask is only consulted here for the stale-timer-bit check
// spec §4.4 step 3 describes: a pump sweep that set MTIMER speculatively
// may have raced a timecmp rewrite that made it no longer due, so that
// one bit is revoked rather than delivered if RVTimerPending says so. A
// trap already redirected control in Trap() itself; draining here just
// resets the bookkeeping flags so the next arm starts clean.
func (h *Hart) drainEvents() {
	h.mu.Lock()
	mask := h.EvIntMask
	hadInt := h.EvInt
	h.EvIntMask = 0
	h.EvInt = false
	h.mu.Unlock()

	if hadInt {
		if mask&(1<<CauseMTimerInt) != 0 && !h.RVTimerPending() {
			h.ClearInterrupt(CauseMTimerInt)
		}
		h.handleIP(false)
	}
	h.EvTrap = false
}

// WaitForInterrupt parks the hart in the WFI state spec §4.4 describes:
// it polls handleIP with wfi=true, which forces delivery of the first
// enabled-and-pending interrupt even if it would otherwise be locally
// masked (per spec §4.3's "wfi forces the arbitration to fire" rule and
// the reference riscv32_handle_ip). It never busy-spins for more than
// one Gosched between polls; the IRQ pump thread or a cross-hart
// Interrupt call is what actually makes progress happen.
func (h *Hart) WaitForInterrupt() {
	for {
		if h.handleIP(true) {
			return
		}
		if !h.WaitEvent.Waiting() {
			return
		}
		runtime.Gosched()
	}
}
