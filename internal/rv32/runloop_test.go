package rv32

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingInterpreter is a minimal Interpreter used only to exercise
// the run loop's event-draining contract; it never decodes real
// instructions.
type countingInterpreter struct {
	steps atomic.Int32
}

func (c *countingInterpreter) RunTillEvent(h *Hart) error {
	c.steps.Add(1)
	return nil
}

func TestRunDrivesInterpreterUntilStop(t *testing.T) {
	h := newTestHart(t)
	interp := &countingInterpreter{}

	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		Run(h, interp, func() bool { return stopped.Load() })
		close(done)
	}()

	require.Eventually(t, func() bool { return interp.steps.Load() > 3 }, time.Second, time.Millisecond)
	stopped.Store(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}

// TestRunDeliversTimerInterruptPostedByPump drives the non-WFI path
// drainEvents takes in Run: a pump-style Interrupt(CauseMTimerInt) call
// while the hart is mid-RunTillEvent must still reach handleIP and
// vector, rather than being revoked by the stale-timer-bit check
// because RVTimerPending wasn't wired to anything due.
func TestRunDeliversTimerInterruptPostedByPump(t *testing.T) {
	h := newTestHart(t)
	h.RVTimerPending = func() bool { return true }
	h.CSR.IE = 1 << CauseMTimerInt
	h.CSR.Status |= StatusMIE
	h.CSR.TVec[PrivMachine] = 0x4000

	interp := &countingInterpreter{}
	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		Run(h, interp, func() bool { return stopped.Load() })
		close(done)
	}()

	require.Eventually(t, func() bool { return interp.steps.Load() > 0 }, time.Second, time.Millisecond)
	h.Interrupt(CauseMTimerInt)

	require.Eventually(t, func() bool { return h.PC == 0x4000 }, time.Second, time.Millisecond)

	stopped.Store(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestWaitForInterruptWakesOnPendingEnabledInterrupt(t *testing.T) {
	h := newTestHart(t)
	h.CSR.IE = 1 << CauseMExternalInt
	h.CSR.Status |= StatusMIE
	h.CSR.TVec[PrivMachine] = 0x4000
	h.WaitEvent.Arm()

	done := make(chan struct{})
	go func() {
		h.WaitForInterrupt()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	h.Interrupt(CauseMExternalInt)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForInterrupt did not wake")
	}
	require.Equal(t, uint32(0x4000), h.PC)
}
