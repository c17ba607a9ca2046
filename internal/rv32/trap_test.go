package rv32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrapUndelegatedStaysAtMachine(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivUser
	h.PC = 0x1234
	h.CSR.EDeleg[PrivSupervisor] = 0
	h.CSR.TVec[PrivMachine] = 0x8000

	h.Trap(CauseIllegalInsn, 0)

	require.Equal(t, PrivMachine, h.Priv)
	require.Equal(t, uint32(0x1234), h.CSR.EPC[PrivMachine])
	require.Equal(t, uint32(0x8000), h.PC)
	require.Equal(t, PrivUser, h.CSR.MPP())
}

func TestTrapDelegatedGoesToSupervisor(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivUser
	h.PC = 0x1234
	h.CSR.EDeleg[PrivSupervisor] = 1 << CauseIllegalInsn
	h.CSR.TVec[PrivSupervisor] = 0x9000

	h.Trap(CauseIllegalInsn, 0)

	require.Equal(t, PrivSupervisor, h.Priv)
	require.Equal(t, uint32(0x1234), h.CSR.EPC[PrivSupervisor])
	require.Equal(t, uint32(0x9000), h.PC)
	require.Equal(t, PrivUser, h.CSR.SPP())
}

func TestTrapFromMachineNeverDelegates(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivMachine
	h.CSR.EDeleg[PrivSupervisor] = 0xFFFFFFFF
	h.CSR.TVec[PrivMachine] = 0x100

	h.Trap(CauseIllegalInsn, 0)

	require.Equal(t, PrivMachine, h.Priv)
}

func TestVectoredModeOffsetsByCauseForInterruptsOnly(t *testing.T) {
	h := newTestHart(t)
	h.CSR.TVec[PrivMachine] = 0x1000 | 1 // vectored

	require.Equal(t, uint32(0x1000), h.vector(PrivMachine, CauseIllegalInsn))
	require.Equal(t, uint32(0x1000+4*CauseMTimerInt), h.vector(PrivMachine, InterruptBit|CauseMTimerInt))
}

func TestHandleIPPriorityOrder(t *testing.T) {
	h := newTestHart(t)
	h.CSR.IE = 0xFFFFFFFF
	h.CSR.Status |= StatusMIE
	h.CSR.TVec[PrivMachine] = 0x2000

	h.CSR.IP |= 1 << CauseMSoftwareInt
	h.CSR.IP |= 1 << CauseMExternalInt

	taken := h.handleIP(false)
	require.True(t, taken)
	require.Equal(t, CauseMExternalInt|InterruptBit, h.CSR.Cause[PrivMachine])
}

func TestHandleIPRespectsGlobalEnable(t *testing.T) {
	h := newTestHart(t)
	h.CSR.IE = 1 << CauseMExternalInt
	h.CSR.IP = 1 << CauseMExternalInt
	h.CSR.Status &^= StatusMIE // globally disabled at M while running at M

	taken := h.handleIP(false)
	require.False(t, taken)
}

func TestHandleIPWFIDeliversMaskedPendingInterrupt(t *testing.T) {
	h := newTestHart(t)
	h.PC = 0x4000
	h.CSR.IE = 1 << CauseMTimerInt
	h.CSR.IP = 1 << CauseMTimerInt
	h.CSR.Status &^= StatusMIE
	h.CSR.TVec[PrivMachine] = 0x6000

	taken := h.handleIP(true)
	require.True(t, taken, "WFI must force delivery of a pending-but-masked interrupt")
	require.Equal(t, uint32(0x4004), h.CSR.EPC[PrivMachine], "WFI delivery saves PC+4, not PC")
	require.Equal(t, uint32(0x6000), h.PC)
}

func TestInterruptIsCrossGoroutineSafe(t *testing.T) {
	h := newTestHart(t)
	done := make(chan struct{})
	go func() {
		h.Interrupt(CauseMExternalInt)
		close(done)
	}()
	<-done

	h.mu.Lock()
	ip := h.CSR.IP
	h.mu.Unlock()
	require.NotZero(t, ip&(1<<CauseMExternalInt))
}

func TestSstatusMaskedView(t *testing.T) {
	var c CSRBank
	c.Status = StatusMIE | StatusSIE | StatusMPP

	require.Equal(t, StatusSIE, c.ReadSstatus())

	c.WriteSstatus(StatusSUM)
	require.NotZero(t, c.Status&StatusSUM)
	require.NotZero(t, c.Status&StatusMIE, "writing sstatus must not touch machine-only bits")
}
