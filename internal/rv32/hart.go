package rv32

import (
	"sync"

	"github.com/tinyrange/rv32hart/internal/spin"
)

// CSRBank holds the control/status registers for one hart, laid out as
// the parallel arrays spec §3 describes: most fields are indexed by
// privilege level (0=U, 1=S, 3=M; index 2 is unused padding), with a
// handful of process-wide registers alongside them.
//
// edeleg[M] and ideleg[M] are never consulted — only edeleg[S] and
// ideleg[S] route a trap down from M to S (spec §3 invariant).
type CSRBank struct {
	TVec    [4]uint32 // trap vector base per privilege level
	EDeleg  [4]uint32 // exception delegation mask (only [PrivSupervisor] used)
	IDeleg  [4]uint32 // interrupt delegation mask (only [PrivSupervisor] used)
	Scratch [4]uint32
	EPC     [4]uint32
	Cause   [4]uint32
	TVal    [4]uint32

	Status uint32 // mstatus/sstatus bits, process-wide, see consts.go
	IE     uint32 // mie (sie is IE & IDeleg[S])
	IP     uint32 // mip (sip is IP & IDeleg[S])
	HartID uint32
}

// Hart is the per-hart CPU state: registers, privilege mode, CSR bank,
// TLB, and the atomic event pair the run loop and the IRQ pump use to
// hand off traps and interrupts across threads.
type Hart struct {
	X  [NumRegisters]uint32
	PC uint32

	Priv uint8

	CSR CSRBank

	// EvTrap/EvInt are set by trap()/interrupt() and consumed by the run
	// loop (spec §4.3/§4.4). EvIntMask accumulates the interrupt causes
	// reported by interrupt() until the run loop drains them into CSR.IP.
	EvTrap   bool
	EvInt    bool
	EvIntMask uint32

	// WaitEvent is the release/acquire suspension gate described in
	// spec §4.4/§5: the run loop arms it before stepping the
	// interpreter and polls it at safe points; any other thread that
	// wants the hart's attention release-stores 0 into it.
	WaitEvent spin.EventWord

	// RootPageTable is the current Sv32 root page table physical
	// address (the satp-equivalent register). Writing it must be
	// followed by TLBFlush.
	RootPageTable uint32
	MMUVirtual    bool

	TLB TLB

	Mem   *Memory
	MMIO  *MMIOTable

	// mu guards fields a cross-hart collaborator (an IPI sender, the
	// IRQ pump) may touch outside the CPU thread: EvInt/EvIntMask.
	// EvTrap is only ever set by the CPU thread itself (synchronous
	// traps), so it needs no lock.
	mu sync.Mutex

	// RVTimerPending reports whether a previously posted timer
	// interrupt is still actually due; see the run loop's handling of
	// a stale MTIMER bit in spec §4.4 step 3.
	RVTimerPending func() bool
}

// NewHart creates a hart sharing the given physical memory and MMIO
// table, as spec §4.5 describes for harts after the first ("subsequent
// harts inherit the memory and MMIO table from the first hart").
func NewHart(hartID uint32, mem *Memory, mmio *MMIOTable, pc uint32) *Hart {
	h := &Hart{
		Priv:           PrivMachine,
		Mem:            mem,
		MMIO:           mmio,
		RVTimerPending: func() bool { return false },
	}
	h.PC = pc
	h.CSR.HartID = hartID
	h.CSR.EDeleg[PrivSupervisor] = 0xFFFFFFFF
	h.CSR.IDeleg[PrivSupervisor] = 0xFFFFFFFF
	return h
}

// ReadReg reads a general-purpose register; x0 always reads as zero.
func (h *Hart) ReadReg(i uint32) uint32 {
	if i == 0 {
		return 0
	}
	return h.X[i]
}

// WriteReg writes a general-purpose register; writes to x0 are discarded.
func (h *Hart) WriteReg(i uint32, v uint32) {
	if i != 0 {
		h.X[i] = v
	}
}
