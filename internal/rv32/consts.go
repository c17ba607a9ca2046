// Package rv32 implements the core of a 32-bit RISC-V virtual machine: hart
// state and the trap/interrupt/run-loop runtime, physical memory and MMIO
// dispatch, and the Sv32 TLB and page-table walker. It does not decode or
// execute RISC-V instructions — that is the job of an external Interpreter
// (see runloop.go) that calls back into the hooks this package exposes.
package rv32

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// Access kinds, used by the MMU's Translate and its TLB tags.
const (
	AccessRead = iota
	AccessWrite
	AccessExecute
)

// mstatus-equivalent bits. Only M and S level bits are meaningful; this
// core never models U-level traps (delegation floors at S, per spec §4.3).
const (
	StatusMIE  uint32 = 1 << 3
	StatusSIE  uint32 = 1 << 1
	StatusMPIE uint32 = 1 << 7
	StatusSPIE uint32 = 1 << 5
	StatusMPP  uint32 = 3 << 11
	StatusSPP  uint32 = 1 << 8
	StatusMPRV uint32 = 1 << 17
	StatusSUM  uint32 = 1 << 18
	StatusMXR  uint32 = 1 << 19

	statusMPPShift = 11
)

// Interrupt cause numbers (mip/mie/sip/sie bit positions), per the RISC-V
// privileged spec. The descending scan in handleIP walks from 11 to 1.
const (
	CauseSSoftwareInt uint32 = 1
	CauseMSoftwareInt uint32 = 3
	CauseSTimerInt    uint32 = 5
	CauseMTimerInt    uint32 = 7
	CauseSExternalInt uint32 = 9
	CauseMExternalInt uint32 = 11
)

// InterruptBit, OR-ed into a cause to mark it as an interrupt rather than
// a synchronous exception, matches the RISC-V mcause MSB convention scaled
// down to 32 bits.
const InterruptBit uint32 = 1 << 31

// Synchronous exception causes.
const (
	CauseInsnMisaligned  uint32 = 0
	CauseInsnFault       uint32 = 1
	CauseIllegalInsn     uint32 = 2
	CauseBreakpoint      uint32 = 3
	CauseLoadMisaligned  uint32 = 4
	CauseLoadFault       uint32 = 5
	CauseStoreMisaligned uint32 = 6
	CauseStoreFault      uint32 = 7
	CauseEcallFromU      uint32 = 8
	CauseEcallFromS      uint32 = 9
	CauseEcallFromM      uint32 = 11
	CauseInsnPageFault   uint32 = 12
	CauseLoadPageFault   uint32 = 13
	CauseStorePageFault  uint32 = 15
)

// Sv32 page table entry flags.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Sv32 geometry: two levels of 10 bits each, 12-bit page offset.
const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 10
	PpnBits   = 22
)

// TLBSize is the number of direct-mapped TLB entries. Must be a power of
// two (spec §3: "power-of-two number of entries (default 256) indexed by
// low bits of the virtual page number").
const TLBSize = 256

// NumRegisters is the number of general-purpose word registers per hart.
// x0 always reads as zero.
const NumRegisters = 32

// MaxHarts bounds the global hart registry.
const MaxHarts = 256

// MaxMMIORegions bounds the MMIO region table (spec §3).
const MaxMMIORegions = 256
