package rv32

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rv32hart/internal/debug"
)

var mmuLog = debug.WithSource("rv32.mmu")

// PageFault is returned by Translate when the Sv32 walk cannot satisfy
// the requested access. Cause is already the correct trap cause
// (CauseInsnPageFault/CauseLoadPageFault/CauseStorePageFault) so callers
// can pass it straight to Trap.
type PageFault struct {
	Addr  uint32
	Cause uint32
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("rv32: page fault at %#x (cause %d)", e.Addr, e.Cause)
}

// tlbTag packs everything a TLB lookup must match into one word: the
// virtual page number, the privilege level the translation was made
// under, and the access kind. Spec §3 calls for "a single-word tag
// encoding the address, privilege level, and access kind" specifically
// so a lookup is one integer comparison rather than a struct compare.
type tlbTag uint32

func makeTag(vpn uint32, priv uint8, kind int) tlbTag {
	return tlbTag(vpn<<4 | uint32(priv&0x3)<<2 | uint32(kind&0x3))
}

type tlbEntry struct {
	tag   tlbTag
	valid bool
	ppn   uint32 // physical page number this VPN maps to
	flags uint32 // PTE permission bits, for a cheap re-check without re-walking
}

// TLB is a direct-mapped, single-word-tag software TLB. It never
// silently grows stale: every entry is either an exact tag match or a
// miss, and satp/sfence.vma-equivalent events call Flush.
type TLB struct {
	entries [TLBSize]tlbEntry
}

func tlbIndex(vpn uint32) uint32 {
	return vpn & (TLBSize - 1)
}

// Flush invalidates every entry. Called on a root-page-table switch or
// an explicit TLB-invalidation instruction; the interpreter decides when
// those happen, this just performs the flush.
func (t *TLB) Flush() {
	for i := range t.entries {
		t.entries[i].valid = false
	}
}

// FlushVA invalidates the single entry that would cover va, if any task
// ever wants a narrower invalidation than a full flush.
func (t *TLB) FlushVA(va uint32) {
	vpn := va >> PageShift
	i := tlbIndex(vpn)
	if t.entries[i].valid && tlbTagVPN(t.entries[i].tag) == vpn {
		t.entries[i].valid = false
	}
}

func tlbTagVPN(tag tlbTag) uint32 { return uint32(tag) >> 4 }

func (t *TLB) lookup(vpn uint32, p uint8, k int) (tlbEntry, bool) {
	i := tlbIndex(vpn)
	e := t.entries[i]
	if e.valid && e.tag == makeTag(vpn, p, k) {
		return e, true
	}
	return tlbEntry{}, false
}

func (t *TLB) insert(vpn uint32, p uint8, k int, ppn, flags uint32) {
	i := tlbIndex(vpn)
	t.entries[i] = tlbEntry{tag: makeTag(vpn, p, k), valid: true, ppn: ppn, flags: flags}
}

// causeFor maps an access kind to the page-fault cause RISC-V assigns it.
func causeFor(kind int) uint32 {
	switch kind {
	case AccessExecute:
		return CauseInsnPageFault
	case AccessWrite:
		return CauseStorePageFault
	default:
		return CauseLoadPageFault
	}
}

// Translate resolves a virtual address to a physical address for the
// given access kind, walking the Sv32 two-level page table on a TLB
// miss. It does not itself set the A/D bits on a successful walk —
// spec §4.2 makes that the interpreter's responsibility, so a hart that
// wants RISC-V's usual "silently set A, and D on first write" behavior
// must do so itself and retry, rather than relying on the MMU to paper
// over it.
func (h *Hart) Translate(va uint32, kindAccess int) (uint32, error) {
	if !h.MMUVirtual || h.Priv == PrivMachine {
		return va, nil
	}

	vpn := va >> PageShift
	off := va & (PageSize - 1)

	if e, ok := h.TLB.lookup(vpn, h.Priv, kindAccess); ok {
		if !permitted(e.flags, h.Priv, kindAccess, h.CSR.Status) {
			return 0, &PageFault{Addr: va, Cause: causeFor(kindAccess)}
		}
		return e.ppn<<PageShift | off, nil
	}

	ppn, flags, err := h.walk(vpn, kindAccess)
	if err != nil {
		return 0, err
	}
	if !permitted(flags, h.Priv, kindAccess, h.CSR.Status) {
		return 0, &PageFault{Addr: va, Cause: causeFor(kindAccess)}
	}
	pa := ppn << PageShift
	if !h.MMIO.overlapsRegion(pa, PageSize) {
		h.TLB.insert(vpn, h.Priv, kindAccess, ppn, flags)
	}
	return pa | off, nil
}

// walk performs the two-level Sv32 page table walk starting from
// RootPageTable. It returns the resolved PPN (already shifted to cover
// a megapage's low bits when the leaf is found at level 1) and the leaf
// PTE's permission flags.
func (h *Hart) walk(vpn uint32, kindAccess int) (uint32, uint32, error) {
	vpn1 := (vpn >> VpnBits) & (1<<VpnBits - 1)
	vpn0 := vpn & (1<<VpnBits - 1)
	cause := causeFor(kindAccess)

	tableAddr := h.RootPageTable
	for level := 1; level >= 0; level-- {
		var idx uint32
		if level == 1 {
			idx = vpn1
		} else {
			idx = vpn0
		}

		pteAddr := tableAddr + idx*4
		raw, err := h.Mem.PhysRead(h.MMIO, pteAddr, 4)
		if err != nil {
			return 0, 0, &PageFault{Addr: pteAddr, Cause: cause}
		}

		if raw&PteV == 0 {
			return 0, 0, &PageFault{Addr: vpn << PageShift, Cause: cause}
		}
		if raw&PteW != 0 && raw&PteR == 0 {
			// reserved combination: writable-but-not-readable is invalid
			return 0, 0, &PageFault{Addr: vpn << PageShift, Cause: cause}
		}

		isLeaf := raw&(PteR|PteW|PteX) != 0
		if !isLeaf {
			if level == 0 {
				return 0, 0, &PageFault{Addr: vpn << PageShift, Cause: cause}
			}
			tableAddr = (raw >> 10) << PageShift
			continue
		}

		ppn := raw >> 10
		if level == 1 {
			// a megapage leaf at level 1 must supply the low PPN bits
			// itself; a misaligned superpage is a fault.
			if ppn&(1<<VpnBits-1) != 0 {
				return 0, 0, &PageFault{Addr: vpn << PageShift, Cause: cause}
			}
			ppn |= vpn0
		}
		return ppn, raw & 0xFF, nil
	}
	return 0, 0, &PageFault{Addr: vpn << PageShift, Cause: cause}
}

// permitted checks the leaf PTE's R/W/X/U bits against the requested
// access kind and current privilege, honoring mstatus.SUM and MXR as
// spec §4.2 requires. It also enforces the A/D bit policy from spec
// §4.2 step 4: the walker never sets these bits itself, so a page with
// A clear (or D clear on a store) faults rather than translating —
// it's up to the interpreter to set them and retry if it wants the
// usual RISC-V auto-set behavior.
func permitted(flags uint32, p uint8, kindAccess int, status uint32) bool {
	if flags&PteA == 0 {
		return false
	}
	if kindAccess == AccessWrite && flags&PteD == 0 {
		return false
	}
	if flags&PteU != 0 && p == PrivSupervisor && status&StatusSUM == 0 {
		return false
	}
	if flags&PteU == 0 && p == PrivUser {
		return false
	}

	switch kindAccess {
	case AccessExecute:
		return flags&PteX != 0
	case AccessWrite:
		return flags&PteW != 0
	default:
		if flags&PteR != 0 {
			return true
		}
		return status&StatusMXR != 0 && flags&PteX != 0
	}
}

// ReadVirtual/WriteVirtual translate then go through the physical bus;
// they're the hooks an interpreter calls for every load/store.
func (h *Hart) ReadVirtual(va uint32, size uint32) (uint32, error) {
	pa, err := h.Translate(va, AccessRead)
	if err != nil {
		var pf *PageFault
		if errors.As(err, &pf) {
			return 0, pf
		}
		return 0, err
	}
	v, err := h.Mem.PhysRead(h.MMIO, pa, size)
	if err != nil {
		mmuLog.Writef("load fault pa=%#x size=%d: %v", pa, size, err)
	}
	return v, err
}

func (h *Hart) WriteVirtual(va uint32, size, value uint32) error {
	pa, err := h.Translate(va, AccessWrite)
	if err != nil {
		var pf *PageFault
		if errors.As(err, &pf) {
			return pf
		}
		return err
	}
	return h.Mem.PhysWrite(h.MMIO, pa, size, value)
}
