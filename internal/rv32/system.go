package rv32

import (
	"fmt"
	"time"

	"github.com/tinyrange/rv32hart/internal/debug"
	"github.com/tinyrange/rv32hart/internal/spin"
)

var sysLog = debug.WithSource("rv32.system")

// pumpInterval is the IRQ pump sweep period spec §4.5 specifies.
const pumpInterval = 10 * time.Millisecond

// System is the explicit handle that owns everything a VM needs beyond
// a single hart: the shared physical memory and MMIO table, the global
// hart registry, and the IRQ pump goroutine. Earlier RISC-V cores in
// this lineage kept this state in package-level globals; a System value
// makes multiple independent VMs in one process possible and testable,
// and is the only place goroutines are started.
type System struct {
	Mem  *Memory
	MMIO *MMIOTable

	regLock  spin.Lock
	harts    [MaxHarts]*Hart
	clints   [MaxHarts]*CLINT
	numHarts int

	clock *sharedClock

	pumpStop    chan struct{}
	pumpStopped chan struct{}
	pumpTicker  Ticker
	tickerFn    TickerFactory
}

// NewSystem allocates ramSize bytes of guest RAM starting at guest
// physical address ramBase and an empty MMIO table. Call CreateVM next
// to populate it with harts. ramBase is the RAM base spec §6 lists
// among the VM constructor parameters.
func NewSystem(ramBase, ramSize uint32) *System {
	return &System{
		Mem:      NewMemory(ramBase, ramSize),
		MMIO:     NewMMIOTable(),
		clock:    &sharedClock{},
		tickerFn: newRealTicker,
	}
}

// CreateVM brings up numHarts harts starting execution at pc. Every hart,
// hart 0 included, registers only its own per-hart CLINT region in the
// shared MMIO table and otherwise shares System.Mem and System.MMIO;
// CreateVM registers no other device, so callers add devices such as an
// ATA controller to s.MMIO themselves. It starts the IRQ pump goroutine
// and returns the created harts in registration order.
func (s *System) CreateVM(numHarts int, pc uint32) ([]*Hart, error) {
	if numHarts <= 0 || numHarts > MaxHarts {
		return nil, fmt.Errorf("rv32: invalid hart count %d (max %d)", numHarts, MaxHarts)
	}

	harts := make([]*Hart, 0, numHarts)
	for i := 0; i < numHarts; i++ {
		h := NewHart(uint32(i), s.Mem, s.MMIO, pc)

		clint := NewCLINT(h, s.clock)
		h.RVTimerPending = clint.Pending
		base := s.clintBaseFor(uint32(i))
		if err := s.MMIO.AddMMIO(base, ClintRegionSize, clint); err != nil {
			return nil, fmt.Errorf("rv32: registering CLINT for hart %d: %w", i, err)
		}

		s.regLock.Guard(func() {
			s.harts[s.numHarts] = h
			s.clints[s.numHarts] = clint
			s.numHarts++
		})
		harts = append(harts, h)
	}

	s.startPump()
	sysLog.Writef("created VM harts=%d pc=%#x", numHarts, pc)
	return harts, nil
}

// clintBaseFor assigns each hart a distinct slice of the physical
// address space for its CLINT region, above guest RAM, one region per
// hart so any hart can IPI any other (spec §4.5: "register a per-hart
// CLINT region... any core can target any other core's MSIP").
func (s *System) clintBaseFor(hartID uint32) uint32 {
	return s.Mem.End() + hartID*ClintRegionSize
}

// DestroyVM stops the IRQ pump and unregisters every hart's CLINT
// region. It does not free s.Mem; callers drop the System value to
// release that.
func (s *System) DestroyVM() {
	s.stopPump()

	s.regLock.Guard(func() {
		for i := 0; i < s.numHarts; i++ {
			s.MMIO.RemoveMMIO(s.clintBaseFor(uint32(i)))
			s.harts[i] = nil
			s.clints[i] = nil
		}
		s.numHarts = 0
	})
	sysLog.Write("destroyed VM")
}

// Hart returns the hart registered at index i, or nil if out of range.
func (s *System) Hart(i int) *Hart {
	var h *Hart
	s.regLock.Guard(func() {
		if i >= 0 && i < s.numHarts {
			h = s.harts[i]
		}
	})
	return h
}

// NumHarts reports the number of harts currently registered.
func (s *System) NumHarts() int {
	var n int
	s.regLock.Guard(func() { n = s.numHarts })
	return n
}

// SendIPI posts a machine-software-interrupt to hart targetIdx, the
// cross-hart path any hart (or an external device) uses to wake a peer,
// same effect as writing its CLINT's MSIP register.
func (s *System) SendIPI(targetIdx int) error {
	var clint *CLINT
	s.regLock.Guard(func() {
		if targetIdx >= 0 && targetIdx < s.numHarts {
			clint = s.clints[targetIdx]
		}
	})
	if clint == nil {
		return fmt.Errorf("rv32: SendIPI: no such hart %d", targetIdx)
	}
	return clint.MMIOWrite(clintMSIP, 4, 1)
}

// startPump launches the IRQ pump goroutine, which every pumpInterval
// advances the shared clock and sweeps every registered hart's CLINT to
// post or clear its machine timer interrupt. Grounded in the teacher's
// defaultTimerFactory/timer goroutine (internal/devices/amd64/chipset/
// timer.go), adapted from a single-device callback to a registry sweep.
// Ordering between this goroutine's writes and a CPU thread's reads is
// deliberately lossy: a sweep that races a hart reading a half-updated
// IP bit is corrected by the very next sweep 10ms later (spec §4.5).
func (s *System) startPump() {
	if s.pumpStop != nil {
		return
	}
	s.pumpStop = make(chan struct{})
	s.pumpStopped = make(chan struct{})

	ticker := s.tickerFn(pumpInterval)
	s.pumpTicker = ticker
	go func() {
		defer close(s.pumpStopped)
		defer ticker.Stop()
		for {
			select {
			case <-s.pumpStop:
				return
			case <-ticker.C():
				s.sweep()
			}
		}
	}()
}

func (s *System) sweep() {
	s.clock.Advance(uint64(pumpInterval / time.Microsecond))

	var clints [MaxHarts]*CLINT
	var n int
	s.regLock.Guard(func() {
		n = s.numHarts
		copy(clints[:n], s.clints[:n])
	})
	for i := 0; i < n; i++ {
		clints[i].CheckTimer()
	}
}

func (s *System) stopPump() {
	if s.pumpStop == nil {
		return
	}
	close(s.pumpStop)
	<-s.pumpStopped
	s.pumpStop = nil
	s.pumpStopped = nil
}
