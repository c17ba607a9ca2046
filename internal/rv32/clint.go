package rv32

import "sync"

// ClintRegionSize covers MSIP (4 bytes), padding up to the MTIMECMP
// offset, MTIMECMP (8 bytes as two 32-bit halves) and MTIME (8 bytes),
// matching the teacher's clint.go layout scaled down to the one-hart
// region spec §4.5 calls for ("a per-hart CLINT region exposing MSIP,
// MTIMECMP, and MTIME, registered once per hart at creation").
const (
	clintMSIP      = 0x0000
	clintMTimeCmp  = 0x4000
	clintMTime     = 0xBFF8
	ClintRegionSize = 0xC000
)

// CLINT is a minimal per-hart core-local interruptor: software interrupt
// (MSIP) and a machine timer compare register read against a shared
// clock. It is intentionally not a full CLINT/PLIC — spec §1 scopes
// those out — but is the smallest piece of the teacher's clint.go that
// System needs for cross-hart IPI delivery and the timer-pending bit
// the run loop and the pump thread both touch.
type CLINT struct {
	mu       sync.Mutex
	hart     *Hart
	timeCmp  uint64
	clock    *sharedClock
}

// sharedClock is the free-running counter every hart's CLINT reads
// MTIME from; it is owned by System so all harts observe the same time.
type sharedClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *sharedClock) Advance(delta uint64) {
	c.mu.Lock()
	c.now += delta
	c.mu.Unlock()
}

func (c *sharedClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewCLINT builds a CLINT for hart, sharing clock with every other
// hart's CLINT in the same System.
func NewCLINT(hart *Hart, clock *sharedClock) *CLINT {
	return &CLINT{hart: hart, timeCmp: ^uint64(0), clock: clock}
}

// MMIORead implements MMIOHandler.
func (c *CLINT) MMIORead(offset, size uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == clintMSIP:
		if c.hart.CSR.IP&(1<<CauseMSoftwareInt) != 0 {
			return 1, nil
		}
		return 0, nil
	case offset == clintMTimeCmp:
		return uint32(c.timeCmp), nil
	case offset == clintMTimeCmp+4:
		return uint32(c.timeCmp >> 32), nil
	case offset == clintMTime:
		return uint32(c.clock.Now()), nil
	case offset == clintMTime+4:
		return uint32(c.clock.Now() >> 32), nil
	default:
		return 0, nil
	}
}

// MMIOWrite implements MMIOHandler.
func (c *CLINT) MMIOWrite(offset, size, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == clintMSIP:
		if value&1 != 0 {
			c.hart.Interrupt(CauseMSoftwareInt)
		} else {
			c.hart.ClearInterrupt(CauseMSoftwareInt)
		}
	case offset == clintMTimeCmp:
		c.timeCmp = c.timeCmp&0xFFFFFFFF00000000 | uint64(value)
	case offset == clintMTimeCmp+4:
		c.timeCmp = c.timeCmp&0xFFFFFFFF | uint64(value)<<32
	}
	return nil
}

// CheckTimer compares the shared clock against timeCmp and posts or
// clears the machine timer interrupt accordingly. The IRQ pump calls
// this once per sweep for every hart (spec §4.5); it is also safe to
// call from the CPU thread after a timecmp write.
func (c *CLINT) CheckTimer() {
	if c.Pending() {
		c.hart.Interrupt(CauseMTimerInt)
	} else {
		c.hart.ClearInterrupt(CauseMTimerInt)
	}
}

// Pending reports whether the shared clock has reached timeCmp. This is
// the hart's Hart.RVTimerPending hook (spec §4.4 step 3): the run loop's
// drainEvents uses it to tell a still-due MTIMER bit from one a pump
// sweep posted just before a timecmp rewrite moved the deadline out.
func (c *CLINT) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now() >= c.timeCmp
}
