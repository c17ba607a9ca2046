package rv32

import "time"

// Ticker is the minimal periodic-wakeup interface the IRQ pump depends
// on, factored out so tests can drive the pump deterministically instead
// of waiting on a real clock. Grounded in the teacher's timer abstraction
// (internal/devices/amd64/chipset/timer.go), which wraps time.Ticker
// behind a factory for the same reason.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// TickerFactory constructs a Ticker firing every period. The default,
// newRealTicker, wraps time.NewTicker; System keeps the factory in its
// tickerFn field, which startPump calls, so tests can inject a
// manually-fired channel.
type TickerFactory func(period time.Duration) Ticker

func newRealTicker(period time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(period)}
}
