package runtime

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/axiomos/kbpf/internal/types"
)

// TimerDriver periodically dispatches the timer attachment point. The
// 16-byte timer context carries the tick's monotonic nanoseconds and the
// tick sequence number, both little-endian.
type TimerDriver struct {
	rt       *Runtime
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ticks  uint64
}

// NewTimerDriver creates a stopped driver.
func NewTimerDriver(rt *Runtime, interval time.Duration) *TimerDriver {
	return &TimerDriver{rt: rt, interval: interval}
}

// Start begins ticking. Starting a running driver is a no-op.
func (d *TimerDriver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// Stop halts ticking and waits for the loop to exit.
func (d *TimerDriver) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Ticks returns the number of ticks dispatched since creation.
func (d *TimerDriver) Ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

func (d *TimerDriver) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick dispatches one timer event immediately. The driver's loop calls it
// on every interval; tests and the CLI call it directly.
func (d *TimerDriver) Tick() []DispatchResult {
	d.mu.Lock()
	d.ticks++
	seq := d.ticks
	d.mu.Unlock()

	ctx := make([]byte, types.ProgTypeTimer.ContextSize())
	binary.LittleEndian.PutUint64(ctx[0:8], d.rt.Now())
	binary.LittleEndian.PutUint64(ctx[8:16], seq)
	return d.rt.Dispatch(types.TimerAttachPoint, ctx)
}
