package gc

import (
	"time"
)

// Start launches the background trigger goroutine. It collects when the
// heap reports crossing the initiating occupancy and, if an interval is
// configured, periodically. Calling Start more than once has no effect.
func (c *Collector) Start() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	// Capture the channels so the goroutine never reads fields Stop clears.
	stopCh := c.stop
	stoppedCh := c.stopped
	go c.loop(stopCh, stoppedCh)
}

// Stop halts the trigger goroutine and waits for a running cycle to finish.
// It is safe to call on a collector that was never started.
func (c *Collector) Stop() {
	c.loopMu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.loopMu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled turns background collections on or off. Allocation failures
// and explicit requests still collect.
func (c *Collector) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Enabled reports whether background collections run.
func (c *Collector) Enabled() bool { return c.enabled.Load() }

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	var tick <-chan time.Time
	if d := c.cfg.Interval.Std(); d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stopCh:
			return
		case <-c.wake:
			c.background(OccupancyThreshold)
		case <-tick:
			c.background(Periodic)
		}
	}
}

func (c *Collector) background(cause Cause) {
	if !c.enabled.Load() {
		return
	}
	c.acquire(nil)
	defer c.cycleMu.Unlock()
	if _, err := c.run(nil, cause, c.kindFor(cause, c.heap.AllocationSpace().Kind)); err != nil {
		log.Errorf("background collection: %s", err)
	}
}
