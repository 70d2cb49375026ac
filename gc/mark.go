package gc

import (
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kiln/fault"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/threads"
)

// mark sets the mark bit of every object reachable from roots. Roots are
// dealt round robin to ParallelThreads workers; each traces depth first
// with its own stack and claims objects with an atomic mark, so an object
// is scanned by exactly one worker.
func (c *Collector) mark(roots []heap.Value) error {
	n := c.cfg.ParallelThreads
	if n > len(roots) {
		n = len(roots)
	}
	if n < 1 {
		return nil
	}
	var g errgroup.Group
	for w := 0; w < n; w++ {
		var chunk []heap.Value
		for i := w; i < len(roots); i += n {
			chunk = append(chunk, roots[i])
		}
		g.Go(func() error { return c.trace(chunk) })
	}
	return g.Wait()
}

func (c *Collector) trace(roots []heap.Value) error {
	h := c.heap
	var stack []heap.Loc
	var err error
	shade := func(_ int, v heap.Value) {
		if err != nil {
			return
		}
		loc, ok := h.Lookup(v.Handle())
		if !ok {
			err = fault.Corrupt("stale handle %s reached while tracing", v)
			return
		}
		if h.TryMark(loc) {
			stack = append(stack, loc)
		}
	}
	for _, v := range roots {
		shade(0, v)
	}
	for len(stack) > 0 && err == nil {
		loc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h.ForEachRef(loc, shade)
	}
	return err
}

// ---------------------------------------------------------------------------
// Gray set for concurrent marking
// ---------------------------------------------------------------------------

func (c *Collector) pushGray(v heap.Value) {
	if !v.IsRef() {
		return
	}
	c.grayMu.Lock()
	c.gray = append(c.gray, v)
	c.grayMu.Unlock()
}

func (c *Collector) takeGray() []heap.Value {
	c.grayMu.Lock()
	out := c.gray
	c.gray = nil
	c.grayMu.Unlock()
	return out
}

// scanThread grays a thread's frame references and lets its barrier stop
// shading new values. It runs on the thread itself at a poll, or on its
// behalf while the thread is in native code.
func (c *Collector) scanThread(t *threads.Thread) {
	for v := range t.LiveRefs() {
		c.pushGray(v)
	}
	t.TLAB.SetStackScanned(true)
}
