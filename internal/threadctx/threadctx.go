// Package threadctx implements the per-thread context: the RX/TX queue
// pair and bounded TX pool list pinned to one execution context, plus the
// busy-poll loop (refill, drain, process-completions) that drives
// it on a dedicated, CPU-pinned OS thread.
package threadctx

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/vishwanath1306/cornflakes/internal/constants"
	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/mbuf"
	"github.com/vishwanath1306/cornflakes/internal/regpool"
	"github.com/vishwanath1306/cornflakes/internal/rxq"
	"github.com/vishwanath1306/cornflakes/internal/txq"
)

// PktHandler is invoked once per received packet during the busy-poll loop;
// it is responsible for releasing the mbuf's DMA reference when done with it.
type PktHandler func(m *mbuf.Mbuf)

// RXPoolID is the pool id reserved for a context's RX registered pool; TX
// pools added via AddTXPool are assigned ids starting at 1.
const RXPoolID = 0

// Context is one per-thread execution context: an RX queue with its own
// registered pool, a TX queue, and a bounded list of additional TX
// registered pools a caller may add via AddTXPool. pools indexes every
// registered pool reachable from this context by the PoolID its mbufs
// carry, so a single TX completion ring can release mbufs drawn from any
// of them.
type Context struct {
	ID int

	RXQ    *rxq.RXQ
	RXPool *regpool.Pool

	TXQ     *txq.TXQ
	txPools []*regpool.Pool
	pools   map[int]*regpool.Pool

	cpuID   int
	pinCPU  bool
	stopped chan struct{}
	done    chan struct{}

	log interfaces.Logger
}

// Params configures a per-thread context. Callers build the RX/TX queues
// and pool ahead of time (they in turn depend on a global context's device
// handle), then bind them here.
type Params struct {
	ID     int
	RXQ    *rxq.RXQ
	RXPool *regpool.Pool
	TXQ    *txq.TXQ
	CPUID  int
	PinCPU bool
	Logger interfaces.Logger
}

// New binds an already-constructed RX/TX queue pair into a per-thread
// context.
func New(p Params) (*Context, error) {
	if p.RXQ == nil || p.TXQ == nil || p.RXPool == nil {
		return nil, fmt.Errorf("threadctx: rxq, rxpool and txq are required")
	}
	log := p.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Context{
		ID:      p.ID,
		RXQ:     p.RXQ,
		RXPool:  p.RXPool,
		TXQ:     p.TXQ,
		pools:   map[int]*regpool.Pool{RXPoolID: p.RXPool},
		cpuID:   p.CPUID,
		pinCPU:  p.PinCPU,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}, nil
}

// AddTXPool registers an additional TX registered pool with this context,
// enforcing the per-thread bound, and returns the PoolID mbufs allocated
// from it will carry.
func (c *Context) AddTXPool(p *regpool.Pool) (int, error) {
	if len(c.txPools) >= constants.MaxTXPoolsPerThread {
		return 0, fmt.Errorf("threadctx %d: tx pool list full (max %d)", c.ID, constants.MaxTXPoolsPerThread)
	}
	poolID := len(c.txPools) + 1
	c.txPools = append(c.txPools, p)
	c.pools[poolID] = p
	return poolID, nil
}

// TXPools returns the additional TX registered pools attached to this
// context (not including the RX pool).
func (c *Context) TXPools() []*regpool.Pool { return c.txPools }

// resolvePool implements txq.PoolResolver over every pool reachable from
// this context.
func (c *Context) resolvePool(poolID int) *regpool.Pool { return c.pools[poolID] }

// ProcessTXCompletions drains up to budget ready TX completions, releasing
// their mbufs back to whichever pool each was allocated from. It is the
// non-busy-loop entry point a caller driving Pop/PushOrderedSgas directly
// (rather than through Run) uses to reclaim transmitted buffers.
func (c *Context) ProcessTXCompletions(budget int) (int, error) {
	return c.TXQ.ProcessCompletions(c.resolvePool, budget)
}

// Pool returns the registered pool reachable from this context under the
// given pool id (threadctx.RXPoolID for the RX pool, or an id returned by
// AddTXPool), or nil if no such pool is registered.
func (c *Context) Pool(poolID int) *regpool.Pool { return c.pools[poolID] }

// Run pins the calling goroutine's OS thread (and, if PinCPU is set, its CPU
// affinity) and busy-polls refill -> drain -> process-completions until the
// context is stopped or ctx is cancelled. It blocks until the loop exits.
func (c *Context) Run(ctx context.Context, refillBatch, rxBudget, txCompletionBudget int, handler PktHandler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	if c.pinCPU {
		var mask unix.CPUSet
		mask.Set(c.cpuID)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			c.log.Warn("threadctx: failed to set cpu affinity", "id", c.ID, "cpu", c.cpuID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		if err := c.RXQ.Refill(refillBatch); err != nil {
			c.log.Warn("threadctx: refill failed", "id", c.ID, "err", err)
		}

		pkts, err := c.RXQ.GatherRx(rxBudget)
		if err != nil {
			c.log.Warn("threadctx: gather_rx failed", "id", c.ID, "err", err)
		}
		for _, m := range pkts {
			handler(m)
		}

		if _, err := c.TXQ.ProcessCompletions(c.resolvePool, txCompletionBudget); err != nil {
			c.log.Warn("threadctx: process_completions failed", "id", c.ID, "err", err)
		}
	}
}

// Stop signals Run's loop to exit. It is idempotent and safe to call
// multiple times or before Run has been called.
func (c *Context) Stop() {
	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
