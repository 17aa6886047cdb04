// Package cornflakes is the Go-native replacement for the FFI surface a
// kernel-bypass mlx5 direct-verbs datapath would otherwise expose across a
// cgo boundary: a Connection owns one NIC device and a fixed set of
// per-thread RX/TX queue pairs, and is the entry point applications use to
// register memory, receive packets, and transmit scatter-gather lists
// without a config file or a foreign-function call in sight.
package cornflakes

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/vishwanath1306/cornflakes/internal/globalctx"
	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/logging"
	"github.com/vishwanath1306/cornflakes/internal/mbuf"
	"github.com/vishwanath1306/cornflakes/internal/regpool"
	"github.com/vishwanath1306/cornflakes/internal/rxq"
	"github.com/vishwanath1306/cornflakes/internal/threadctx"
	"github.com/vishwanath1306/cornflakes/internal/txq"
)

// ThreadParams configures one per-thread context's queue geometry.
type ThreadParams struct {
	CPUID  int
	PinCPU bool

	RXPoolItemLen int
	RXPoolNumItems int
	RXQWQECount    int
	RXQCQECount    int

	TXQWQECount int
	TXQCQECount int
	QPN         uint32
}

// DefaultThreadParams returns a thread configuration sized off the shared
// ring-geometry constants.
func DefaultThreadParams(cpuID int) ThreadParams {
	return ThreadParams{
		CPUID:          cpuID,
		RXPoolItemLen:  2048,
		RXPoolNumItems: DefaultRQNumDesc,
		RXQWQECount:    DefaultRQNumDesc,
		RXQCQECount:    DefaultRQNumDesc,
		TXQWQECount:    DefaultSQNumDesc,
		TXQCQECount:    DefaultSQNumDesc,
		QPN:            uint32(cpuID) + 1,
	}
}

// ConnectionParams configures NewConnection. Device enumeration, PD
// allocation, and flow-steering installation are supplied as hooks rather
// than performed here (that lifecycle plumbing, and config-file parsing,
// are out of scope for this layer); ConnectionParams is always built
// in-process.
type ConnectionParams struct {
	Threads []ThreadParams

	PageSize         int
	RegistrationUnit int
	UseAtomicRefcount bool

	OpenDevice           globalctx.OpenDeviceHook
	CloseDevice          globalctx.CloseDeviceHook
	InstallFlowSteering  globalctx.InstallFlowSteeringHook
	TeardownFlowSteering globalctx.TeardownFlowSteeringHook
	RegisterHook         interfaces.RegisterHook
	DeregisterHook       interfaces.DeregisterHook
	Doorbell             interfaces.Doorbell
	BlueFlame            interfaces.BlueFlame

	Logger  *logging.Logger
	Metrics *Metrics
}

// DefaultConnectionParams returns single-threaded parameters with no hooks
// set; callers assign the device, registration and doorbell hooks, and append
// to Threads when they need more threads.
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		Threads:          []ThreadParams{DefaultThreadParams(0)},
		PageSize:         DefaultHugePageSize,
		RegistrationUnit: DefaultHugePageSize,
	}
}

// connThread bundles the pieces of one per-thread context a Connection
// needs beyond what threadctx.Context itself exposes.
type connThread struct {
	ctx *threadctx.Context
}

// Connection owns a device (via its global context) and a fixed set of
// per-thread queue pairs. It is the Go-idiomatic replacement for the
// original FFI's Mlx5Connection object.
type Connection struct {
	mu      sync.Mutex
	gc      *globalctx.Context
	threads map[int]*connThread

	// copyingThreshold and inlineMode govern how PushOrderedSgas places a
	// segment's bytes: a segment at or below copyingThreshold is copied
	// into the transmission's inline header rather than referenced via a
	// zero-copy data segment, as long as inlining it keeps the combined inline
	// header within inlineMode bytes (or MaxInlineData, whichever is smaller).
	copyingThreshold int
	inlineMode       int

	started bool
	closed  bool

	log     *logging.Logger
	metrics *Metrics
}

// NewConnection opens the device via the injected hooks and builds one
// per-thread context (RX pool, RX queue, TX queue) per entry in
// params.Threads.
func NewConnection(params ConnectionParams) (*Connection, error) {
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}
	if len(params.Threads) == 0 {
		return nil, errArgumentInvalid("NewConnection", -1, -1, "at least one thread is required")
	}

	gc, err := globalctx.Create(globalctx.Params{
		OpenDevice:           params.OpenDevice,
		CloseDevice:          params.CloseDevice,
		InstallFlowSteering:  params.InstallFlowSteering,
		TeardownFlowSteering: params.TeardownFlowSteering,
		RegisterHook:         params.RegisterHook,
		DeregisterHook:       params.DeregisterHook,
		Logger:               log,
	})
	if err != nil {
		return nil, wrapError("NewConnection", err)
	}

	conn := &Connection{
		gc:      gc,
		threads: make(map[int]*connThread, len(params.Threads)),
		log:     log,
		metrics: params.Metrics,
	}

	for id, tp := range params.Threads {
		rxPool, err := regpool.Create(regpool.Params{
			ItemLen:          tp.RXPoolItemLen,
			NumItems:         tp.RXPoolNumItems,
			PageSize:         params.PageSize,
			RegistrationUnit: params.RegistrationUnit,
			UseAtomic:        params.UseAtomicRefcount,
			RegisterAtAlloc:  true,
			RegisterHook:     params.RegisterHook,
			DeregisterHook:   params.DeregisterHook,
			Logger:           log,
		})
		if err != nil {
			gc.Teardown()
			return nil, wrapError("NewConnection", fmt.Errorf("thread %d: rx pool: %w", id, err))
		}

		var obs interfaces.Observer
		if conn.metrics != nil {
			obs = conn.metrics
		}

		rq, err := rxq.Create(rxq.Params{
			WQECount: tp.RXQWQECount,
			CQECount: tp.RXQCQECount,
			Pool:     rxPool,
			PoolID:   threadctx.RXPoolID,
			Doorbell: params.Doorbell,
			Logger:   log,
			Observer: obs,
		})
		if err != nil {
			gc.Teardown()
			return nil, wrapError("NewConnection", fmt.Errorf("thread %d: rxq: %w", id, err))
		}

		tq, err := txq.Create(txq.Params{
			WQECount:  tp.TXQWQECount,
			CQECount:  tp.TXQCQECount,
			QPN:       tp.QPN,
			Doorbell:  params.Doorbell,
			BlueFlame: params.BlueFlame,
			Logger:    log,
			Observer:  obs,
		})
		if err != nil {
			gc.Teardown()
			return nil, wrapError("NewConnection", fmt.Errorf("thread %d: txq: %w", id, err))
		}

		tctx, err := threadctx.New(threadctx.Params{
			ID:     id,
			RXQ:    rq,
			RXPool: rxPool,
			TXQ:    tq,
			CPUID:  tp.CPUID,
			PinCPU: tp.PinCPU,
			Logger: log,
		})
		if err != nil {
			gc.Teardown()
			return nil, wrapError("NewConnection", fmt.Errorf("thread %d: threadctx: %w", id, err))
		}

		gc.AddThread(tctx)
		conn.threads[id] = &connThread{ctx: tctx}
	}

	if err := gc.InstallFlowSteering(nil); err != nil {
		gc.Teardown()
		return nil, wrapError("NewConnection", err)
	}

	return conn, nil
}

// SetCopyingThreshold sets the payload size (bytes) at or below which
// PushOrderedSgas inlines a segment's bytes into the WQE rather than
// referencing it via a data segment. A value of 0 (the default) disables
// inlining: every segment is placed zero-copy via a data segment.
func (c *Connection) SetCopyingThreshold(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copyingThreshold = n
}

// SetInlineMode sets the maximum inline length (bytes) for a single
// transmission's combined header (the caller-supplied InlineHeader plus any
// segments copyingThreshold inlines). 0 means no connection-level cap beyond
// MaxInlineData.
func (c *Connection) SetInlineMode(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inlineMode = n
}

// AddMemoryPool allocates and registers one additional TX registered pool
// against threadID's context, returning the pool id AllocMbuf(threadID, ...)
// callers pass to draw buffers from it.
func (c *Connection) AddMemoryPool(threadID int, bufSize, minElts int) (int, error) {
	c.mu.Lock()
	t, ok := c.threads[threadID]
	c.mu.Unlock()
	if !ok {
		return 0, errArgumentInvalid("AddMemoryPool", threadID, -1, "unknown thread id")
	}

	// Registration units are huge-page sized when the pool length is a
	// multiple of that size; a smaller pool is registered as a single unit.
	regUnit := DefaultHugePageSize
	if (bufSize*minElts)%regUnit != 0 {
		regUnit = 0
	}

	pool, err := regpool.Create(regpool.Params{
		ItemLen:          bufSize,
		NumItems:         minElts,
		PageSize:         DefaultHugePageSize,
		RegistrationUnit: regUnit,
		RegisterAtAlloc:  true,
		RegisterHook:     c.gc.RegisterHook(),
		DeregisterHook:   c.gc.DeregisterHook(),
		Logger:           c.log,
	})
	if err != nil {
		return 0, wrapError("AddMemoryPool", err)
	}

	poolID, err := t.ctx.AddTXPool(pool)
	if err != nil {
		pool.Destroy()
		return 0, wrapError("AddMemoryPool", err)
	}
	return poolID, nil
}

// AllocMbuf allocates one buffer from the given pool id on threadID's
// context (threadctx.RXPoolID for the RX pool, or an id returned by
// AddMemoryPool), for the caller to fill and hand to PushOrderedSgas.
func (c *Connection) AllocMbuf(threadID, poolID int) (*mbuf.Mbuf, error) {
	c.mu.Lock()
	t, ok := c.threads[threadID]
	c.mu.Unlock()
	if !ok {
		return nil, errArgumentInvalid("AllocMbuf", threadID, -1, "unknown thread id")
	}
	pool := t.ctx.Pool(poolID)
	if pool == nil {
		return nil, errArgumentInvalid("AllocMbuf", threadID, -1, "unknown pool id")
	}
	m, err := pool.AllocMbuf(poolID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ObservePoolExhausted(fmt.Sprintf("thread-%d-pool-%d", threadID, poolID))
		}
		return nil, errResourceExhausted("AllocMbuf", threadID, -1, err.Error())
	}
	return m, nil
}

// SgaSegment references a caller-filled mbuf's payload range.
type SgaSegment struct {
	Mbuf *mbuf.Mbuf
	Off  int
	Len  int
}

// OrderedSga is a caller-built scatter-gather descriptor list: an optional
// inline header plus zero or more referenced mbuf segments, transmitted as
// one ordered transmission.
type OrderedSga struct {
	InlineHeader []byte
	Segments     []SgaSegment
}

// PushOrderedSgas transmits each sga as one transmission on threadID's TX
// queue and rings its doorbell once after the last one is posted. Each
// segment at or below the connection's copying threshold is copied into the
// transmission's inline header instead of referenced zero-copy, per
// SetCopyingThreshold/SetInlineMode.
func (c *Connection) PushOrderedSgas(threadID int, sgas []OrderedSga) (int, error) {
	c.mu.Lock()
	t, ok := c.threads[threadID]
	threshold := c.copyingThreshold
	inlineMode := c.inlineMode
	c.mu.Unlock()
	if !ok {
		return 0, errArgumentInvalid("PushOrderedSgas", threadID, -1, "unknown thread id")
	}

	posted := 0
	for _, sga := range sgas {
		header, segments, err := c.placeSegments(t, sga, threshold, inlineMode)
		if err != nil {
			if posted > 0 {
				t.ctx.TXQ.Post()
			}
			return posted, wrapError("PushOrderedSgas", err)
		}
		if _, err := t.ctx.TXQ.Transmit(header, segments, 0); err != nil {
			if posted > 0 {
				t.ctx.TXQ.Post()
			}
			return posted, wrapError("PushOrderedSgas", err)
		}
		posted++
	}
	if posted > 0 {
		t.ctx.TXQ.Post()
	}
	return posted, nil
}

// placeSegments splits sga.Segments into bytes copied into the inline
// header and segments left as zero-copy data-segment references, per
// threshold/inlineMode. A segment is inlined when its length is at or below
// threshold and doing so would not push the combined header past the
// effective inline cap (the smaller of inlineMode and MaxInlineData). An
// inlined segment's mbuf is released immediately, since once its bytes are
// copied the NIC no longer needs to read it by reference.
func (c *Connection) placeSegments(t *connThread, sga OrderedSga, threshold, inlineMode int) ([]byte, []txq.Segment, error) {
	maxInline := MaxInlineData
	if inlineMode > 0 && inlineMode < maxInline {
		maxInline = inlineMode
	}

	header := append([]byte(nil), sga.InlineHeader...)
	segments := make([]txq.Segment, 0, len(sga.Segments))
	for _, s := range sga.Segments {
		if threshold > 0 && s.Len <= threshold && len(header)+s.Len <= maxInline {
			src := unsafe.Slice((*byte)(unsafe.Add(s.Mbuf.DataPtr(), s.Off)), s.Len)
			header = append(header, src...)
			if pool := t.ctx.Pool(s.Mbuf.PoolID); pool != nil {
				if _, err := pool.ReleaseMbuf(s.Mbuf, -1); err != nil {
					return nil, nil, err
				}
			}
			continue
		}
		segments = append(segments, txq.Segment{Mbuf: s.Mbuf, DataOff: s.Off, DataLen: s.Len})
	}
	return header, segments, nil
}

// ReceivedPkt is one packet drained by Pop. Data is a view over the
// underlying mbuf's payload bytes and is only valid until Release is
// called; callers needing the bytes afterward must copy them out first.
type ReceivedPkt struct {
	Data  []byte
	MsgID uint32
	ConnID uint32

	mbuf *mbuf.Mbuf
	pool *regpool.Pool
}

// Release returns the packet's underlying mbuf to its pool, decrementing
// its reference count by one.
func (p *ReceivedPkt) Release() error {
	if p.mbuf == nil || p.pool == nil {
		return nil
	}
	_, err := p.pool.ReleaseMbuf(p.mbuf, -1)
	return err
}

// Pop drains up to budget received packets from threadID's RX queue and
// processes up to budget completed TX transmissions, releasing the buffers
// they held. Each returned ReceivedPkt must
// eventually have Release called on it.
func (c *Connection) Pop(threadID int, budget int) ([]ReceivedPkt, error) {
	c.mu.Lock()
	t, ok := c.threads[threadID]
	c.mu.Unlock()
	if !ok {
		return nil, errArgumentInvalid("Pop", threadID, -1, "unknown thread id")
	}

	if err := t.ctx.RXQ.Refill(budget); err != nil {
		c.log.Warn("cornflakes: refill failed", "thread", threadID, "err", err)
	}

	mbufs, err := t.ctx.RXQ.GatherRx(budget)
	if err != nil {
		return nil, wrapError("Pop", err)
	}

	if _, err := t.ctx.ProcessTXCompletions(budget); err != nil {
		c.log.Warn("cornflakes: process tx completions failed", "thread", threadID, "err", err)
	}

	pkts := make([]ReceivedPkt, len(mbufs))
	for i, m := range mbufs {
		data := unsafe.Slice((*byte)(m.DataPtr()), m.DataLen)
		pkts[i] = ReceivedPkt{
			Data: data,
			mbuf: m,
			pool: t.ctx.Pool(threadctx.RXPoolID),
		}
	}
	return pkts, nil
}

// Start marks the connection active. It is idempotent; calling it again
// while already started is a no-op. It does not spawn a busy-poll loop of
// its own — callers drive the datapath explicitly via Pop and
// PushOrderedSgas, on whatever goroutine or pinned OS thread they choose.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errArgumentInvalid("Start", -1, -1, "connection is closed")
	}
	c.started = true
	return nil
}

// Stop marks the connection inactive. It is idempotent; calling it again
// while already stopped, or before Start, is a no-op.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

// Close tears down every per-thread context and the device, in reverse
// construction order. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.started = false
	c.mu.Unlock()

	if err := c.gc.Teardown(); err != nil {
		return wrapError("Close", err)
	}
	return nil
}
