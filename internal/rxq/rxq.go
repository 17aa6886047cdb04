// Package rxq implements the receive queue: a work-queue ring of posted
// buffer descriptors paired with a completion ring, refilled immediately as
// packets are drained so the ring never runs dry under steady-state load.
package rxq

import (
	"fmt"

	"github.com/vishwanath1306/cornflakes/internal/barrier"
	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/mbuf"
	"github.com/vishwanath1306/cornflakes/internal/regpool"
	"github.com/vishwanath1306/cornflakes/internal/verbs"
)

// dataSegSize is the wire size of one posted receive descriptor.
const dataSegSize = 16

// RXQ is a receive queue: a ring of data-segment descriptors posted to the
// NIC, a parallel mbuf array tracking what is posted at each slot, and the
// paired completion ring the NIC writes back into.
type RXQ struct {
	wq      []byte // wqeCnt * dataSegSize bytes, big-endian wire format
	buffers []*mbuf.Mbuf
	wqMask  uint32
	head    uint32 // WQ producer cursor, advanced by Refill
	wqHead  uint32 // WQ consumer cursor, advanced by GatherRx

	cq       []verbs.CQE64
	cqMask   uint32
	consumer uint32

	hwDrop uint64

	pool     *regpool.Pool
	poolID   int
	doorbell interfaces.Doorbell
	log      interfaces.Logger
	obs      interfaces.Observer
}

// Params configures receive-queue creation.
type Params struct {
	WQECount int
	CQECount int
	Pool     *regpool.Pool
	PoolID   int
	Doorbell interfaces.Doorbell
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Create builds a receive queue over freshly allocated WQ/CQ rings. Both
// ring lengths must be powers of two.
func Create(p Params) (*RXQ, error) {
	if p.WQECount&(p.WQECount-1) != 0 || p.CQECount&(p.CQECount-1) != 0 {
		return nil, fmt.Errorf("rxq: wqe_cnt and cqe_cnt must be powers of two")
	}
	if p.Pool == nil {
		return nil, fmt.Errorf("rxq: pool is required")
	}
	log := p.Logger
	if log == nil {
		log = noopLogger{}
	}
	obs := p.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	cq := make([]verbs.CQE64, p.CQECount)
	// Every CQE starts device-owned for the first pass over the ring: its
	// owner bit is the opposite of that pass's parity (0).
	for i := range cq {
		cq[i].OpOwn = verbs.CQEOwnerMask
	}
	return &RXQ{
		wq:       make([]byte, p.WQECount*dataSegSize),
		buffers:  make([]*mbuf.Mbuf, p.WQECount),
		wqMask:   uint32(p.WQECount - 1),
		cq:       cq,
		cqMask:   uint32(p.CQECount - 1),
		pool:     p.Pool,
		poolID:   p.PoolID,
		doorbell: p.Doorbell,
		log:      log,
		obs:      obs,
	}, nil
}

// HWDropCount returns the number of receive completions that reported a
// hardware error.
func (q *RXQ) HWDropCount() uint64 { return q.hwDrop }

// postOne allocates one mbuf and posts it at WQ slot idx, recording the
// mbuf in buffers[idx] so a later completion can be matched back to it.
func (q *RXQ) postOne(idx uint32) error {
	m, err := q.pool.AllocMbuf(q.poolID)
	if err != nil {
		return err
	}
	slot := q.wq[idx*dataSegSize : idx*dataSegSize+dataSegSize]
	verbs.FillDataSeg(slot, uint32(m.DataBufLen), uint32(m.Lkey), uint64(uintptr(m.BufAddr)))
	q.buffers[idx] = m
	return nil
}

// Refill posts n new buffers to the receive WQ and rings the doorbell once
// at the end, per the batched-refill discipline.
func (q *RXQ) Refill(n int) error {
	posted := 0
	var firstErr error
	for i := 0; i < n; i++ {
		slot := q.head & q.wqMask
		if err := q.postOne(slot); err != nil {
			firstErr = err
			break
		}
		q.head++
		posted++
	}
	if posted > 0 {
		barrier.Sfence()
		if q.doorbell != nil {
			q.doorbell(q.head)
		}
	}
	if firstErr != nil {
		return fmt.Errorf("rxq: refill posted %d/%d: %w", posted, n, firstErr)
	}
	return nil
}

// GatherRx drains up to budget completed packets, refilling each vacated
// slot immediately, and returns the delivered mbufs. Each returned mbuf
// carries refcount 1 and is the caller's responsibility to release.
func (q *RXQ) GatherRx(budget int) ([]*mbuf.Mbuf, error) {
	delivered := make([]*mbuf.Mbuf, 0, budget)
	for len(delivered) < budget {
		cqeIdx := q.consumer & q.cqMask
		cqe := &q.cq[cqeIdx]
		status := verbs.Status(cqe, q.cqMask+1, q.consumer)
		if !status.Ready {
			break
		}
		barrier.Mfence()

		wqSlot := q.wqHead & q.wqMask
		m := q.buffers[wqSlot]

		if status.IsError {
			q.hwDrop++
			q.log.Warn("rxq: completion error", "syndrome", cqe.ErrorSyndrome())
			q.obs.ObserveRXDrop()
		} else {
			m.DataLen = int(cqe.ByteCount())
			m.Offset = 0
			delivered = append(delivered, m)
			q.obs.ObserveRX(uint64(m.DataLen))
		}

		if err := q.postOne(wqSlot); err != nil {
			return delivered, fmt.Errorf("rxq: refill on drain: %w", err)
		}
		q.wqHead++
		q.consumer++
	}
	if len(delivered) > 0 {
		barrier.Sfence()
		if q.doorbell != nil {
			q.doorbell(q.head)
		}
	}
	return delivered, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) ObserveTX(uint64, uint32)    {}
func (noopObserver) ObserveRX(uint64)            {}
func (noopObserver) ObserveTXError(uint8)        {}
func (noopObserver) ObserveRXDrop()              {}
func (noopObserver) ObservePoolExhausted(string) {}
