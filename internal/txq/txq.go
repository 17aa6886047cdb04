// Package txq implements the transmit queue: the WQE work-request ring and
// its paired completion-info ring, the inline-header ring-straddle
// arithmetic, and completion processing that returns DMA references to
// mbufs once the NIC confirms a transmission.
package txq

import (
	"fmt"

	"github.com/vishwanath1306/cornflakes/internal/barrier"
	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/mbuf"
	"github.com/vishwanath1306/cornflakes/internal/regpool"
	"github.com/vishwanath1306/cornflakes/internal/verbs"
)

// wqeStride is the byte size of one WQE "basic block", the quantum that the
// num_wqes formula's final division by 4 (4 * 16-byte units) assumes.
const wqeStride = 64

const (
	ctrlSegSize = 16
	dataSegSize = 16
)

// CompletionInfo is one entry of the completion-info ring. The entry at a
// transmission's first WQE slot holds NumWqes/NumMbufs; the following
// NumMbufs entries each hold one owned mbuf reference.
type CompletionInfo struct {
	NumWqes  uint32
	NumMbufs uint32
	Mbuf     *mbuf.Mbuf
}

// Segment describes one data segment of a transmission: a zero-copy
// reference into an already-registered mbuf.
type Segment struct {
	Mbuf    *mbuf.Mbuf
	DataOff int
	DataLen int
}

// TXQ is a transmit queue pair: a flat WQE byte ring, a parallel
// completion-info ring of the same slot count, and the paired CQE ring.
type TXQ struct {
	wq      []byte
	wqeMask uint32

	compInfo []CompletionInfo

	cq     []verbs.CQE64
	cqMask uint32

	sqHead         uint32
	cqHead         uint32
	trueCqHead     uint32
	lastPostedHead uint32

	// In-progress transmission state, valid between FillHeader and
	// FinishTransmission.
	curWriteOrigin   int
	curInlineLen     int
	curNumSegs       int
	curDpsegPos      int
	curDpsegCount    int
	curCompPos       uint32
	curNumMbufs      uint32
	firstUnpostedOff int

	qpn       uint32
	doorbell  interfaces.Doorbell
	blueflame interfaces.BlueFlame
	log       interfaces.Logger
	obs       interfaces.Observer
}

// Params configures transmit-queue creation.
type Params struct {
	WQECount  int
	CQECount  int
	QPN       uint32
	Doorbell  interfaces.Doorbell
	BlueFlame interfaces.BlueFlame
	Logger    interfaces.Logger
	Observer  interfaces.Observer
}

// Create builds a transmit queue over freshly allocated WQ/CQ/completion
// rings. WQECount and CQECount must be powers of two.
func Create(p Params) (*TXQ, error) {
	if p.WQECount&(p.WQECount-1) != 0 || p.CQECount&(p.CQECount-1) != 0 {
		return nil, fmt.Errorf("txq: wqe_cnt and cqe_cnt must be powers of two")
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
	return &TXQ{
		wq:        make([]byte, p.WQECount*wqeStride),
		wqeMask:   uint32(p.WQECount - 1),
		compInfo:  make([]CompletionInfo, p.WQECount),
		cq:        cq,
		cqMask:    uint32(p.CQECount - 1),
		qpn:       p.QPN,
		doorbell:  p.Doorbell,
		blueflame: p.BlueFlame,
		log:       log,
		obs:       obs,
	}, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// NumWqesRequired computes the number of WQE slots a transmission with
// inlineLen inlined bytes and numSegs data segments will consume.
func NumWqesRequired(inlineLen, numSegs int) int {
	hdr16 := ceilDiv(ctrlSegSize, 16) + ceilDiv(verbs.InlineHdrStartOffset, 16)
	if inlineLen > 2 {
		hdr16 += ceilDiv(inlineLen-2, 16)
	}
	dp16 := (dataSegSize * numSegs) / 16
	return ceilDiv(hdr16+dp16, 4)
}

// Available reports whether a transmission needing numWqesRequired slots can
// be posted without exceeding the ring's capacity, given in-flight WQEs.
func (q *TXQ) Available(inlineLen, numSegs int) bool {
	wqeCnt := q.wqeMask + 1
	inflight := q.sqHead - q.trueCqHead
	required := uint32(NumWqesRequired(inlineLen, numSegs))
	return wqeCnt-inflight >= required
}

// Inflight returns the number of WQE slots currently in flight.
func (q *TXQ) Inflight() uint32 { return q.sqHead - q.trueCqHead }

func (q *TXQ) slotOffset(slot uint32) int { return int(slot) * wqeStride }

// Transmit posts one transmission: a control/ethernet header carrying the
// inlined bytes, followed by one data segment per Segment. It does not itself
// check the inline length against MaxInlineData.
// It returns the number of WQE slots consumed. The transmission takes
// ownership of one DMA reference per segment's mbuf; ProcessCompletions
// releases that reference once the NIC confirms the transmission.
func (q *TXQ) Transmit(inlineHeader []byte, segments []Segment, txFlags uint8) (int, error) {
	inlineLen := len(inlineHeader)
	numSegs := len(segments)
	if !q.Available(inlineLen, numSegs) {
		return 0, fmt.Errorf("txq: no available wqe slots for inline_len=%d num_segs=%d", inlineLen, numSegs)
	}

	if q.sqHead == q.lastPostedHead {
		q.firstUnpostedOff = q.slotOffset(q.sqHead & q.wqeMask)
	}

	slot := q.sqHead & q.wqeMask
	base := q.slotOffset(slot)
	ctrl := q.wq[base : base+ctrlSegSize]
	eth := q.wq[base+ctrlSegSize : base+2*ctrlSegSize]

	numWqes := NumWqesRequired(inlineLen, numSegs)
	verbs.FillCtrlSeg(ctrl, slot, verbs.OpcodeSend, q.qpn, uint8(numWqes*4), true)

	var first2 [2]byte
	for i := 0; i < 2 && i < len(inlineHeader); i++ {
		first2[i] = inlineHeader[i]
	}
	verbs.FillEthSeg(eth, uint16(inlineLen), first2, txFlags)

	writeOrigin := base + ctrlSegSize + verbs.InlineHdrStartOffset
	q.curWriteOrigin = writeOrigin
	q.curInlineLen = inlineLen
	q.curNumSegs = numSegs
	q.curDpsegCount = 0
	q.curCompPos = (slot + 1) & q.wqeMask
	q.curNumMbufs = 0

	q.copyInline(writeOrigin, inlineHeader)

	for _, seg := range segments {
		q.addDpseg(seg)
		q.addCompletionInfo(seg.Mbuf)
	}

	q.finishTransmission(slot, numWqes)

	totalBytes := uint64(inlineLen)
	for _, seg := range segments {
		totalBytes += uint64(seg.DataLen)
	}
	q.obs.ObserveTX(totalBytes, uint32(numWqes))

	return numWqes, nil
}

// copyInline writes everything past the first two inline bytes (already
// placed in the ethernet segment) into the ring, splitting the copy across
// the wrap point if necessary.
func (q *TXQ) copyInline(writeOrigin int, inlineHeader []byte) {
	if len(inlineHeader) <= 2 {
		return
	}
	rest := inlineHeader[2:]
	offset := workRequestInlineOffset(len(q.wq), writeOrigin, 2, false)
	avail := len(q.wq) - offset
	if len(rest) <= avail {
		copy(q.wq[offset:offset+len(rest)], rest)
		return
	}
	copy(q.wq[offset:], rest[:avail])
	copy(q.wq[0:len(rest)-avail], rest[avail:])
}

func (q *TXQ) addDpseg(seg Segment) {
	var pos int
	if q.curDpsegCount == 0 {
		pos = workRequestInlineOffset(len(q.wq), q.curWriteOrigin, q.curInlineLen, true)
	} else {
		pos = q.curDpsegPos
	}
	addr := uint64(uintptr(seg.Mbuf.BufAddr)) + uint64(seg.Mbuf.Offset+seg.DataOff)
	verbs.FillDataSeg(q.wq[pos:pos+dataSegSize], uint32(seg.DataLen), uint32(seg.Mbuf.Lkey), addr)

	next := pos + dataSegSize
	if next >= len(q.wq) {
		next = 0
	}
	q.curDpsegPos = next
	q.curDpsegCount++
}

func (q *TXQ) addCompletionInfo(m *mbuf.Mbuf) {
	q.compInfo[q.curCompPos].Mbuf = m
	q.curCompPos = (q.curCompPos + 1) & q.wqeMask
	q.curNumMbufs++
}

func (q *TXQ) finishTransmission(slot uint32, numWqes int) {
	q.compInfo[slot].NumWqes = uint32(numWqes)
	q.compInfo[slot].NumMbufs = q.curNumMbufs
	q.sqHead += uint32(numWqes)

	q.curWriteOrigin = 0
	q.curInlineLen = 0
	q.curNumSegs = 0
	q.curDpsegCount = 0
}

// Post rings the send doorbell and writes the first 64 bytes of the batch's
// first control segment to the BlueFlame register. It is a no-op if no
// transmission has been added since the last Post.
func (q *TXQ) Post() {
	if q.sqHead == q.lastPostedHead {
		return
	}
	barrier.Sfence()
	if q.doorbell != nil {
		q.doorbell(q.sqHead)
	}
	if q.blueflame != nil {
		var first64 [64]byte
		copy(first64[:], q.wq[q.firstUnpostedOff:q.firstUnpostedOff+64])
		q.blueflame(first64)
	}
	q.lastPostedHead = q.sqHead
}

// PoolResolver maps a mbuf's PoolID back to the registered pool that owns
// it, so a single completion ring can carry mbufs drawn from more than one
// registered pool (the RX pool plus any additional TX pools a thread added).
type PoolResolver func(poolID int) *regpool.Pool

// ProcessCompletions drains up to budget completion groups, releasing the
// DMA reference each completed transmission held on its mbufs. resolve maps
// each mbuf's PoolID to the pool it must be released back to.
func (q *TXQ) ProcessCompletions(resolve PoolResolver, budget int) (int, error) {
	processed := 0
	for processed < budget {
		cqeIdx := q.cqHead & q.cqMask
		cqe := &q.cq[cqeIdx]
		status := verbs.Status(cqe, q.cqMask+1, q.cqHead)
		if !status.Ready {
			break
		}
		barrier.Mfence()

		if status.IsError {
			q.log.Warn("txq: completion error", "syndrome", cqe.ErrorSyndrome())
			q.obs.ObserveTXError(cqe.ErrorSyndrome())
		}

		target := (uint32(cqe.WQECounter()) + 1) & q.wqeMask
		for processed < budget {
			slot := q.trueCqHead & q.wqeMask
			group := q.compInfo[slot]
			for i := uint32(0); i < group.NumMbufs; i++ {
				mSlot := (slot + 1 + i) & q.wqeMask
				m := q.compInfo[mSlot].Mbuf
				if m != nil {
					pool := resolve(m.PoolID)
					if pool == nil {
						return processed, fmt.Errorf("txq: no pool registered for pool id %d", m.PoolID)
					}
					if _, err := pool.ReleaseMbuf(m, -1); err != nil {
						return processed, fmt.Errorf("txq: release completed mbuf: %w", err)
					}
					q.compInfo[mSlot].Mbuf = nil
				}
			}
			if group.NumWqes == 0 {
				// Nothing was ever posted at this slot; avoid spinning.
				break
			}
			q.trueCqHead += group.NumWqes
			processed++
			if (q.trueCqHead & q.wqeMask) == target {
				break
			}
		}
		q.cqHead++
	}
	return processed, nil
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
