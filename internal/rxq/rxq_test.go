package rxq

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vishwanath1306/cornflakes/internal/regpool"
)

// fakeObserver records call counts so tests can assert the RXQ hot path
// actually reports to an Observer instead of silently dropping the calls.
type fakeObserver struct {
	rxBytes  []uint64
	rxDrops  int
	txCalls  int
	txErrors int
}

func (f *fakeObserver) ObserveTX(uint64, uint32)    { f.txCalls++ }
func (f *fakeObserver) ObserveRX(bytes uint64)      { f.rxBytes = append(f.rxBytes, bytes) }
func (f *fakeObserver) ObserveTXError(uint8)        { f.txErrors++ }
func (f *fakeObserver) ObserveRXDrop()              { f.rxDrops++ }
func (f *fakeObserver) ObservePoolExhausted(string) {}

func newTestQueue(t *testing.T, wqeCnt, cqeCnt int) (*RXQ, *int) {
	t.Helper()
	q, doorbellCalls, _ := newTestQueueWithObserver(t, wqeCnt, cqeCnt)
	return q, doorbellCalls
}

func newTestQueueWithObserver(t *testing.T, wqeCnt, cqeCnt int) (*RXQ, *int, *fakeObserver) {
	t.Helper()
	doorbellCalls := 0
	rp, err := regpool.Create(regpool.Params{
		ItemLen:          2048,
		NumItems:         wqeCnt * 8,
		PageSize:         4096,
		RegistrationUnit: wqeCnt * 8 * 2048,
		RegisterAtAlloc:  true,
		RegisterHook: func(addr unsafe.Pointer, length int) (int32, uintptr, error) {
			return 1, 1, nil
		},
		DeregisterHook: func(handle uintptr) error { return nil },
	})
	require.NoError(t, err)

	obs := &fakeObserver{}
	q, err := Create(Params{
		WQECount: wqeCnt,
		CQECount: cqeCnt,
		Pool:     rp,
		PoolID:   0,
		Doorbell: func(uint32) { doorbellCalls++ },
		Observer: obs,
	})
	require.NoError(t, err)
	return q, &doorbellCalls, obs
}

func TestRefillPostsAndRingsDoorbellOnce(t *testing.T) {
	q, doorbellCalls := newTestQueue(t, 8, 8)
	require.NoError(t, q.Refill(4))
	require.Equal(t, uint32(4), q.head)
	require.Equal(t, 1, *doorbellCalls)
	for i := 0; i < 4; i++ {
		require.NotNil(t, q.buffers[i])
	}
}

// writeCQE stamps a completion at cq[idx] with the given owner parity bit
// and opcode, plus a byte count, mimicking what the NIC would write.
func writeCQE(q *RXQ, idx uint32, owner uint8, opcode uint8, byteCount uint32) {
	cqe := &q.cq[idx]
	cqe.OpOwn = (opcode << 4) | (owner & 0x1)
	binary.BigEndian.PutUint32(cqe.ByteCnt[:], byteCount)
}

func TestGatherRxDeliversAndRefills(t *testing.T) {
	q, _ := newTestQueue(t, 8, 8)
	require.NoError(t, q.Refill(8))

	// First lap: consumer/cqeCnt == 0 -> parity 0, so a ready CQE carries
	// owner bit 0 (owner == parity).
	writeCQE(q, 0, 0, 0, 64)
	writeCQE(q, 1, 0, 0, 128)

	pkts, err := q.GatherRx(8)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, 64, pkts[0].DataLen)
	require.Equal(t, 128, pkts[1].DataLen)
	require.Equal(t, uint32(2), q.consumer)
	require.Equal(t, uint32(2), q.wqHead)
	// Slots 0 and 1 were refilled in place.
	require.NotNil(t, q.buffers[0])
	require.NotNil(t, q.buffers[1])
}

func TestGatherRxStopsOnUnreadyCQE(t *testing.T) {
	q, _ := newTestQueue(t, 8, 8)
	require.NoError(t, q.Refill(8))
	// owner 1 with parity 0 (consumer/cqeCnt==0 -> parity 0) means
	// owner != parity, i.e. not ready (ready requires owner == parity).
	writeCQE(q, 0, 1, 0, 64)

	pkts, err := q.GatherRx(8)
	require.NoError(t, err)
	require.Len(t, pkts, 0)
}

func TestGatherRxCountsHardwareErrorsAndStillRefills(t *testing.T) {
	q, _ := newTestQueue(t, 8, 8)
	require.NoError(t, q.Refill(8))
	writeCQE(q, 0, 0, ErrOpcode, 0)

	pkts, err := q.GatherRx(8)
	require.NoError(t, err)
	require.Len(t, pkts, 0)
	require.Equal(t, uint64(1), q.HWDropCount())
	require.NotNil(t, q.buffers[0])
}

// ErrOpcode mirrors one of the request-error completion opcodes.
const ErrOpcode = 0xd

func TestGatherRxReportsSuccessfulReceivesToObserver(t *testing.T) {
	q, _, obs := newTestQueueWithObserver(t, 8, 8)
	require.NoError(t, q.Refill(8))
	writeCQE(q, 0, 0, 0, 64)
	writeCQE(q, 1, 0, 0, 128)

	pkts, err := q.GatherRx(8)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, []uint64{64, 128}, obs.rxBytes)
	require.Equal(t, 0, obs.rxDrops)
}

func TestGatherRxReportsHardwareErrorsToObserver(t *testing.T) {
	q, _, obs := newTestQueueWithObserver(t, 8, 8)
	require.NoError(t, q.Refill(8))
	writeCQE(q, 0, 0, ErrOpcode, 0)

	pkts, err := q.GatherRx(8)
	require.NoError(t, err)
	require.Len(t, pkts, 0)
	require.Equal(t, 1, obs.rxDrops)
	require.Empty(t, obs.rxBytes)
}

func TestGatherRxWrapsCQEParityAcrossLaps(t *testing.T) {
	q, _ := newTestQueue(t, 4, 4)
	require.NoError(t, q.Refill(4))

	// Drain all 4 in the first lap (parity 0, owner must be 0).
	for i := uint32(0); i < 4; i++ {
		writeCQE(q, i, 0, 0, 32)
	}
	pkts, err := q.GatherRx(4)
	require.NoError(t, err)
	require.Len(t, pkts, 4)
	require.Equal(t, uint32(4), q.consumer)

	// Second lap: parity flips to 1, so ready CQEs now carry owner bit 1.
	for i := uint32(0); i < 4; i++ {
		writeCQE(q, i, 1, 0, 48)
	}
	pkts, err = q.GatherRx(4)
	require.NoError(t, err)
	require.Len(t, pkts, 4)
	require.Equal(t, uint32(8), q.consumer)
}
