package regpool

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
)

func fakeHooks() (interfaces.RegisterHook, interfaces.DeregisterHook, *int32) {
	var nextLkey int32
	var deregistered int32
	register := func(addr unsafe.Pointer, length int) (int32, uintptr, error) {
		lkey := atomic.AddInt32(&nextLkey, 1)
		return lkey, uintptr(lkey), nil
	}
	deregister := func(handle uintptr) error {
		atomic.AddInt32(&deregistered, 1)
		return nil
	}
	return register, deregister, &deregistered
}

func newTestRegPool(t *testing.T, registerAtAlloc bool) (*Pool, *int32) {
	t.Helper()
	reg, dereg, deregCount := fakeHooks()
	rp, err := Create(Params{
		ItemLen:          2048,
		NumItems:         64,
		PageSize:         4096,
		RegistrationUnit: 16 * 2048,
		UseAtomic:        false,
		RegisterAtAlloc:  registerAtAlloc,
		RegisterHook:     reg,
		DeregisterHook:   dereg,
	})
	require.NoError(t, err)
	return rp, deregCount
}

func TestAllocMbufFailsWithoutRegistration(t *testing.T) {
	rp, _ := newTestRegPool(t, false)
	_, err := rp.AllocMbuf(0)
	require.Error(t, err)
}

func TestAllocMbufSucceedsAfterRegistration(t *testing.T) {
	rp, _ := newTestRegPool(t, true)
	m, err := rp.AllocMbuf(7)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, 7, m.PoolID)
	require.Equal(t, 2048, m.DataBufLen)
	require.Equal(t, uint32(1), rp.RefCount(m))
}

func TestReleaseMbufFreesSlotsAtZeroRefcount(t *testing.T) {
	rp, _ := newTestRegPool(t, true)
	m, err := rp.AllocMbuf(0)
	require.NoError(t, err)

	rp.IncRef(m) // refcnt 2
	freed, err := rp.ReleaseMbuf(m, -1)
	require.NoError(t, err)
	require.False(t, freed)
	require.Equal(t, 1, rp.Data.Allocated())

	freed, err = rp.ReleaseMbuf(m, -1)
	require.NoError(t, err)
	require.True(t, freed)
	require.Equal(t, 0, rp.Data.Allocated())
	require.Equal(t, 0, rp.Metadata.Allocated())
}

func TestDestroyDeregistersAllUnits(t *testing.T) {
	rp, deregCount := newTestRegPool(t, true)
	units := rp.Data.NumRegistrations()
	require.NoError(t, rp.Destroy())
	require.Equal(t, int32(units), atomic.LoadInt32(deregCount))
}
