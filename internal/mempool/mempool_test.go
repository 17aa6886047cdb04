package mempool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := Create(Params{
		Len:              64 * 4096,
		PageSize:         4096,
		ItemLen:          4096,
		RegistrationUnit: 16 * 4096,
		UseAtomic:        false,
	})
	require.NoError(t, err)
	return p
}

func countFree(p *Pool) int {
	n := 0
	for _, it := range p.freeItems {
		if it != nil {
			n++
		}
	}
	return n
}

// Property 1: allocated equals the count of null entries in free_items.
func TestAllocatedMatchesNullFreeEntries(t *testing.T) {
	p := newTestPool(t)
	var allocs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		item := p.Alloc()
		require.NotNil(t, item)
		allocs = append(allocs, item)
		require.Equal(t, p.Capacity()-countFree(p), p.Allocated())
		require.Equal(t, i+1, p.Allocated())
	}
	for _, item := range allocs {
		require.NoError(t, p.Free(item))
	}
	require.Equal(t, 0, p.Allocated())
	require.Equal(t, p.Capacity(), countFree(p))
}

// Property 2: alloc followed by free(item) leaves the pool bit-identical.
func TestAllocFreeRoundTrip(t *testing.T) {
	p := newTestPool(t)
	before := p.Allocated()
	item := p.Alloc()
	require.NoError(t, p.Free(item))
	require.Equal(t, before, p.Allocated())
	require.Equal(t, p.Capacity(), countFree(p))
}

func TestAllocFailsWhenFull(t *testing.T) {
	p := newTestPool(t)
	for i := 0; i < p.Capacity(); i++ {
		require.NotNil(t, p.Alloc())
	}
	require.Nil(t, p.Alloc())
}

// Property 4: find_index(buf + k*item_len) = k for 0 <= k < capacity.
func TestFindIndex(t *testing.T) {
	p := newTestPool(t)
	for k := 0; k < p.Capacity(); k += 7 {
		addr := unsafe.Add(p.Base(), k*p.ItemLen())
		require.Equal(t, k, p.FindIndex(addr))
	}
	// Unaligned pointer.
	unaligned := unsafe.Add(p.Base(), p.ItemLen()/2)
	require.Equal(t, -1, p.FindIndex(unaligned))
	// Out of range pointer.
	outOfRange := unsafe.Add(p.Base(), p.Capacity()*p.ItemLen()+p.ItemLen())
	require.Equal(t, -1, p.FindIndex(outOfRange))
}

// Property 5: find_registration_unit(buf + u*registration_len + delta) = u.
func TestFindRegistrationUnit(t *testing.T) {
	p := newTestPool(t)
	for u := 0; u < p.NumRegistrations(); u++ {
		for _, delta := range []int{0, p.RegistrationLen() - 1, p.RegistrationLen() / 2} {
			addr := unsafe.Add(p.Base(), u*p.RegistrationLen()+delta)
			require.Equal(t, u, p.FindRegistrationUnit(addr))
		}
	}
}

func TestRegistrationSentinelAndSet(t *testing.T) {
	p := newTestPool(t)
	require.False(t, p.IsRegistered(0))
	require.Equal(t, SentinelLkey, p.Lkey(0))
	p.SetRegistration(0, 42, 0xdeadbeef)
	require.True(t, p.IsRegistered(0))
	require.Equal(t, int32(42), p.Lkey(0))
	p.ClearRegistration(0)
	require.False(t, p.IsRegistered(0))
}

func TestRefcntUpdateOrFree(t *testing.T) {
	p := newTestPool(t)
	item := p.Alloc()
	idx := p.FindIndex(item)
	p.SetRefCount(idx, 1)
	p.RefcntUpdateOrFree(idx, 2) // refcnt -> 3
	require.Equal(t, uint32(3), p.RefCount(idx))

	freed, err := p.RefcntUpdateOrFree(idx, -2) // refcnt -> 1
	require.NoError(t, err)
	require.False(t, freed)
	require.Equal(t, 1, p.Allocated())

	freed, err = p.RefcntUpdateOrFree(idx, -1) // refcnt -> 0, freed
	require.NoError(t, err)
	require.True(t, freed)
	require.Equal(t, 0, p.Allocated())
}

func TestRefcntUpdateOrFreeSaturatesAtUpperBoundWithoutWraparound(t *testing.T) {
	p := newTestPool(t)
	item := p.Alloc()
	idx := p.FindIndex(item)
	p.SetRefCount(idx, maxRefcount-1)

	freed, err := p.RefcntUpdateOrFree(idx, 5) // would overflow past maxRefcount
	require.Error(t, err)
	require.False(t, freed)
	require.Equal(t, uint32(maxRefcount), p.RefCount(idx))

	// A further increment stays clamped, it never wraps to a small value.
	freed, err = p.RefcntUpdateOrFree(idx, 1)
	require.Error(t, err)
	require.False(t, freed)
	require.Equal(t, uint32(maxRefcount), p.RefCount(idx))

	require.NoError(t, p.Free(item))
}

func TestRefcntUpdateOrFreeRejectsUnderflowWithoutWraparound(t *testing.T) {
	p := newTestPool(t)
	item := p.Alloc()
	idx := p.FindIndex(item)
	p.SetRefCount(idx, 1)

	freed, err := p.RefcntUpdateOrFree(idx, -5) // would underflow below zero
	require.Error(t, err)
	require.False(t, freed)
	require.Equal(t, uint32(0), p.RefCount(idx))
}

func TestRefcntUpdateOrFreeSaturatesUnderAtomicMode(t *testing.T) {
	p, err := Create(Params{
		Len:              64 * 4096,
		PageSize:         4096,
		ItemLen:          4096,
		RegistrationUnit: 16 * 4096,
		UseAtomic:        true,
	})
	require.NoError(t, err)
	item := p.Alloc()
	idx := p.FindIndex(item)
	p.SetRefCount(idx, maxRefcount)

	freed, err := p.RefcntUpdateOrFree(idx, 1)
	require.Error(t, err)
	require.False(t, freed)
	require.Equal(t, uint32(maxRefcount), p.RefCount(idx))
}

func TestDestroyRequiresFullyFreed(t *testing.T) {
	p := newTestPool(t)
	item := p.Alloc()
	require.Error(t, p.Destroy())
	require.NoError(t, p.Free(item))
	require.NoError(t, p.Destroy())
}

func TestCreateRejectsBadDimensions(t *testing.T) {
	_, err := Create(Params{Len: 100, PageSize: 4096, ItemLen: 48, RegistrationUnit: 100})
	require.Error(t, err) // item_len not power of two

	_, err = Create(Params{Len: 4096*3 + 1, PageSize: 4096, ItemLen: 4096, RegistrationUnit: 4096})
	require.Error(t, err) // len not a multiple of item_len
}
