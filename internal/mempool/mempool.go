// Package mempool implements the preallocated, huge-page-backed slab
// allocator that underlies every registered memory region in the datapath:
// a free list over fixed-size slots, a per-slot reference count, and a
// division of the backing region into independently-registrable
// registration units.
package mempool

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iobuf"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
)

// SentinelLkey marks a registration unit that currently has no NIC
// registration.
const SentinelLkey = int32(-1)

// maxRefcount is the saturating upper bound on a slot's reference count,
// matching the 16-bit counter width of the descriptor rings this pool feeds.
const maxRefcount = math.MaxUint16

// Registration tracks one independently-registrable subdivision of a pool's
// backing region.
type Registration struct {
	Lkey   int32
	Handle uintptr
}

// Pool is a free-list allocator over a contiguous, page-aligned backing
// region divided into fixed-size slots.
type Pool struct {
	freeItems []unsafe.Pointer // indexed by slot id; nil when allocated
	freeStack []int            // stack of currently-free slot indices, for O(1) Alloc
	refCounts []uint32         // saturating small counter per slot, atomic if useAtomic
	allocated int

	buf         unsafe.Pointer
	allocatedBuf []byte // keeps the backing allocation alive and is released on Destroy
	len         int
	pgsize      int
	itemLen     int
	logItemLen  uint

	registrationLen  int
	nrRegistrations  int
	registrations    []Registration

	useAtomic bool

	log interfaces.Logger
}

// Params configures pool creation.
type Params struct {
	Len              int
	PageSize         int
	ItemLen          int
	RegistrationUnit int
	UseAtomic        bool
	Logger           interfaces.Logger
}

// Create allocates and initializes a pool per Params.
func Create(p Params) (*Pool, error) {
	if p.ItemLen <= 0 || p.Len <= 0 || p.PageSize <= 0 {
		return nil, fmt.Errorf("mempool: invalid dimensions len=%d item_len=%d pgsize=%d", p.Len, p.ItemLen, p.PageSize)
	}
	if p.ItemLen&(p.ItemLen-1) != 0 {
		return nil, fmt.Errorf("mempool: item_len %d is not a power of two", p.ItemLen)
	}
	if p.Len%p.ItemLen != 0 {
		return nil, fmt.Errorf("mempool: len %d not a multiple of item_len %d", p.Len, p.ItemLen)
	}
	regUnit := p.RegistrationUnit
	if regUnit <= 0 {
		regUnit = p.Len
	}
	if p.Len%regUnit != 0 {
		return nil, fmt.Errorf("mempool: len %d not a multiple of registration_unit %d", p.Len, regUnit)
	}
	if regUnit%p.ItemLen != 0 {
		return nil, fmt.Errorf("mempool: registration_unit %d not a multiple of item_len %d", regUnit, p.ItemLen)
	}

	backing := iobuf.AlignedMem(p.Len, uintptr(p.PageSize))
	base := unsafe.Pointer(unsafe.SliceData(backing))

	capacity := p.Len / p.ItemLen
	freeItems := make([]unsafe.Pointer, capacity)
	freeStack := make([]int, capacity)
	for i := 0; i < capacity; i++ {
		freeItems[i] = unsafe.Add(base, i*p.ItemLen)
		// Pushed so that index 0 (the lowest address) is popped first.
		freeStack[capacity-1-i] = i
	}

	nrRegistrations := p.Len / regUnit
	regs := make([]Registration, nrRegistrations)
	for i := range regs {
		regs[i] = Registration{Lkey: SentinelLkey}
	}

	log := p.Logger
	if log == nil {
		log = noopLogger{}
	}

	return &Pool{
		freeItems:       freeItems,
		freeStack:       freeStack,
		refCounts:       make([]uint32, capacity),
		buf:             base,
		allocatedBuf:    backing,
		len:             p.Len,
		pgsize:          p.PageSize,
		itemLen:         p.ItemLen,
		logItemLen:      uint(bits.TrailingZeros(uint(p.ItemLen))),
		registrationLen: regUnit,
		nrRegistrations: nrRegistrations,
		registrations:   regs,
		useAtomic:       p.UseAtomic,
		log:             log,
	}, nil
}

// Capacity returns the total number of slots.
func (m *Pool) Capacity() int { return len(m.freeItems) }

// Allocated returns the number of slots currently allocated.
func (m *Pool) Allocated() int { return m.allocated }

// ItemLen returns the fixed item length.
func (m *Pool) ItemLen() int { return m.itemLen }

// Base returns the pool's backing base address.
func (m *Pool) Base() unsafe.Pointer { return m.buf }

// Alloc pops the last entry of the free list, returning nil if the pool is
// full. Before any Free this is the lowest still-free address; afterwards it
// is the most recently freed slot.
func (m *Pool) Alloc() unsafe.Pointer {
	if m.allocated >= len(m.freeItems) {
		return nil
	}
	idx := m.freeStack[len(m.freeStack)-1]
	m.freeStack = m.freeStack[:len(m.freeStack)-1]
	item := m.freeItems[idx]
	m.freeItems[idx] = nil
	m.allocated++
	return item
}

// AllocByIdx returns slot idx if it is free, else nil.
func (m *Pool) AllocByIdx(idx int) unsafe.Pointer {
	if m.allocated >= len(m.freeItems) || idx < 0 || idx >= len(m.freeItems) {
		return nil
	}
	item := m.freeItems[idx]
	if item == nil {
		return nil
	}
	m.freeItems[idx] = nil
	m.allocated++
	m.removeFromFreeStack(idx)
	return item
}

// Free returns item to the pool.
func (m *Pool) Free(item unsafe.Pointer) error {
	idx := m.FindIndex(item)
	if idx < 0 {
		return fmt.Errorf("mempool: free of out-of-bounds/misaligned item")
	}
	if m.freeItems[idx] != nil {
		return fmt.Errorf("mempool: double free of slot %d", idx)
	}
	m.freeItems[idx] = item
	m.freeStack = append(m.freeStack, idx)
	m.allocated--
	return nil
}

// removeFromFreeStack drops idx from the free-index stack after an
// AllocByIdx call bypassed the normal Alloc() pop path.
func (m *Pool) removeFromFreeStack(idx int) {
	for i, v := range m.freeStack {
		if v == idx {
			m.freeStack[i] = m.freeStack[len(m.freeStack)-1]
			m.freeStack = m.freeStack[:len(m.freeStack)-1]
			return
		}
	}
}

// FindIndex returns the slot index of item, or -1 if item does not lie
// within the pool's backing region at an item-aligned offset.
func (m *Pool) FindIndex(item unsafe.Pointer) int {
	start := uintptr(m.buf)
	end := start + uintptr(m.len)
	addr := uintptr(item)
	if addr < start || addr >= end {
		return -1
	}
	delta := addr - start
	if delta&uintptr(m.itemLen-1) != 0 {
		return -1
	}
	return int(delta >> m.logItemLen)
}

// FindRegistrationUnit returns the registration-unit index covering
// pageAddress.
func (m *Pool) FindRegistrationUnit(pageAddress unsafe.Pointer) int {
	delta := uintptr(pageAddress) - uintptr(m.buf)
	return int(delta) / m.registrationLen
}

// RegistrationLen returns the size of one registration unit.
func (m *Pool) RegistrationLen() int { return m.registrationLen }

// NumRegistrations returns the number of registration units.
func (m *Pool) NumRegistrations() int { return m.nrRegistrations }

// SetRegistration records the lkey/handle for a registration unit.
func (m *Pool) SetRegistration(unit int, lkey int32, handle uintptr) {
	m.registrations[unit] = Registration{Lkey: lkey, Handle: handle}
}

// ClearRegistration restores the sentinel lkey for a registration unit.
func (m *Pool) ClearRegistration(unit int) {
	m.registrations[unit] = Registration{Lkey: SentinelLkey}
}

// Lkey returns the lkey for a registration unit, or SentinelLkey if
// unregistered.
func (m *Pool) Lkey(unit int) int32 {
	return m.registrations[unit].Lkey
}

// IsRegistered reports whether a registration unit currently has a lkey.
func (m *Pool) IsRegistered(unit int) bool {
	return m.registrations[unit].Lkey != SentinelLkey
}

// RegistrationHandle returns the opaque deregistration handle for a unit.
func (m *Pool) RegistrationHandle(unit int) uintptr {
	return m.registrations[unit].Handle
}

// RefCount returns the current reference count for slot idx.
func (m *Pool) RefCount(idx int) uint32 {
	if m.useAtomic {
		return atomic.LoadUint32(&m.refCounts[idx])
	}
	return m.refCounts[idx]
}

// SetRefCount sets the reference count for slot idx, typically to 1 at
// construction of a new mbuf.
func (m *Pool) SetRefCount(idx int, v uint32) {
	if m.useAtomic {
		atomic.StoreUint32(&m.refCounts[idx], v)
		return
	}
	m.refCounts[idx] = v
}

// RefcntUpdateOrFree adjusts slot idx's reference count by change, saturating
// at maxRefcount rather than wrapping around; when the result reaches zero it
// frees the slot back to the pool and returns true. A change that would carry
// the count below zero or above maxRefcount is clamped and reported via err,
// but the clamped update still applies; an underflow clamped to zero does not
// free the slot.
func (m *Pool) RefcntUpdateOrFree(idx int, change int32) (freed bool, err error) {
	var next int64
	underflow := false
	for {
		cur := m.RefCount(idx)
		next = int64(cur) + int64(change)
		underflow = next < 0
		if underflow {
			err = fmt.Errorf("mempool: refcount underflow at slot %d (cur=%d change=%d)", idx, cur, change)
			next = 0
		} else if next > maxRefcount {
			m.log.Warn("mempool: refcount saturated", "slot", idx, "cur", cur, "change", change)
			err = fmt.Errorf("mempool: refcount overflow at slot %d clamped to %d", idx, maxRefcount)
			next = maxRefcount
		}
		if m.useAtomic {
			if !atomic.CompareAndSwapUint32(&m.refCounts[idx], cur, uint32(next)) {
				continue
			}
		} else {
			m.refCounts[idx] = uint32(next)
		}
		break
	}
	if next == 0 && !underflow {
		item := unsafe.Add(m.buf, idx*m.itemLen)
		if ferr := m.Free(item); ferr != nil {
			return false, ferr
		}
		return true, err
	}
	return false, err
}

// Destroy releases the backing allocation. It fails if any slot is still
// allocated, matching the teardown-time-inconsistency error kind.
func (m *Pool) Destroy() error {
	if m.allocated != 0 {
		return fmt.Errorf("mempool: destroy with %d slots still allocated", m.allocated)
	}
	m.allocatedBuf = nil
	m.freeItems = nil
	m.refCounts = nil
	m.registrations = nil
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
