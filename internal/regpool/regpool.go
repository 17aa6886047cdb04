// Package regpool implements the registered memory pool: a paired data pool
// and metadata pool sharing one capacity, plus the NIC registration hooks
// and the mbuf allocation/release lifecycle that spans both pools.
package regpool

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/mbuf"
	"github.com/vishwanath1306/cornflakes/internal/mempool"
)

// Pool pairs a data mempool (packet payload) with a metadata mempool (one
// mbuf per data slot), plus the NIC registration state for the data pool.
// Next can link pools into a list; the per-thread context does not use it
// and tracks its TX pools in its own slice.
type Pool struct {
	Data     *mempool.Pool
	Metadata *mempool.Pool

	registerHook   interfaces.RegisterHook
	deregisterHook interfaces.DeregisterHook
	registered     bool

	Next *Pool

	log interfaces.Logger
}

// Params configures registered-pool creation.
type Params struct {
	ItemLen          int
	NumItems         int
	PageSize         int
	RegistrationUnit int
	UseAtomic        bool
	RegisterAtAlloc  bool

	RegisterHook   interfaces.RegisterHook
	DeregisterHook interfaces.DeregisterHook
	Logger         interfaces.Logger
}

// Create builds the data and metadata pools and, if RegisterAtAlloc is set,
// eagerly registers every registration unit of the data pool.
func Create(p Params) (*Pool, error) {
	dataLen := p.ItemLen * p.NumItems
	data, err := mempool.Create(mempool.Params{
		Len:              dataLen,
		PageSize:         p.PageSize,
		ItemLen:          p.ItemLen,
		RegistrationUnit: p.RegistrationUnit,
		UseAtomic:        p.UseAtomic,
		Logger:           p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("regpool: data pool: %w", err)
	}

	mbufItemLen := nextPow2(int(unsafe.Sizeof(mbuf.Mbuf{})))
	metaLen := mbufItemLen * p.NumItems
	meta, err := mempool.Create(mempool.Params{
		Len:              metaLen,
		PageSize:         p.PageSize,
		ItemLen:          mbufItemLen,
		RegistrationUnit: metaLen,
		UseAtomic:        false,
		Logger:           p.Logger,
	})
	if err != nil {
		data.Destroy()
		return nil, fmt.Errorf("regpool: metadata pool: %w", err)
	}

	rp := &Pool{
		Data:           data,
		Metadata:       meta,
		registerHook:   p.RegisterHook,
		deregisterHook: p.DeregisterHook,
		log:            p.Logger,
	}

	if p.RegisterAtAlloc {
		if err := rp.RegisterAll(); err != nil {
			data.Destroy()
			meta.Destroy()
			return nil, err
		}
	}

	return rp, nil
}

// RegisterAll registers every registration unit of the data pool eagerly.
func (rp *Pool) RegisterAll() error {
	for unit := 0; unit < rp.Data.NumRegistrations(); unit++ {
		if err := rp.RegisterUnit(unit); err != nil {
			return err
		}
	}
	rp.registered = true
	return nil
}

// RegisterUnit registers a single registration unit lazily.
func (rp *Pool) RegisterUnit(unit int) error {
	if rp.registerHook == nil {
		return fmt.Errorf("regpool: no register hook configured")
	}
	addr := unsafe.Add(rp.Data.Base(), unit*rp.Data.RegistrationLen())
	lkey, handle, err := rp.registerHook(addr, rp.Data.RegistrationLen())
	if err != nil {
		return fmt.Errorf("regpool: register unit %d: %w", unit, err)
	}
	rp.Data.SetRegistration(unit, lkey, handle)
	return nil
}

// AllocMbuf allocates one data slot and its paired metadata slot, wires the
// mbuf's fields from the data pool's lkey/item length, and sets its
// reference count to 1.
func (rp *Pool) AllocMbuf(poolID int) (*mbuf.Mbuf, error) {
	dataItem := rp.Data.Alloc()
	if dataItem == nil {
		return nil, fmt.Errorf("regpool: data pool exhausted")
	}
	idx := rp.Data.FindIndex(dataItem)

	metaItem := rp.Metadata.AllocByIdx(idx)
	if metaItem == nil {
		rp.Data.Free(dataItem)
		return nil, fmt.Errorf("regpool: metadata slot %d unavailable", idx)
	}

	unit := rp.Data.FindRegistrationUnit(dataItem)
	if !rp.Data.IsRegistered(unit) {
		rp.Data.Free(dataItem)
		rp.Metadata.Free(metaItem)
		return nil, fmt.Errorf("regpool: registration unit %d not registered", unit)
	}

	m := (*mbuf.Mbuf)(metaItem)
	m.Clear()
	m.BufAddr = dataItem
	m.DataBufLen = rp.Data.ItemLen()
	m.Lkey = rp.Data.Lkey(unit)
	m.PoolID = poolID
	m.SlotIdx = idx

	rp.Data.SetRefCount(idx, 1)
	return m, nil
}

// ReleaseMbuf decrements the mbuf's reference count by change (normally -1)
// and, when it reaches zero, returns both the data slot and metadata slot to
// their pools.
func (rp *Pool) ReleaseMbuf(m *mbuf.Mbuf, change int32) (freed bool, err error) {
	freed, err = rp.Data.RefcntUpdateOrFree(m.SlotIdx, change)
	if err != nil {
		return false, err
	}
	if freed {
		if ferr := rp.Metadata.Free(unsafe.Pointer(m)); ferr != nil {
			return true, ferr
		}
	}
	return freed, nil
}

// IncRef bumps the mbuf's reference count, used when a second transmission
// references a buffer already owned by an in-flight one.
func (rp *Pool) IncRef(m *mbuf.Mbuf) {
	rp.Data.RefcntUpdateOrFree(m.SlotIdx, 1)
}

// RefCount returns the mbuf's current reference count.
func (rp *Pool) RefCount(m *mbuf.Mbuf) uint32 {
	return rp.Data.RefCount(m.SlotIdx)
}

// Destroy deregisters all registration units and destroys both pools.
func (rp *Pool) Destroy() error {
	if rp.deregisterHook != nil {
		for unit := 0; unit < rp.Data.NumRegistrations(); unit++ {
			if rp.Data.IsRegistered(unit) {
				if err := rp.deregisterHook(rp.Data.RegistrationHandle(unit)); err != nil {
					return fmt.Errorf("regpool: deregister unit %d: %w", unit, err)
				}
				rp.Data.ClearRegistration(unit)
			}
		}
	}
	if err := rp.Data.Destroy(); err != nil {
		return err
	}
	return rp.Metadata.Destroy()
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
