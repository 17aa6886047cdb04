// Package mbuf defines the metadata buffer that describes one packet's data
// buffer, without owning the pool that allocated it.
package mbuf

import "unsafe"

// Mbuf is a per-packet header referencing a data-pool slot. It does not hold
// a raw pointer back to its owning pool; instead it carries an opaque
// (PoolID, SlotIdx) pair, per the ring-buffer design notes, so that a pool
// can be destroyed without leaving dangling back-pointers in mbufs that
// outlived it by caller error.
type Mbuf struct {
	BufAddr    unsafe.Pointer
	DataBufLen int
	Offset     int
	DataLen    int
	Lkey       int32

	PoolID  int
	SlotIdx int
}

// Clear zeroes an mbuf before it is reinitialized for a new allocation.
func (m *Mbuf) Clear() {
	*m = Mbuf{}
}

// DataPtr returns a pointer to the payload start (BufAddr + Offset).
func (m *Mbuf) DataPtr() unsafe.Pointer {
	return unsafe.Add(m.BufAddr, m.Offset)
}
