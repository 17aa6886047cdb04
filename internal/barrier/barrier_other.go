//go:build !(linux && cgo)

package barrier

import "sync/atomic"

// Sfence falls back to an atomic release operation on platforms without the
// cgo-backed fence. It is weaker than a true SFENCE but keeps the datapath
// buildable for development off the target platform.
func Sfence() {
	var v atomic.Uint32
	v.Store(1)
}

// Mfence falls back to an atomic load/store pair for the same reason.
func Mfence() {
	var v atomic.Uint32
	v.Store(1)
	_ = v.Load()
}
