//go:build linux && cgo

// Package barrier provides the store-store and load-load fences the
// doorbell/CQE discipline requires.
package barrier

/*
#include <stdint.h>

// x86-64 store fence: ensures all prior stores are globally visible before
// any subsequent store. Required before writing the send/receive doorbell.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: ensures all prior loads/stores complete before
// any subsequent one. Used after observing a CQE's ownership bit and before
// reading its payload.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence before a doorbell write.
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence after observing a CQE ownership bit.
func Mfence() {
	C.mfence_impl()
}
