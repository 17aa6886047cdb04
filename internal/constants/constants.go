// Package constants holds ring sizes, alignment, and resource bounds shared
// across the datapath. Values mirror the direct-verbs queue geometry this
// module replaces the FFI shim for.
package constants

const (
	// RQNumDesc is the number of descriptors in a receive work queue.
	RQNumDesc = 1024

	// SQNumDesc is the number of work-request slots in a send queue.
	SQNumDesc = 128

	// MaxInlineData bounds how many bytes of a transmission may be inlined
	// into the work-request ring rather than referenced via a data segment.
	MaxInlineData = 256

	// MaxTXPoolsPerThread bounds the TX registered-pool list per thread.
	MaxTXPoolsPerThread = 64

	// DefaultHugePageSize is the default huge-page alignment used for
	// memory pool backing regions.
	DefaultHugePageSize = 2 << 20 // 2MiB

	// CacheLineSize is the CPU cache-line size in bytes.
	CacheLineSize = 64

	// CtrlSegSize and DataSegSize are the wire sizes (bytes) of the NIC ABI
	// segments used in the WQE-count formula.
	CtrlSegSize = 16
	// EthSegInlineHdrOffset is offsetof(mlx5_wqe_eth_seg, inline_hdr_start).
	EthSegInlineHdrOffset = 14
	DataSegSize           = 16

)
