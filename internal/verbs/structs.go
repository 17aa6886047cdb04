// Package verbs holds the wire-exact NIC ABI structs this datapath writes
// and reads directly: the control/ethernet/data work-request segments and
// the 64-byte completion-queue element. Layouts cannot change; they mirror
// the device's direct-verbs headers exactly.
package verbs

import (
	"encoding/binary"
	"unsafe"
)

// CtrlSeg is the control segment prefixed to every work request.
//
//	struct mlx5_wqe_ctrl_seg {
//	  __be32 opmod_idx_opcode;
//	  __be32 qpn_ds;
//	  u8     signature;
//	  u8     rsvd[2];
//	  u8     fm_ce_se;
//	  __be32 imm;
//	};
type CtrlSeg struct {
	OpmodIdxOpcode uint32
	QPNDS          uint32
	Signature      uint8
	Reserved       [2]uint8
	FmCeSe         uint8
	Imm            uint32
}

var _ [16]byte = [unsafe.Sizeof(CtrlSeg{})]byte{}

// EthSeg is the ethernet segment that immediately follows the control
// segment and carries the inline-data length and its first two bytes.
//
//	struct mlx5_wqe_eth_seg {
//	  u8     rsvd0[4];
//	  u8     cs_flags;
//	  u8     rsvd1;
//	  __be16 mss;
//	  u8     rsvd2[4];
//	  __be16 inline_hdr_sz;
//	  u8     inline_hdr_start[2];
//	};
type EthSeg struct {
	Reserved0      [4]uint8
	CsFlags        uint8
	Reserved1      uint8
	MSS            uint16
	Reserved2      [4]uint8
	InlineHdrSz    uint16
	InlineHdrStart [2]uint8
}

var _ [16]byte = [unsafe.Sizeof(EthSeg{})]byte{}

// InlineHdrStartOffset is offsetof(EthSeg, InlineHdrStart); used by the
// ring-straddle arithmetic.
const InlineHdrStartOffset = 14

// DataSeg (dpseg) references one DMA source range.
//
//	struct mlx5_wqe_data_seg {
//	  __be32 byte_count;
//	  __be32 lkey;
//	  __be64 addr;
//	};
type DataSeg struct {
	ByteCount uint32
	Lkey      uint32
	Addr      uint64
}

var _ [16]byte = [unsafe.Sizeof(DataSeg{})]byte{}

// FillDataSeg writes a big-endian (network byte order) data segment, as the
// device expects.
func FillDataSeg(dst []byte, byteCount, lkey uint32, addr uint64) {
	binary.BigEndian.PutUint32(dst[0:4], byteCount)
	binary.BigEndian.PutUint32(dst[4:8], lkey)
	binary.BigEndian.PutUint64(dst[8:16], addr)
}

// Well-known mlx5 wire constants for the control segment's opcode and
// always-signaled completion bit.
const (
	OpcodeSend      = 0x0a
	CtrlCQUpdateBit = 0x08
)

// FillCtrlSeg writes the 16-byte control segment prefixed to every work
// request: wqeIdx is this WQE's slot index (mod wqe_cnt), ds is the work
// request's total size in 16-byte units, and signal requests a completion.
func FillCtrlSeg(dst []byte, wqeIdx uint32, opcode uint8, qpn uint32, ds uint8, signal bool) {
	binary.BigEndian.PutUint32(dst[0:4], (wqeIdx<<8)|uint32(opcode))
	binary.BigEndian.PutUint32(dst[4:8], (qpn<<8)|uint32(ds))
	dst[8] = 0
	dst[9], dst[10] = 0, 0
	if signal {
		dst[11] = CtrlCQUpdateBit
	} else {
		dst[11] = 0
	}
	binary.BigEndian.PutUint32(dst[12:16], 0)
}

// FillEthSeg writes the 16-byte ethernet segment immediately following the
// control segment: inlineHdrSz is the total inlined byte count for this
// transmission, and first2 carries its first up-to-two inline bytes (the
// rest is written separately into the ring by the caller).
func FillEthSeg(dst []byte, inlineHdrSz uint16, first2 [2]byte, csFlags uint8) {
	dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 0
	dst[4] = csFlags
	dst[5] = 0
	binary.BigEndian.PutUint16(dst[6:8], 0)
	dst[8], dst[9], dst[10], dst[11] = 0, 0, 0, 0
	binary.BigEndian.PutUint16(dst[12:14], inlineHdrSz)
	dst[14], dst[15] = first2[0], first2[1]
}

// CQE64 is the 64-byte completion-queue element. Only the fields the core
// reads are named; the rest is reserved padding, but every byte is
// accounted for so the size assertion holds.
//
//	struct mlx5_cqe64 { ... 64 bytes, op_own is the last byte ... }
type CQE64 struct {
	PktInfo               uint8
	Reserved0             uint8
	WqeID                 uint16
	LroTcppshAbortDupack  uint8
	LroMinTTL             uint8
	LroTCPWin             uint16
	LroAckSeqNum          uint32
	RSSHashResult         [4]byte // big-endian on the wire
	RSSHashType           uint8
	MlPath                uint8
	Reserved20            [2]uint8
	Checksum              uint16
	SLID                  uint16
	FlagsRQPN             uint32
	HdsIPExt              uint8
	L4HdrTypeEtc          uint8
	VlanInfo              uint16
	SrqnUidx              uint32
	ImmInvalPkey          uint32
	Reserved40            [4]uint8
	ByteCnt               [4]byte // big-endian on the wire
	Timestamp             uint64
	SopDropQPN            uint32
	WqeCounter            [2]byte // big-endian on the wire
	Signature             uint8
	OpOwn                 uint8
}

var _ [64]byte = [unsafe.Sizeof(CQE64{})]byte{}

// mlx5_err_cqe overlays the same 64 bytes; syndrome sits at byte offset 55.
const errCQESyndromeOffset = 55

// CQEOwnerMask isolates the ownership bit within OpOwn.
const CQEOwnerMask = 0x01

// CQEOpcode extracts the opcode nibble from OpOwn.
func CQEOpcode(opOwn uint8) uint8 {
	return (opOwn & 0xf0) >> 4
}

// CQEOwner extracts the ownership bit from OpOwn.
func CQEOwner(opOwn uint8) uint8 {
	return opOwn & CQEOwnerMask
}

// ByteCount returns the CQE's byte count in host order (the device writes
// it big-endian).
func (c *CQE64) ByteCount() uint32 {
	return binary.BigEndian.Uint32(c.ByteCnt[:])
}

// RSSResult returns the RSS hash in host order.
func (c *CQE64) RSSResult() uint32 {
	return binary.BigEndian.Uint32(c.RSSHashResult[:])
}

// WQECounter returns the completed work-request counter in host order.
func (c *CQE64) WQECounter() uint16 {
	return binary.BigEndian.Uint16(c.WqeCounter[:])
}

// ErrorSyndrome reads the error syndrome byte from a CQE known to carry an
// error completion (overlay of struct mlx5_err_cqe).
func (c *CQE64) ErrorSyndrome() uint8 {
	raw := (*[64]byte)(unsafe.Pointer(c))
	return raw[errCQESyndromeOffset]
}
