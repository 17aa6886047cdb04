package verbs

// CQEStatus is the tagged result of inspecting one completion-queue slot,
// replacing the original driver's "OR a sentinel into the opcode" integer
// return with an explicit not-ready/ready/opcode split.
type CQEStatus struct {
	Ready   bool
	Opcode  uint8
	IsError bool
}

// Status inspects the CQE at the given ring head and cqe count, returning
// whether it is ready (ownership parity matches the current wrap count) and,
// if so, its opcode and whether that opcode denotes an error completion.
func Status(cqe *CQE64, cqeCnt uint32, head uint32) CQEStatus {
	parity := uint8(head/cqeCnt) & 0x1
	owner := CQEOwner(cqe.OpOwn)
	if owner == (parity ^ 1) {
		return CQEStatus{Ready: false}
	}
	opcode := CQEOpcode(cqe.OpOwn)
	return CQEStatus{
		Ready:   true,
		Opcode:  opcode,
		IsError: opcode == ErrOpcodeReqErr || opcode == ErrOpcodeRespErr,
	}
}

// Error completion opcodes (MLX5_CQE_REQ_ERR / MLX5_CQE_RESP_ERR).
const (
	ErrOpcodeReqErr  = 0xd
	ErrOpcodeRespErr = 0xe
)
