package cornflakes

import "github.com/vishwanath1306/cornflakes/internal/constants"

// Re-exported ring, alignment, and resource-bound constants for callers
// constructing connections without reaching into internal packages.
const (
	DefaultRQNumDesc       = constants.RQNumDesc
	DefaultSQNumDesc       = constants.SQNumDesc
	MaxInlineData          = constants.MaxInlineData
	MaxTXPoolsPerThread    = constants.MaxTXPoolsPerThread
	DefaultHugePageSize    = constants.DefaultHugePageSize
	CacheLineSize          = constants.CacheLineSize
	CtrlSegSize            = constants.CtrlSegSize
	EthSegInlineHdrOffset  = constants.EthSegInlineHdrOffset
	DataSegSize            = constants.DataSegSize
)
