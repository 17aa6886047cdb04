package cornflakes

import (
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testConnectionParams(hooks *MockDeviceHooks) ConnectionParams {
	p := DefaultConnectionParams()
	p.Threads[0].RXPoolNumItems = 16
	p.Threads[0].RXQWQECount = 16
	p.Threads[0].RXQCQECount = 16
	p.Threads[0].TXQWQECount = 16
	p.Threads[0].TXQCQECount = 16
	p.PageSize = 4096
	p.RegistrationUnit = 16 * p.Threads[0].RXPoolItemLen
	p.OpenDevice = hooks.OpenDevice
	p.CloseDevice = hooks.CloseDevice
	p.InstallFlowSteering = hooks.InstallFlowSteering
	p.TeardownFlowSteering = hooks.TeardownFlowSteering
	p.RegisterHook = hooks.Register
	p.DeregisterHook = hooks.Deregister
	p.Doorbell = hooks.Doorbell
	p.BlueFlame = hooks.BlueFlame
	p.Metrics = NewMetrics(prometheus.NewRegistry())
	return p
}

func TestNewConnectionOpensDeviceAndInstallsFlowSteering(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()

	counts := hooks.CallCounts()
	require.Equal(t, 1, counts["open_device"])
	require.Equal(t, 1, counts["install_flow_steering"])
	require.Greater(t, counts["register"], 0)
}

func TestNewConnectionRejectsNoThreads(t *testing.T) {
	hooks := NewMockDeviceHooks()
	p := testConnectionParams(hooks)
	p.Threads = nil
	_, err := NewConnection(p)
	require.Error(t, err)
	require.True(t, IsKind(err, KindArgumentInvalid))
}

func TestCloseTearsDownDeviceOnce(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	counts := hooks.CallCounts()
	require.Equal(t, 1, counts["close_device"])
}

func TestAddMemoryPoolAndAllocMbuf(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()

	poolID, err := conn.AddMemoryPool(0, 2048, 16)
	require.NoError(t, err)
	require.Equal(t, 1, poolID)

	m, err := conn.AllocMbuf(0, poolID)
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestAllocMbufUnknownThreadIsArgumentInvalid(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.AllocMbuf(99, 0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindArgumentInvalid))
}

func TestPushOrderedSgasTransmitsAndRingsDoorbellOnce(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()

	m, err := conn.AllocMbuf(0, 0)
	require.NoError(t, err)
	m.DataLen = 4

	n, err := conn.PushOrderedSgas(0, []OrderedSga{
		{Segments: []SgaSegment{{Mbuf: m, Off: 0, Len: 4}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, hooks.CallCounts()["doorbell"])
}

func TestPushOrderedSgasInlinesSegmentsAtOrBelowCopyingThreshold(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetCopyingThreshold(8)

	m, err := conn.AllocMbuf(0, 0)
	require.NoError(t, err)
	copy(unsafe.Slice((*byte)(m.DataPtr()), 4), []byte("abcd"))
	m.DataLen = 4

	pool := conn.threads[0].ctx.Pool(0)
	allocatedBefore := pool.Data.Allocated()

	n, err := conn.PushOrderedSgas(0, []OrderedSga{
		{Segments: []SgaSegment{{Mbuf: m, Off: 0, Len: 4}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Inlined below the threshold: the segment's mbuf is released
	// immediately rather than held until a TX completion.
	require.Equal(t, allocatedBefore-1, pool.Data.Allocated())
}

func TestPushOrderedSgasLeavesSegmentsAboveThresholdZeroCopy(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetCopyingThreshold(2)

	m, err := conn.AllocMbuf(0, 0)
	require.NoError(t, err)
	m.DataLen = 4

	pool := conn.threads[0].ctx.Pool(0)
	allocatedBefore := pool.Data.Allocated()

	n, err := conn.PushOrderedSgas(0, []OrderedSga{
		{Segments: []SgaSegment{{Mbuf: m, Off: 0, Len: 4}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Above the threshold: the mbuf stays referenced (zero-copy) until a
	// TX completion releases it, not immediately.
	require.Equal(t, allocatedBefore, pool.Data.Allocated())
}

func TestPopDrainsNoPacketsWithoutHardware(t *testing.T) {
	hooks := NewMockDeviceHooks()
	conn, err := NewConnection(testConnectionParams(hooks))
	require.NoError(t, err)
	defer conn.Close()

	pkts, err := conn.Pop(0, 8)
	require.NoError(t, err)
	require.Empty(t, pkts)
}
