package cornflakes

import (
	"sync"
	"unsafe"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
)

// MockDeviceHooks provides an in-process, no-hardware implementation of
// every lifecycle and datapath hook NewConnection needs: device open/close,
// flow-steering install/teardown, memory registration/deregistration, and
// the send doorbell/BlueFlame write. It tracks call counts so tests can
// assert on hook invocations without a real NIC, mirroring the teacher's
// MockBackend call-tracking shape.
type MockDeviceHooks struct {
	mu sync.Mutex

	nextLkey  int32
	nextHandle uintptr
	registered map[uintptr]registeredRegion

	openCalls             int
	closeCalls            int
	installFlowCalls      int
	teardownFlowCalls     int
	registerCalls         int
	deregisterCalls       int
	doorbellCalls         int
	blueFlameCalls        int
	lastDoorbellProducer  uint32
	lastBlueFlameFirst64  [64]byte
}

type registeredRegion struct {
	addr   unsafe.Pointer
	length int
}

// NewMockDeviceHooks builds a fresh hook set with independent call counters.
func NewMockDeviceHooks() *MockDeviceHooks {
	return &MockDeviceHooks{
		nextHandle: 1,
		registered: make(map[uintptr]registeredRegion),
	}
}

// OpenDevice implements globalctx.OpenDeviceHook.
func (h *MockDeviceHooks) OpenDevice() (uintptr, uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openCalls++
	return 0xdead, 0xbeef, nil
}

// CloseDevice implements globalctx.CloseDeviceHook.
func (h *MockDeviceHooks) CloseDevice(device, pd uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	return nil
}

// InstallFlowSteering implements globalctx.InstallFlowSteeringHook.
func (h *MockDeviceHooks) InstallFlowSteering(device uintptr, rxqs []uintptr) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installFlowCalls++
	return 0xf100, nil
}

// TeardownFlowSteering implements globalctx.TeardownFlowSteeringHook.
func (h *MockDeviceHooks) TeardownFlowSteering(table uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownFlowCalls++
	return nil
}

// Register implements interfaces.RegisterHook.
func (h *MockDeviceHooks) Register(addr unsafe.Pointer, length int) (int32, uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registerCalls++
	h.nextLkey++
	handle := h.nextHandle
	h.nextHandle++
	h.registered[handle] = registeredRegion{addr: addr, length: length}
	return h.nextLkey, handle, nil
}

// Deregister implements interfaces.DeregisterHook.
func (h *MockDeviceHooks) Deregister(handle uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregisterCalls++
	delete(h.registered, handle)
	return nil
}

// Doorbell implements interfaces.Doorbell.
func (h *MockDeviceHooks) Doorbell(producerIndex uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doorbellCalls++
	h.lastDoorbellProducer = producerIndex
}

// BlueFlame implements interfaces.BlueFlame.
func (h *MockDeviceHooks) BlueFlame(first64 [64]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blueFlameCalls++
	h.lastBlueFlameFirst64 = first64
}

// CallCounts returns every hook's invocation count, keyed by hook name.
func (h *MockDeviceHooks) CallCounts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int{
		"open_device":            h.openCalls,
		"close_device":           h.closeCalls,
		"install_flow_steering":  h.installFlowCalls,
		"teardown_flow_steering": h.teardownFlowCalls,
		"register":               h.registerCalls,
		"deregister":             h.deregisterCalls,
		"doorbell":               h.doorbellCalls,
		"blue_flame":             h.blueFlameCalls,
	}
}

// RegisteredRegionCount returns the number of regions currently registered
// and not yet deregistered.
func (h *MockDeviceHooks) RegisteredRegionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registered)
}

var (
	_ interfaces.RegisterHook   = (*MockDeviceHooks)(nil).Register
	_ interfaces.DeregisterHook = (*MockDeviceHooks)(nil).Deregister
	_ interfaces.Doorbell       = (*MockDeviceHooks)(nil).Doorbell
	_ interfaces.BlueFlame      = (*MockDeviceHooks)(nil).BlueFlame
)
