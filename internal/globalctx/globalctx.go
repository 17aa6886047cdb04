// Package globalctx implements the global context: the device handle, the
// protection domain, the flow-steering indirection table, and the dense
// per-thread context array, following the create -> init -> install ->
// run / reverse-order teardown lifecycle. Device enumeration, PD
// allocation, and flow-steering installation are out of scope as
// functionality here; they are exposed as injected lifecycle hooks so the
// datapath core never depends on a specific verbs binding.
package globalctx

import (
	"fmt"
	"sync"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
	"github.com/vishwanath1306/cornflakes/internal/threadctx"
)

// OpenDeviceHook opens the NIC device context and allocates its protection
// domain, returning opaque handles to both.
type OpenDeviceHook func() (deviceHandle uintptr, pdHandle uintptr, err error)

// CloseDeviceHook releases a protection domain and device context obtained
// from OpenDeviceHook.
type CloseDeviceHook func(deviceHandle, pdHandle uintptr) error

// InstallFlowSteeringHook installs an RSS indirection table distributing
// received flows across the given per-thread RX queue handles.
type InstallFlowSteeringHook func(deviceHandle uintptr, rxqHandles []uintptr) (tableHandle uintptr, err error)

// TeardownFlowSteeringHook releases a flow-steering table obtained from
// InstallFlowSteeringHook.
type TeardownFlowSteeringHook func(tableHandle uintptr) error

// Params configures global-context creation.
type Params struct {
	OpenDevice           OpenDeviceHook
	CloseDevice          CloseDeviceHook
	InstallFlowSteering  InstallFlowSteeringHook
	TeardownFlowSteering TeardownFlowSteeringHook
	RegisterHook         interfaces.RegisterHook
	DeregisterHook       interfaces.DeregisterHook
	Logger               interfaces.Logger
}

// Context owns the device, its protection domain, the flow-steering table,
// and the dense array of per-thread contexts it distributes flows across.
// Every teardown step checks whether the corresponding construction step
// actually ran, so Teardown is safe to call against a context that failed
// partway through construction, and safe to call more than once.
type Context struct {
	mu sync.Mutex

	deviceHandle uintptr
	pdHandle     uintptr
	deviceOpened bool

	flowTable     uintptr
	flowInstalled bool

	threads []*threadctx.Context

	registerHook   interfaces.RegisterHook
	deregisterHook interfaces.DeregisterHook

	openDevice           OpenDeviceHook
	closeDevice          CloseDeviceHook
	installFlowSteering  InstallFlowSteeringHook
	teardownFlowSteering TeardownFlowSteeringHook

	log interfaces.Logger
}

// Create opens the device and its protection domain. Per-thread contexts
// are added afterward via AddThread, and flow steering is installed last
// via InstallFlowSteering, matching the create -> per-thread -> mempools ->
// rxqs -> txqs -> flow-steering -> run ordering.
func Create(p Params) (*Context, error) {
	if p.OpenDevice == nil || p.CloseDevice == nil {
		return nil, fmt.Errorf("globalctx: open/close device hooks are required")
	}
	log := p.Logger
	if log == nil {
		log = noopLogger{}
	}

	gc := &Context{
		registerHook:         p.RegisterHook,
		deregisterHook:       p.DeregisterHook,
		openDevice:           p.OpenDevice,
		closeDevice:          p.CloseDevice,
		installFlowSteering:  p.InstallFlowSteering,
		teardownFlowSteering: p.TeardownFlowSteering,
		log:                  log,
	}

	handle, pd, err := p.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("globalctx: open device: %w", err)
	}
	gc.deviceHandle = handle
	gc.pdHandle = pd
	gc.deviceOpened = true

	return gc, nil
}

// DeviceHandle returns the opaque device context handle.
func (g *Context) DeviceHandle() uintptr { return g.deviceHandle }

// RegisterHook returns the memory-registration hook every registered pool
// created under this context should use.
func (g *Context) RegisterHook() interfaces.RegisterHook { return g.registerHook }

// DeregisterHook returns the memory-deregistration hook every registered
// pool created under this context should use.
func (g *Context) DeregisterHook() interfaces.DeregisterHook { return g.deregisterHook }

// AddThread appends an already-built per-thread context to the dense
// thread-context array.
func (g *Context) AddThread(t *threadctx.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threads = append(g.threads, t)
}

// Threads returns the dense per-thread context array.
func (g *Context) Threads() []*threadctx.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*threadctx.Context(nil), g.threads...)
}

// InstallFlowSteering installs the RSS indirection table over the given
// per-thread RX queue handles. It must be called after every per-thread
// context has been added.
func (g *Context) InstallFlowSteering(rxqHandles []uintptr) error {
	if g.installFlowSteering == nil {
		return nil
	}
	table, err := g.installFlowSteering(g.deviceHandle, rxqHandles)
	if err != nil {
		return fmt.Errorf("globalctx: install flow steering: %w", err)
	}
	g.flowTable = table
	g.flowInstalled = true
	return nil
}

// Teardown reverses construction order: stop every thread, tear down flow
// steering if it was installed, then close the device if it was opened.
// Each step is gated on whether its construction counterpart actually ran,
// so Teardown is idempotent and safe against partially-constructed state.
func (g *Context) Teardown() error {
	g.mu.Lock()
	threads := append([]*threadctx.Context(nil), g.threads...)
	g.mu.Unlock()

	for _, t := range threads {
		t.Stop()
	}

	var firstErr error

	if g.flowInstalled {
		if g.teardownFlowSteering != nil {
			if err := g.teardownFlowSteering(g.flowTable); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("globalctx: teardown flow steering: %w", err)
			}
		}
		g.flowInstalled = false
	}

	if g.deviceOpened {
		if err := g.closeDevice(g.deviceHandle, g.pdHandle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("globalctx: close device: %w", err)
		}
		g.deviceOpened = false
	}

	return firstErr
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
