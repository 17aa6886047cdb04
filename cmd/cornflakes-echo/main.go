// Command cornflakes-echo drives a Connection against a mock device double
// (no loopback: nothing transmitted is received back): it registers a memory
// pool, transmits one scatter-gather list per
// tick, pops whatever the datapath hands back, and serves the resulting
// counters over /metrics. It exists to exercise the facade end to end
// without a real mlx5 NIC attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cornflakes "github.com/vishwanath1306/cornflakes"
	"github.com/vishwanath1306/cornflakes/internal/ctrl"
	"github.com/vishwanath1306/cornflakes/internal/logging"
)

func main() {
	var (
		verbose    = flag.Bool("v", false, "verbose logging")
		metricAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
		interval   = flag.Duration("interval", 100*time.Millisecond, "echo tick interval")
	)
	flag.Parse()

	logger := logging.NewLogger(&logging.Config{Development: *verbose})
	logging.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := cornflakes.NewMetrics(registry)

	hooks := cornflakes.NewMockDeviceHooks()
	params := cornflakes.DefaultConnectionParams()
	params.OpenDevice = hooks.OpenDevice
	params.CloseDevice = hooks.CloseDevice
	params.InstallFlowSteering = hooks.InstallFlowSteering
	params.TeardownFlowSteering = hooks.TeardownFlowSteering
	params.RegisterHook = hooks.Register
	params.DeregisterHook = hooks.Deregister
	params.Doorbell = hooks.Doorbell
	params.BlueFlame = hooks.BlueFlame
	params.Logger = logger
	params.Metrics = metrics

	conn, err := cornflakes.NewConnection(params)
	if err != nil {
		logger.Error("failed to open connection", "error", err)
		os.Exit(1)
	}

	controller := ctrl.NewController()
	controller.SetLogger(logger)
	id := controller.AddConnection(conn)
	if err := controller.StartConnection(id); err != nil {
		logger.Error("failed to start connection", "error", err)
		os.Exit(1)
	}

	poolID, err := conn.AddMemoryPool(0, 2048, 64)
	if err != nil {
		logger.Error("failed to add memory pool", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *metricAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("echoing", "metrics_addr", *metricAddr, "interval", interval.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			shutdown(ctx, controller, id, server, logger)
			return
		case <-ticker.C:
			if err := tick(conn, poolID, &seq); err != nil {
				logger.Warn("tick failed", "error", err)
			}
		}
	}
}

func tick(conn *cornflakes.Connection, poolID int, seq *uint32) error {
	m, err := conn.AllocMbuf(0, poolID)
	if err != nil {
		return err
	}
	payload := fmt.Sprintf("echo-%d", *seq)
	*seq++
	buf := unsafe.Slice((*byte)(m.DataPtr()), m.DataBufLen)
	n := copy(buf, payload)
	m.DataLen = n

	if _, err := conn.PushOrderedSgas(0, []cornflakes.OrderedSga{
		{Segments: []cornflakes.SgaSegment{{Mbuf: m, Off: 0, Len: m.DataLen}}},
	}); err != nil {
		return err
	}

	pkts, err := conn.Pop(0, 32)
	if err != nil {
		return err
	}
	for i := range pkts {
		pkts[i].Release()
	}
	return nil
}

func shutdown(ctx context.Context, controller *ctrl.Controller, id uint64, server *http.Server, logger *logging.Logger) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if err := controller.StopConnection(id); err != nil {
		logger.Error("error stopping connection", "error", err)
	}
	if err := controller.DeleteConnection(id); err != nil {
		logger.Error("error deleting connection", "error", err)
	} else {
		logger.Info("connection closed")
	}
}
