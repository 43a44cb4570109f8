// Command chardevd hosts a shared character-device style buffer: it
// validates the startup parameters, constructs the device, registers it,
// exposes a filesystem-visible device node, and serves the status,
// metrics and health endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/chardev/internal/devfs"
	"github.com/srediag/chardev/internal/journal"
	"github.com/srediag/chardev/internal/logging"
	"github.com/srediag/chardev/pkg/chardev"
	"github.com/srediag/chardev/pkg/metrics"
	"github.com/srediag/chardev/pkg/registry"
	"github.com/srediag/chardev/pkg/status"
)

var log = logging.New("chardevd", nil)

const journalCap = 256

func main() {
	var (
		bufferSize = flag.Int("buffer-size", chardev.DefaultBufferCap,
			"size of the internal buffer in bytes (max 4096)")
		debugLevel = flag.Int("debug-level", chardev.DefaultDebugLevel,
			"debug verbosity level (0-3)")
		deviceName = flag.String("device-name", chardev.DefaultName,
			"device name")
		devDir = flag.String("dev-dir", "/tmp/chardev",
			"directory for device socket nodes")
		httpAddr = flag.String("http-addr", ":8086",
			"address for status, metrics and health endpoints")
		poolSize = flag.Int("pool-size", 128,
			"connection handler pool size")
	)
	flag.Parse()

	if err := run(*bufferSize, *debugLevel, *deviceName, *devDir, *httpAddr, *poolSize); err != nil {
		log.Errorf("startup failed: %v", err)
		os.Exit(1)
	}
}

func run(bufferSize, debugLevel int, deviceName, devDir, httpAddr string, poolSize int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &chardev.Config{
		Name:       deviceName,
		BufferCap:  bufferSize,
		DebugLevel: debugLevel,
	}
	dev, err := chardev.New(cfg)
	if err != nil {
		return err
	}
	logging.SetDebugLevel(cfg.DebugLevel)

	diag := journal.New(journalCap)
	defer diag.Dispose()

	reg := registry.New(diag)
	major, err := reg.Add(dev)
	if err != nil {
		return err
	}

	srv, err := devfs.NewServer(ctx, reg, devDir, poolSize)
	if err != nil {
		_ = reg.Remove(dev.Name())
		return err
	}
	if err := srv.Expose(dev.Name()); err != nil {
		_ = srv.Close()
		_ = reg.Remove(dev.Name())
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewDeviceCollector(dev),
	)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	nodePath := srv.NodePath(dev.Name())
	health.AddReadinessCheck("device-node", func() error {
		_, err := os.Stat(nodePath)
		return err
	})

	mux := http.NewServeMux()
	mux.Handle("/status", status.NewReporter(dev, major, diag))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	httpSrv := &http.Server{Addr: httpAddr, Handler: mux}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	log.Infof("chardevd loaded: device %s, major %d, node %s, http %s",
		dev.Name(), major, nodePath, httpAddr)

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received")
	case err := <-httpErr:
		log.Errorf("http server: %v", err)
	}

	// Teardown in reverse of init order.
	if err := srv.Close(); err != nil {
		log.Warnf("devfs close: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if err := reg.Remove(dev.Name()); err != nil {
		log.Warnf("unregister: %v", err)
	}
	log.Infof("chardevd unloaded")
	return nil
}
