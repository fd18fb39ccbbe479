// xconn core server
//
// Standalone process hosting the transport-neutral messaging core: it
// binds the built-in transports, loads a device configuration, runs the
// background progress loop, and exposes the gRPC management surface.
//
// Usage:
//
//	go run ./cmd/xconnctl                        # Default :50051, one fabric device
//	go run ./cmd/xconnctl -addr :8080            # Custom port
//	go run ./cmd/xconnctl -config devices.conf   # Directive-file device list
//	go build -o xconnctl ./cmd/xconnctl && ./xconnctl
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	xconn "github.com/xconn-project/xconn-core"
	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/config"
	"github.com/xconn-project/xconn-core/coreengine/control"
	"github.com/xconn-project/xconn-core/coreengine/ether"
	"github.com/xconn-project/xconn-core/coreengine/fabric"
	"github.com/xconn-project/xconn-core/coreengine/observability"
	"github.com/xconn-project/xconn-core/coreengine/plugin"
	"github.com/xconn-project/xconn-core/coreengine/shm"
)

// stdLogger implements the Logger seams using standard library log.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	// Parse command-line flags
	addr := flag.String("addr", ":50051", "gRPC management address")
	configPath := flag.String("config", "", "device directive file (optional)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics address (optional)")
	otlpEndpoint := flag.String("otlp", "", "OTLP trace collector endpoint (optional)")
	smDir := flag.String("sm-dir", filepath.Join(os.TempDir(), "xconn-sm"), "same-host transport socket directory")
	flag.Parse()

	logger := &stdLogger{}
	logger.Info("xconn_core_starting", "version", "1.0.0", "address", *addr)

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracer("xconn-core", *otlpEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Lifecycle bus, with Prometheus bound to it
	bus := commbus.NewInMemoryCommBusWithLogger(30*time.Second, logger)
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, time.Minute, nil))
	defer observability.BindBus(bus)()

	lib := xconn.Init(xconn.Options{Logger: logger, Bus: bus})

	if err := registerTransports(lib, *smDir); err != nil {
		log.Fatalf("Failed to register transports: %v", err)
	}
	logger.Info("transports_registered", "tags", lib.Plugins().Tags())

	// Devices from configuration, or one default fabric device
	if *configPath != "" {
		devices, err := loadDevices(lib, *configPath)
		if err != nil {
			log.Fatalf("Failed to load device config: %v", err)
		}
		logger.Info("devices_bound", "count", len(devices))
	} else {
		lib.BindDevices([]config.DeviceSpec{{Name: "fabric0", Transport: "fabric", MSS: 4096, Default: true}})
		logger.Info("devices_bound", "count", 1, "source", "builtin-default")
	}

	// Management surface
	server := control.NewControlServer(logger)
	server.SetFramework(lib.Framework())
	if err := server.SetBus(bus); err != nil {
		log.Fatalf("Failed to attach bus: %v", err)
	}

	grpcServer, err := control.StartBackground(*addr, server)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics_listening", "address", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics_server_error", "error", err.Error())
			}
		}()
	}

	lib.StartProgress()
	logger.Info("xconn_core_ready", "address", *addr)
	fmt.Printf("\nxconn core running on %s\n", *addr)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	// Graceful shutdown
	grpcServer.GracefulStop()
	lib.Shutdown()
	logger.Info("xconn_core_stopped")
}

// registerTransports binds the three built-in transports.
func registerTransports(lib *xconn.Library, smDir string) error {
	if err := lib.RegisterTransport(plugin.Descriptor{
		Tag:      "fabric",
		Priority: 10,
		New: func() (xconn.Transport, error) {
			return fabric.New(lib.Framework()), nil
		},
	}); err != nil {
		return err
	}

	if err := lib.RegisterTransport(plugin.Descriptor{
		Tag:      "sm",
		Priority: 5,
		New: func() (xconn.Transport, error) {
			return shm.New(lib.Framework(), smDir)
		},
	}); err != nil {
		return err
	}

	cs := ether.NewControlSurface()
	cs.RegisterInterface(ether.InterfaceInfo{
		HWAddr:       "00:00:00:00:00:00",
		MaxSendSize:  1500,
		LinkRateMbps: 10000,
	})
	return lib.RegisterTransport(plugin.Descriptor{
		Tag:      "ether",
		Priority: 1,
		New: func() (xconn.Transport, error) {
			return ether.New(lib.Framework(), cs), nil
		},
	})
}

// loadDevices picks the loader by file extension.
func loadDevices(lib *xconn.Library, path string) ([]*xconn.Device, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		return lib.LoadDevicesYAML(path)
	}
	return lib.LoadDevices(path)
}
