// beamlined is the event capture pipeline daemon.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beamline/beamline/internal/logging"
	"github.com/beamline/beamline/internal/telemetry"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/ingest"
	"github.com/beamline/beamline/internal/telemetry/types"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	metricsListen := flag.String("metrics-listen", "", "address for the Prometheus /metrics endpoint")
	synthetic := flag.Int("synthetic", 0, "generate load from N synthetic producers")
	statsEvery := flag.Duration("stats-interval", 30*time.Second, "interval between stats log lines")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	log := logging.Component("main")
	log.Info("beamlined starting", "version", Version)

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	svc, err := telemetry.New(cfg)
	if err != nil {
		log.Error("create pipeline", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		log.Error("start pipeline", "error", err)
		os.Exit(1)
	}

	// =========================================================================
	// Metrics Endpoint
	// =========================================================================

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics endpoint listening", "addr", *metricsListen)
			if err := http.ListenAndServe(*metricsListen, mux); err != nil {
				log.Error("metrics endpoint", "error", err)
			}
		}()
	}

	// =========================================================================
	// Synthetic Load
	// =========================================================================

	stopLoad := make(chan struct{})
	if *synthetic > 0 {
		log.Info("generating synthetic load", "producers", *synthetic)
		for p := 1; p <= *synthetic; p++ {
			go generateLoad(svc, types.ProducerID(p), stopLoad)
		}
	}

	// =========================================================================
	// Periodic Stats
	// =========================================================================

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stopStats:
				return
			case <-ticker.C:
				st := svc.Statistics()
				log.Info("pipeline stats",
					"total", st.TotalEvents,
					"dropped", st.DroppedEvents,
					"stored", st.StoredEvents,
					"pruned", st.PrunedEvents,
					"utilization", fmt.Sprintf("%.2f", st.BufferUtilization),
					"accuracy", fmt.Sprintf("%.3f", st.CorrelationAccuracy),
					"p99_ms", fmt.Sprintf("%.2f", st.BatchLatencyP99*1000),
					"restarts", st.WorkerRestarts)
			}
		}
	}()

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	close(stopLoad)
	close(stopStats)

	if err := svc.Stop(); err != nil {
		log.Error("stop pipeline", "error", err)
		os.Exit(1)
	}

	st := svc.Statistics()
	log.Info("final stats", "total", st.TotalEvents, "stored", st.StoredEvents, "dropped", st.DroppedEvents)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// generateLoad emits balanced call pairs with occasional messages from
// one synthetic producer until stop closes.
func generateLoad(svc *telemetry.Service, producer types.ProducerID, stop chan struct{}) {
	rng := rand.New(rand.NewSource(int64(producer)))
	depth := 0

	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		default:
		}

		var raw ingest.RawEvent
		switch {
		case depth > 0 && rng.Intn(10) == 0:
			raw = ingest.RawEvent{
				Type:       types.EventMessageSend,
				Producer:   producer,
				Peer:       producer + 1,
				MessageTag: "synthetic",
				Message:    "ping",
			}
		case depth == 0 || (rng.Intn(2) == 0 && depth < 8):
			raw = ingest.RawEvent{
				Type:     types.EventFunctionEntry,
				Producer: producer,
				Module:   "synthetic",
				Function: fmt.Sprintf("call_%d", rng.Intn(16)),
				Arity:    rng.Intn(4),
				Args:     "[]",
			}
			depth++
		default:
			raw = ingest.RawEvent{Type: types.EventFunctionExit, Producer: producer}
			depth--
		}

		_ = svc.Ingest(raw)
		if i%1000 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
