package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/daemon"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging/pipeline"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging/registry"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/metrics"
)

const agentLogger = "agent"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	config, err := getConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(ctx, config); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func run(ctx context.Context, config AppConfig) error {
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metricsRegistry)

	p, err := pipeline.New(ctx, config.Pipeline, pipeline.WithMetrics(m), pipeline.WithRegisterer(metricsRegistry))
	if err != nil {
		return err
	}
	if p.State() != pipeline.Active {
		log.Printf("Log shipping disabled: %v", p.Err())
	} else {
		log.Printf("Shipping logs to index %q", config.Pipeline.Index)
	}

	reg := registry.New()
	detach := reg.Attach(agentLogger, p.Handler())
	defer detach()

	server := startMetricsServer(config.MetricsAddr, metricsRegistry, p)

	service := daemon.NewService(ctx, config.Daemon, reg.Logger(agentLogger), metrics.NewAgent(metricsRegistry))
	service.Start()

	<-ctx.Done()
	log.Println("Received shutdown signal")

	service.Stop()
	if err := p.Close(); err != nil {
		log.Printf("Failed to close pipeline: %v", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown metrics server: %v", err)
		}
	}

	log.Println("Shutting down...")
	return nil
}

func startMetricsServer(addr string, gatherer prometheus.Gatherer, p *pipeline.Pipeline) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(p.State().String()))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Metrics server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	return server
}

// ------------------------------------  code for reading config -----------------------------------------------------

type AppConfig struct {
	Pipeline    logging.Config
	Daemon      daemon.Config
	MetricsAddr string
}

func getConfig() (AppConfig, error) {
	overflow, err := logging.ParseOverflowPolicy(getEnv("QUEUE_OVERFLOW", string(logging.OverflowDrop)))
	if err != nil {
		return AppConfig{}, err
	}

	config := AppConfig{
		Pipeline: logging.Config{
			Destination:    getEnv("ES_URL", ""),
			Index:          getEnv("ES_INDEX", "k8s-logs"),
			FlushPeriod:    getEnvAsDuration("FLUSH_PERIOD", logging.DefaultFlushPeriod),
			BatchSize:      getEnvAsInt("BATCH_SIZE", logging.DefaultBatchSize),
			Timezone:       getEnv("TIMEZONE", ""),
			QueueSize:      getEnvAsInt("QUEUE_SIZE", logging.DefaultQueueSize),
			Overflow:       overflow,
			ProbeTimeout:   getEnvAsDuration("PROBE_TIMEOUT", logging.DefaultProbeTimeout),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", logging.DefaultRequestTimeout),
			Compress:       getEnvAsBool("ES_COMPRESS", false),
			APIKey:         getEnv("ES_API_KEY", ""),
		},
		Daemon: daemon.Config{
			LogRootPath:        getEnv("LOG_PATH", "/var/log/pods"),
			ScanInterval:       getEnvAsDuration("SCAN_INTERVAL", daemon.DefaultScanInterval),
			MinWorkers:         getEnvAsInt("MIN_WORKERS", daemon.DefaultMinWorkers),
			MaxWorkers:         getEnvAsInt("MAX_WORKERS", daemon.DefaultMaxWorkers),
			FileQueueSize:      getEnvAsInt("FILE_QUEUE_SIZE", daemon.DefaultFileQueueSize),
			NodeName:           getEnv("NODE_NAME", "unknown"),
			ScaleUpThreshold:   getEnvAsFloat("SCALE_UP_THRESHOLD", daemon.DefaultScaleUpThreshold),
			ScaleDownThreshold: getEnvAsFloat("SCALE_DOWN_THRESHOLD", daemon.DefaultScaleDownThreshold),
			ScaleCheckInterval: getEnvAsDuration("SCALE_CHECK_INTERVAL", daemon.DefaultScaleCheckInterval),
			FileIdleTimeout:    getEnvAsDuration("FILE_IDLE_TIMEOUT", 5*time.Minute),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ":9102"),
	}

	if err := config.Pipeline.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("pipeline: %w", err)
	}
	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts a Go duration ("250ms", "1m") or a bare number
// of seconds ("2", "0.5").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(seconds * float64(time.Second))
		}
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
