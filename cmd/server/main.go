// Package main provides the entry point for the IAMSentry server.
// This is an event-driven remediation pipeline for identity/access findings
// with a scheduled credential hygiene scan.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/iamsentry/internal/api/gateway"
	"github.com/lvonguyen/iamsentry/internal/audit"
	"github.com/lvonguyen/iamsentry/internal/classify"
	"github.com/lvonguyen/iamsentry/internal/config"
	"github.com/lvonguyen/iamsentry/internal/finding"
	"github.com/lvonguyen/iamsentry/internal/hygiene"
	"github.com/lvonguyen/iamsentry/internal/observability"
	"github.com/lvonguyen/iamsentry/internal/remediate"
	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// maxEventSize bounds one inbound finding event payload.
const maxEventSize = 1024 * 1024

// Pipeline components, wired once at startup.
var (
	logger   *zap.Logger
	metrics  *observability.Metrics
	resolver *resolve.Resolver
	executor *remediate.Executor
	scanner  *hygiene.Scanner
	sink     audit.Sink
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("IAMSentry %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// Load configuration, falling back to defaults when no file is present
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Warning: could not load config %s (%v), using defaults", *configPath, err)
		cfg = config.DefaultConfig()
	}
	cfg.Telemetry.ServiceVersion = Version

	// Initialize logger
	logger, err = observability.NewLogger(cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting IAMSentry",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	metrics = observability.NewMetrics(prometheus.DefaultRegisterer)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs both the audit stream sink and the ingest rate limiter
	var redisClient *redis.Client
	if cfg.Audit.Redis.Enabled || cfg.Server.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Audit.Redis.Addr,
			Password: os.Getenv(cfg.Audit.Redis.PasswordEnv),
			DB:       cfg.Audit.Redis.DB,
		})
	}

	// Outcome sinks: structured log always, Redis stream when configured
	sinks := audit.MultiSink{audit.NewLogSink(logger.Named("audit"))}
	if cfg.Audit.Redis.Enabled {
		sinks = append(sinks, audit.NewStreamSink(redisClient, cfg.Audit.Redis.Stream))
		logger.Info("Redis audit stream enabled", zap.String("stream", cfg.Audit.Redis.Stream))
	}
	sink = sinks

	// Remediation action table
	resolver = resolve.NewResolver(logger.Named("resolve"))
	if data, err := os.ReadFile(cfg.Rules.Path); err == nil {
		if err := resolver.LoadRules(data); err != nil {
			logger.Fatal("Invalid remediation rule set", zap.String("path", cfg.Rules.Path), zap.Error(err))
		}
		logger.Info("Loaded remediation rules", zap.String("path", cfg.Rules.Path))
	} else {
		logger.Info("Using built-in remediation rules")
	}
	if err := resolver.Validate(); err != nil {
		// A gap here is a configuration defect; refuse to start with a
		// partial action table.
		logger.Fatal("Remediation action table incomplete", zap.Error(err))
	}

	// Remediation target and credential directory
	target, err := remediate.NewAWSTarget(ctx, cfg.AWS.Region)
	if err != nil {
		logger.Fatal("Failed to initialize remediation target", zap.Error(err))
	}
	executor = remediate.NewExecutor(target, sinks, cfg.Remediation, logger.Named("remediate"))

	directory, err := hygiene.NewIAMDirectory(ctx, cfg.AWS.Region)
	if err != nil {
		logger.Fatal("Failed to initialize credential directory", zap.Error(err))
	}
	scanner = hygiene.NewScanner(directory, sinks, cfg.Hygiene.Config, logger.Named("hygiene"))

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// Health endpoints
	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady)

	if cfg.Telemetry.MetricsEnabled {
		r.Handle("/metrics", observability.Handler())
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.RateLimit.Enabled {
			limiter := gateway.NewRateLimiter(redisClient, cfg.Server.RateLimit, logger.Named("gateway"))
			r.Use(limiter.Middleware("/api/v1/findings/batch"))
		}

		// Finding event delivery (event-bus webhook)
		r.Post("/findings", handleFinding)
		r.Post("/findings/batch", handleFindingBatch)

		// Hygiene scan trigger (schedule timer)
		r.Post("/hygiene/run", handleHygieneRun)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Internal hygiene ticker, mirroring the external schedule trigger
	if cfg.Hygiene.Interval > 0 {
		go runHygieneTicker(ctx, cfg.Hygiene.Interval)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// runHygieneTicker triggers a scan every interval until ctx is done.
func runHygieneTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			report, err := scanner.Run(ctx)
			if err != nil {
				logger.Error("Scheduled hygiene scan failed", zap.Error(err))
				continue
			}
			metrics.HygieneScanTime.Observe(time.Since(start).Seconds())
			metrics.HygieneDeactivated.Add(float64(report.Deactivated))
		}
	}
}

// Health and readiness handlers

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","version":"` + Version + `"}`))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Finding handlers

// FindingResponse reports what the pipeline did with one event.
type FindingResponse struct {
	FindingID string        `json:"finding_id,omitempty"`
	Severity  string        `json:"severity,omitempty"`
	Action    string        `json:"action,omitempty"`
	Outcome   audit.Outcome `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

func handleFinding(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, status := processEvent(r.Context(), payload)
	writeJSON(w, status, resp)
}

func handleFindingBatch(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var events []json.RawMessage
	if err := json.Unmarshal(payload, &events); err != nil {
		writeError(w, http.StatusBadRequest, "batch body must be a JSON array of events")
		return
	}

	// Per-event isolation: one malformed or failed event never blocks the
	// rest of the batch. Only audit-sink unavailability aborts.
	responses := make([]FindingResponse, 0, len(events))
	for _, event := range events {
		resp, status := processEvent(r.Context(), event)
		if status == http.StatusInternalServerError {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":     "audit sink unavailable",
				"processed": responses,
			})
			return
		}
		responses = append(responses, resp)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"count":    len(responses),
		"outcomes": responses,
	})
}

// processEvent runs one event through normalize -> classify -> resolve ->
// execute and returns the response plus HTTP status.
func processEvent(ctx context.Context, payload []byte) (FindingResponse, int) {
	f, err := finding.Normalize(payload)
	if err != nil {
		metrics.FindingsReceived.WithLabelValues("malformed").Inc()
		// Malformed events are rejected and recorded, never retried here;
		// the delivery platform's DLQ governs redelivery.
		outcome := audit.NewOutcome("unknown", "reject-malformed-event", "",
			audit.ResultFailed, err.Error())
		if sinkErr := recordRejection(ctx, outcome); sinkErr != nil {
			return FindingResponse{Error: sinkErr.Error()}, http.StatusInternalServerError
		}
		return FindingResponse{Outcome: outcome, Error: err.Error()}, http.StatusBadRequest
	}
	metrics.FindingsReceived.WithLabelValues("accepted").Inc()

	class := classify.Classify(f)
	metrics.FindingsProcessed.WithLabelValues(string(f.Type), string(class.Severity)).Inc()

	plan := resolver.Resolve(f, class.Severity)

	start := time.Now()
	outcome, err := executor.Execute(ctx, plan)
	if err != nil {
		// The one hard failure: the outcome could not be recorded.
		return FindingResponse{Error: err.Error()}, http.StatusInternalServerError
	}
	metrics.RemediationTime.Observe(time.Since(start).Seconds())
	metrics.Outcomes.WithLabelValues(string(plan.Action), string(outcome.Result)).Inc()

	return FindingResponse{
		FindingID: f.ID,
		Severity:  string(class.Severity),
		Action:    string(plan.Action),
		Outcome:   outcome,
	}, http.StatusAccepted
}

// recordRejection writes the audit record for a rejected event through the
// same sink chain the executor uses.
func recordRejection(ctx context.Context, outcome audit.Outcome) error {
	return sink.Record(ctx, outcome)
}

// Hygiene handler

func handleHygieneRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := scanner.Run(r.Context())
	if err != nil {
		logger.Error("Hygiene scan failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}

	metrics.HygieneScanTime.Observe(time.Since(start).Seconds())
	metrics.HygieneDeactivated.Add(float64(report.Deactivated))

	writeJSON(w, http.StatusOK, report)
}

// Helpers

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventSize))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
