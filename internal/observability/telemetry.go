// Package observability provides structured logging and Prometheus metrics
// for the remediation pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// NewLogger initializes structured logging.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var config zap.Config

	if cfg.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	return config.Build()
}

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	// Finding pipeline
	FindingsReceived  *prometheus.CounterVec // labels: result
	FindingsProcessed *prometheus.CounterVec // labels: type, severity
	Outcomes          *prometheus.CounterVec // labels: action, result
	RemediationTime   prometheus.Histogram

	// Hygiene scan
	HygieneDeactivated prometheus.Counter
	HygieneScanTime    prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FindingsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iamsentry_findings_received_total",
			Help: "Inbound finding events by normalization result",
		}, []string{"result"}),
		FindingsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iamsentry_findings_processed_total",
			Help: "Findings processed by type and severity",
		}, []string{"type", "severity"}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iamsentry_outcomes_total",
			Help: "Remediation outcomes by action and result",
		}, []string{"action", "result"}),
		RemediationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "iamsentry_remediation_duration_seconds",
			Help:    "End-to-end duration of one finding remediation",
			Buckets: prometheus.DefBuckets,
		}),
		HygieneDeactivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "iamsentry_hygiene_deactivated_total",
			Help: "Credentials deactivated by the hygiene scan",
		}),
		HygieneScanTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "iamsentry_hygiene_scan_duration_seconds",
			Help:    "Duration of one full hygiene scan",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
	}
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
