// Package metrics defines the Prometheus metrics of the sieve daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compilation and execution
var (
	SieveCompilations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_compilations_total",
			Help: "Total number of script compilations",
		},
		[]string{"result"}, // success, invalid, error
	)

	SieveCompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_compile_duration_seconds",
			Help:    "Time spent parsing, validating and generating programs",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_executions_total",
			Help: "Total number of program executions by final disposition",
		},
		[]string{"disposition"}, // implicit-keep, keep, discard, actions, error
	)

	SieveExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_execution_duration_seconds",
			Help:    "Time spent executing programs",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	SieveActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_actions_total",
			Help: "Actions produced by executed programs",
		},
		[]string{"action"},
	)
)

// Program cache tiers
var (
	ProgramCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_program_cache_total",
			Help: "Program cache lookups",
		},
		[]string{"tier", "result"}, // tier: memory, disk, s3; result: hit, miss, error
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_disk_cache_objects",
			Help: "Compiled programs in the disk cache",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_disk_cache_size_bytes",
			Help: "Bytes used by the disk cache",
		},
	)
)

// Delivery
var (
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_relay_total",
			Help: "Messages handed to the outbound relay",
		},
		[]string{"type", "result"}, // type: redirect, vacation; result: success, temporary, permanent, not_configured
	)

	RelayCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_relay_circuit_state",
			Help: "State of the relay circuit breaker (0 closed, 1 half-open, 2 open)",
		},
	)

	VacationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_vacation_decisions_total",
			Help: "Vacation responses allowed or suppressed",
		},
		[]string{"result"}, // sent, suppressed, error
	)
)

// Storage backends
var (
	S3Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_s3_operations_total",
			Help: "S3 operations on compiled programs",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)
)

// HTTP API
var (
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sieve_component_healthy",
			Help: "Whether the last health check of a dependency succeeded (1) or failed (0)",
		},
		[]string{"component"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)
)
