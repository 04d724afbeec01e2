package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allgood/pigeonhole/db"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/health"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/server/delivery"
	"github.com/allgood/pigeonhole/server/sieveengine"
)

// ScriptStore keeps the per-account scripts. *db.Database implements it.
type ScriptStore interface {
	GetActiveScript(ctx context.Context, accountID int64) (*db.SieveScript, error)
	PutScript(ctx context.Context, accountID int64, name, script string, activate bool) (*db.SieveScript, error)
}

// HealthCheck probes one dependency.
type HealthCheck = health.Check

// healthInterval is how often dependencies are probed in the background to
// keep the health gauges current.
const healthInterval = 30 * time.Second

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	maxBodySize  int64
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	engine   *sieveengine.Engine
	scripts  ScriptStore
	oracle   sieveengine.VacationOracle
	delivery *delivery.ActionExecutor
	health   *health.Monitor

	server *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	MaxBodySize  int64
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	Engine *sieveengine.Engine
	// Scripts may be nil, which disables the account routes.
	Scripts ScriptStore
	// Oracle tracks vacation responses for deliveries. Nil uses the engine
	// default.
	Oracle       sieveengine.VacationOracle
	Delivery     *delivery.ActionExecutor
	HealthChecks map[string]HealthCheck
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Engine == nil {
		return nil, fmt.Errorf("sieve engine is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = 25 << 20
	}
	if options.Delivery == nil {
		options.Delivery = delivery.NewActionExecutor(nil, "")
	}

	monitor := health.NewMonitor(5 * time.Second)
	for name, check := range options.HealthChecks {
		monitor.Register(name, check)
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		maxBodySize:  options.MaxBodySize,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		engine:       options.Engine,
		scripts:      options.Scripts,
		oracle:       options.Oracle,
		delivery:     options.Delivery,
		health:       monitor,
	}, nil
}

// Start runs the server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting", "protocol", protocol, "addr", options.Addr, "health_checks", server.health.Names())
	go server.health.Run(ctx, healthInterval)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: shutdown failed", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/scripts/check", s.handleCheck).Methods("POST")
	v1.HandleFunc("/scripts/compile", s.handleCompile).Methods("POST")
	v1.HandleFunc("/evaluate", s.handleEvaluate).Methods("POST")
	v1.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/script", s.handlePutScript).Methods("PUT")
	v1.HandleFunc("/accounts/{id:[0-9]+}/script", s.handleGetScript).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/deliver", s.handleDeliver).Methods("POST")

	return router
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the response code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.DebugContext(r.Context(), "HTTP API: request",
			"request_id", RequestID(r.Context()), "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 || hostAllowed(s.allowedHosts, getClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, h := range allowed {
		if h == clientIP {
			return true
		}
		if strings.Contains(h, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(h); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body bounded by the configured size limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		} else {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		}
		return false
	}
	return true
}

func accountID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckAll(r.Context())
	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":     report.Status,
		"components": report.Components,
		"programs":   s.engine.Programs().Size(),
	})
}
