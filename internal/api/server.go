package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/bridge"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/logging"
)

// HTTP server timeouts.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second

	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	gracefulShutdownTimeout = 10 * time.Second
)

// ErrLoggerRequired is returned by New when Deps.Logger is nil.
var ErrLoggerRequired = errors.New("api: logger is required")

// ErrBridgeRequired is returned by New when Deps.Bridge is nil.
var ErrBridgeRequired = errors.New("api: bridge is required")

// BridgeStatus is the read-only view of the bridge served by the API.
// *bridge.Bridge satisfies it.
type BridgeStatus interface {
	SourceState() bridge.State
	SinkState() bridge.State
	Stats() bridge.Stats
	Subscriptions() []string
}

// HealthChecker is an optional dependency whose health is reported
// alongside the bridge connections.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Bridge    BridgeStatus
	Telemetry HealthChecker // optional
	Version   string
}

// Server is the HTTP status server.
//
// It is created with New, started with Start and stopped with Close.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	bridge    BridgeStatus
	telemetry HealthChecker
	version   string
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, bridge); telemetry is optional
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: ErrLoggerRequired or ErrBridgeRequired
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, ErrLoggerRequired
	}
	if deps.Bridge == nil {
		return nil, ErrBridgeRequired
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		telemetry: deps.Telemetry,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start binds the listener and serves requests in a background goroutine.
//
// The listener is bound before Start returns, so a port that is already in
// use is reported here rather than logged later.
//
// Parameters:
//   - ctx: Context for cancellation of the bind
//
// Returns:
//   - error: If the listener cannot be bound or the server is already started
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.server = srv
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
