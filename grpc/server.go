package grpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const stopGracePeriod = 5 * time.Second

// ServerConfig holds configuration for the coordination server
type ServerConfig struct {
	Address string
	Port    int
	Secret  string
	Hub     HubBackend
	// HTTPHandler serves everything that is not gRPC besides /debug/pprof
	// and /metrics; optional.
	HTTPHandler    http.Handler
	MetricsHandler http.Handler
}

// Server serves the coordination hub over gRPC and the HTTP endpoints on
// the same port
type Server struct {
	config     ServerConfig
	server     *grpc.Server
	httpServer *http.Server
	listener   net.Listener
	mux        cmux.CMux

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a coordination server
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hub == nil {
		return nil, fmt.Errorf("coordination hub is required")
	}

	s := &Server{config: config}
	s.server = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second, // Minimum time between client pings
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(config.Secret)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(config.Secret)),
	)
	RegisterCoordinationServer(s.server, NewHubService(config.Hub))
	reflection.Register(s.server)

	return s, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve multiplexes HTTP and gRPC on listener in the background
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	s.mux = cmux.New(listener)

	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if s.config.MetricsHandler != nil {
		httpMux.Handle("/metrics", s.config.MetricsHandler)
	}
	if s.config.HTTPHandler != nil {
		httpMux.Handle("/", s.config.HTTPHandler)
	}
	s.httpServer = &http.Server{
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("address", listener.Addr().String()).
		Bool("auth", s.config.Secret != "").
		Msg("Starting coordination server")

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("cmux stopped")
		}
	}()
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server. Calls still waiting on the hub are
// cut off after a grace period.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true

	log.Info().Msg("Stopping coordination server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		s.server.Stop()
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
}
