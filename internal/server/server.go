/*
Package server runs the netcertd HTTPS listener.

Every TLS handshake is answered by the certificate manager's SNI callback,
so the listener never loads a static key pair. The HTTP side serves the
management endpoints under the configured path prefix.
*/
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CertificateSource picks a certificate per handshake.
type CertificateSource interface {
	TLSConfig() *tls.Config
}

// Config holds server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8443").
	ListenAddr string
	// Certificates answers every handshake. Required.
	Certificates CertificateSource
	// Handler serves decrypted requests. Nil responds 404 to everything.
	Handler http.Handler
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// ReadHeaderTimeout is the timeout for reading request headers. Zero uses the default (10s).
	ReadHeaderTimeout time.Duration
}

// Server is the TLS front end.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	startTime  time.Time

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	shutdownOnce sync.Once
}

// New creates a server. Nothing listens until ListenAndServe or Serve.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	handler := cfg.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	// HTTP/1.1 only: the log stream upgrades to a websocket, which needs a
	// hijackable connection.
	tlsConfig := cfg.Certificates.TLSConfig()
	tlsConfig.NextProtos = []string{"http/1.1"}

	s := &Server{
		logger:    logger,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		ConnState:         s.trackConn,
	}
	return s
}

// ListenAndServe listens on the configured address and serves TLS until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, wrapping each in TLS.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", "addr", ln.Addr().String())
	// Empty paths: every certificate comes from GetCertificate.
	err := s.httpServer.ServeTLS(ln, "", "")
	if errors.Is(err, http.ErrServerClosed) {
		return http.ErrServerClosed
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("server shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// ConnectionsTotal returns the number of connections accepted.
func (s *Server) ConnectionsTotal() int64 { return s.connectionsTotal.Load() }

// ConnectionsActive returns the number of open connections.
func (s *Server) ConnectionsActive() int64 { return s.connectionsActive.Load() }

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.connectionsTotal.Add(1)
		s.connectionsActive.Add(1)
	case http.StateHijacked, http.StateClosed:
		s.connectionsActive.Add(-1)
	}
}
