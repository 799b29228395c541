/*
Package api implements the netcertd management endpoints.

Unauthenticated:

	GET  {prefix}/heartbeat   liveness, version and certificate counters
	GET  {prefix}/ca.pem      the CA certificate clients should trust

Bearer-token authenticated, under {prefix}/api:

	GET    /networks
	POST   /networks                   {"ip": "..."}
	GET    /networks/{id}
	POST   /networks/{id}/regenerate   re-issue and hot-reload
	POST   /networks/{id}/reload
	PUT    /networks/{id}/label        {"label": "..."}
	DELETE /networks/{id}
	GET    /events?network=&limit=
	GET    /stats
	GET    /logs?level=&network=&limit=
	GET    /logs/stream                websocket, same parameters

The authenticated routes are not mounted when no token is configured.
*/
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/instance"
	"github.com/ushineko/netcert/internal/logbuf"
	"github.com/ushineko/netcert/internal/pki"
	"github.com/ushineko/netcert/internal/stats"
)

// Manager is the subset of the certificate manager the API drives.
type Manager interface {
	ListNetworks() []*certstore.Metadata
	Network(id string) (*certstore.Metadata, error)
	EnsureNetworkCert(ctx context.Context, ip string) (string, error)
	RegenerateNetwork(ctx context.Context, id string) error
	ReloadCertificate(id string) error
	RevokeNetwork(id string) error
	UpdateLabel(id, label string) error
	MaxNetworks() int
	CA() *pki.CA
}

// Stats is the read side of the statistics database.
type Stats interface {
	HandshakesByNetwork() []stats.NetworkCount
	RecentEvents(networkID string, n int) []stats.Event
}

// API holds the dependencies needed by the handlers.
type API struct {
	mgr      Manager
	stats    Stats
	logs     *logbuf.Buffer
	conns    ConnCounter
	token    string
	identity instance.Identity
	logger   *slog.Logger
	started  time.Time
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithStats enables the /stats and /events endpoints.
func WithStats(s Stats) Option {
	return func(a *API) { a.stats = s }
}

// WithLogs enables the /logs endpoints, served from buf.
func WithLogs(buf *logbuf.Buffer) Option {
	return func(a *API) { a.logs = buf }
}

// WithToken sets the bearer token required by the /api routes.
func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

// WithInstance sets the instance reported by the heartbeat.
func WithInstance(id instance.Identity) Option {
	return func(a *API) { a.identity = id }
}

// New creates a new API instance.
func New(mgr Manager, opts ...Option) *API {
	a := &API{
		mgr:     mgr,
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all routes, relative to the path prefix.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/heartbeat", a.Heartbeat)
	r.Get("/ca.pem", a.CACertificate)

	if a.token == "" {
		a.logger.Info("management API disabled: no token configured")
		return r
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(a.requireToken)
		r.Get("/networks", a.ListNetworks)
		r.Post("/networks", a.EnsureNetwork)
		r.Route("/networks/{networkID}", func(r chi.Router) {
			r.Get("/", a.GetNetwork)
			r.Delete("/", a.RevokeNetwork)
			r.Post("/regenerate", a.RegenerateNetwork)
			r.Post("/reload", a.ReloadNetwork)
			r.Put("/label", a.UpdateLabel)
		})
		r.Get("/events", a.ListEvents)
		r.Get("/stats", a.Stats)
		if a.logs != nil {
			r.Get("/logs", a.ListLogs)
			r.Get("/logs/stream", a.StreamLogs)
		}
	})
	return r
}

// Mount returns a handler serving the router under prefix.
func (a *API) Mount(prefix string) http.Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return a.Router()
	}
	root := chi.NewRouter()
	root.Mount(prefix, a.Router())
	return root
}

// requireToken rejects requests without the configured bearer token.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="netcertd"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("management request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
