/*
Package certmgr serves a distinct CA-signed certificate per local network.

The Manager maps an incoming connection to a network identity (see package
netid), provisions a certificate for that identity the first time it is
seen, and keeps an in-memory cache of TLS certificates and metadata that is
always rebuilt from the certificate store and never ahead of it.

Lifecycle per identity:

	unprovisioned -> provisioned -> regenerated -> provisioned ...
	                             \-> revoked (a later request re-provisions)

Startup runs the migration pipeline, loads every network into the cache,
then verifies every certificate against the current CA and re-issues those
that no longer chain to it.
*/
package certmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/migrate"
	"github.com/ushineko/netcert/internal/netid"
	"github.com/ushineko/netcert/internal/pki"
	"github.com/ushineko/netcert/internal/publicip"
)

const (
	// DefaultMaxNetworks bounds how many identities can be provisioned.
	DefaultMaxNetworks = 10

	// TouchInterval is the minimum age of lastUsedAt before it is rewritten.
	TouchInterval = time.Hour

	defaultPublicIPTimeout = 3 * time.Second
)

// Lifecycle event kinds passed to Recorder.RecordEvent.
const (
	EventIssued      = "issued"
	EventRegenerated = "regenerated"
	EventRevoked     = "revoked"
	EventRelabeled   = "relabeled"
	EventReloaded    = "reloaded"
	EventRepaired    = "repaired"
)

// Recorder receives handshake counts and lifecycle events. Implementations
// must be safe for concurrent use and must not block.
type Recorder interface {
	RecordHandshake(networkID string)
	RecordEvent(networkID, kind, detail string)
}

type nopRecorder struct{}

func (nopRecorder) RecordHandshake(string)              {}
func (nopRecorder) RecordEvent(string, string, string) {}

// Config holds the dependencies of a Manager.
type Config struct {
	// Store is the on-disk certificate store. Required.
	Store *certstore.Store
	// InstanceName goes into certificate subjects and network labels.
	InstanceName string
	// MaxNetworks caps provisioned identities (default DefaultMaxNetworks).
	MaxNetworks int
	// PublicIP looks up the public address recorded in metadata. Optional.
	PublicIP publicip.Fetcher
	// PublicIPTimeout bounds each public IP lookup.
	PublicIPTimeout time.Duration
	// Recorder receives statistics. Optional.
	Recorder Recorder
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Manager owns the certificate cache and every lifecycle operation.
type Manager struct {
	store           *certstore.Store
	instanceName    string
	maxNetworks     int
	publicIP        publicip.Fetcher
	publicIPTimeout time.Duration
	recorder        Recorder
	logger          *slog.Logger
	now             func() time.Time

	cache *cache
	locks *keyedMutex
	group singleflight.Group

	// capMu serializes "count networks, then create one" across identities.
	capMu sync.Mutex

	ca atomic.Pointer[pki.CA]

	touching sync.Map // network id -> struct{}, touches in flight
	bg       sync.WaitGroup
}

// New creates a Manager. Call Start before serving handshakes.
func New(cfg *Config) *Manager {
	m := &Manager{
		store:           cfg.Store,
		instanceName:    cfg.InstanceName,
		maxNetworks:     cfg.MaxNetworks,
		publicIP:        cfg.PublicIP,
		publicIPTimeout: cfg.PublicIPTimeout,
		recorder:        cfg.Recorder,
		logger:          cfg.Logger,
		now:             time.Now,
		cache:           newCache(),
		locks:           newKeyedMutex(),
	}
	if m.maxNetworks <= 0 {
		m.maxNetworks = DefaultMaxNetworks
	}
	if m.publicIPTimeout <= 0 {
		m.publicIPTimeout = defaultPublicIPTimeout
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// MaxNetworks returns the configured cap.
func (m *Manager) MaxNetworks() int { return m.maxNetworks }

// CA returns the CA seen by the most recent load or validation, or nil.
func (m *Manager) CA() *pki.CA { return m.ca.Load() }

// Start prepares the manager: migrate legacy layouts, load every network
// into the cache, then verify chains. A missing CA is fatal since no
// certificate could be served; everything else is logged and tolerated.
func (m *Manager) Start(ctx context.Context) error {
	ca, err := m.store.LoadCA()
	if err != nil {
		return fmt.Errorf("start certificate manager: %w", err)
	}
	m.ca.Store(ca)

	migrate.New(m.store, m.instanceName, m.logger).Run()

	if err := m.Load(); err != nil {
		return fmt.Errorf("load networks: %w", err)
	}

	if _, err := m.ValidateChains(ctx); err != nil {
		m.logger.Error("certificate chain validation failed", "error", err)
	}
	return nil
}

// Load rebuilds the cache from disk. Networks with unreadable material are
// logged and skipped or repaired; they never abort the load.
func (m *Manager) Load() error {
	ids, err := m.store.ListProvisioned()
	if err != nil {
		return err
	}

	m.cache.reset()
	for _, id := range ids {
		meta, err := m.store.ReadMetadata(id)
		if errors.Is(err, certstore.ErrNotFound) {
			meta, err = m.recoverMetadata(id)
		}
		if err != nil {
			m.logger.Warn("skipping network without usable metadata", "network_id", id, "error", err)
			continue
		}

		cert, err := m.readTLSCert(id)
		if err != nil {
			// Metadata stays cached so validation can re-issue.
			m.logger.Warn("network certificate unreadable", "network_id", id, "error", err)
		}
		m.cache.put(id, cert, meta)
	}

	m.logger.Info("networks loaded", "count", len(m.cache.ids()), "max", m.maxNetworks)
	return nil
}

// recoverMetadata rebuilds a missing or unparseable metadata document from the
// certificate's SANs and persists it.
func (m *Manager) recoverMetadata(id string) (*certstore.Metadata, error) {
	certPEM, _, err := m.store.ReadCertKeyPair(id)
	if err != nil {
		return nil, err
	}
	ips, err := pki.CertificateIPs(certPEM)
	if err != nil {
		return nil, err
	}
	var real []string
	for _, ip := range ips {
		if !netid.IsLoopback(ip) {
			real = append(real, ip)
		}
	}
	if len(real) == 0 {
		real = []string{netid.Loopback}
	}

	now := m.now().UTC()
	meta := &certstore.Metadata{
		NetworkID:     id,
		IPs:           real,
		CreatedAt:     now,
		LastUsedAt:    now,
		Label:         certstore.DefaultLabel(m.instanceName, real[0]),
		AutoGenerated: true,
	}
	if err := m.store.WriteMetadata(id, meta); err != nil {
		return nil, err
	}
	m.logger.Info("rebuilt missing network metadata", "network_id", id)
	return meta, nil
}

// EnsureNetworkCert makes sure a certificate exists for the network ip
// belongs to and returns its identity. It is idempotent: an existing
// certificate is never touched. Concurrent calls for the same identity
// collapse into one issuance; the others wait for its result.
func (m *Manager) EnsureNetworkCert(ctx context.Context, ip string) (string, error) {
	ip = netid.Normalize(ip)
	id := netid.Resolve(ip)

	if m.store.HasCert(id) {
		return id, nil
	}

	// The shared call must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	_, err, _ := m.group.Do(id, func() (any, error) {
		return nil, m.provision(shared, id, ip)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) provision(ctx context.Context, id, ip string) (err error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if m.store.HasCert(id) {
		return nil
	}

	created, err := m.reserve(id)
	if err != nil {
		return err
	}
	// A failure before the metadata lands leaves the directory as it was, so
	// the next call provisions again instead of finding a bare certificate.
	defer func() {
		if err != nil {
			m.rollback(id, created)
		}
	}()

	cert, err := m.issue(id, ip)
	if err != nil {
		return err
	}

	var pub *string
	if addr, err := publicip.Lookup(ctx, m.publicIP, m.publicIPTimeout); err != nil {
		m.logger.Debug("public ip lookup failed", "network_id", id, "error", err)
	} else if addr != "" {
		pub = &addr
	}

	now := m.now().UTC()
	meta := &certstore.Metadata{
		NetworkID:     id,
		IPs:           []string{ip},
		PublicIP:      pub,
		CreatedAt:     now,
		LastUsedAt:    now,
		Label:         certstore.DefaultLabel(m.instanceName, ip),
		AutoGenerated: true,
	}
	if err := m.store.WriteMetadata(id, meta); err != nil {
		return fmt.Errorf("provision %s: %w", id, err)
	}
	m.cache.put(id, cert, meta)

	m.recorder.RecordEvent(id, EventIssued, ip)
	m.logger.Info("network certificate issued", "network_id", id, "ip", ip, "label", meta.Label)
	return nil
}

// reserve enforces the cap for a new identity and claims its slot by
// creating the directory. capMu covers only the count and the mkdir, so
// key generation for unrelated identities runs in parallel.
func (m *Manager) reserve(id string) (created bool, err error) {
	m.capMu.Lock()
	defer m.capMu.Unlock()

	if m.store.Exists(id) {
		return false, nil
	}
	ids, err := m.store.ListProvisioned()
	if err != nil {
		return false, fmt.Errorf("provision %s: %w", id, err)
	}
	if len(ids) >= m.maxNetworks {
		m.logger.Warn("network limit reached", "network_id", id, "max", m.maxNetworks)
		return false, &CapacityError{Max: m.maxNetworks}
	}
	if err := m.store.CreateNetworkDir(id); err != nil {
		return false, fmt.Errorf("provision %s: %w", id, err)
	}
	return true, nil
}

// issue signs a leaf for ip with the CA on disk and writes it.
func (m *Manager) issue(id, ip string) (*tls.Certificate, error) {
	ca, err := m.store.LoadCA()
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}
	m.ca.Store(ca)

	certPEM, keyPEM, err := pki.IssueLeaf(ca, m.instanceName, []string{ip})
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("provision %s: load key pair: %w", id, err)
	}
	if err := m.store.WriteCertKeyPair(id, certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}
	return &cert, nil
}

// rollback undoes a failed provision: a directory this call created is
// removed, otherwise only the certificate and key it wrote.
func (m *Manager) rollback(id string, created bool) {
	var err error
	if created {
		err = m.store.Remove(id)
	} else {
		err = m.store.RemoveCertKeyPair(id)
	}
	if err != nil && !errors.Is(err, certstore.ErrNotFound) {
		m.logger.Error("provision rollback failed", "network_id", id, "error", err)
	}
}

// RegenerateNetwork issues fresh key material for an existing network with
// its current IP set and refreshes lastUsedAt. The cached certificate is
// dropped, so the next handshake loads the new one; call ReloadCertificate
// to rebuild it eagerly.
func (m *Manager) RegenerateNetwork(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.regenerateLocked(ctx, id)
}

func (m *Manager) regenerateLocked(_ context.Context, id string) error {
	meta, err := m.metadata(id)
	if err != nil {
		return err
	}

	ca, err := m.store.LoadCA()
	if err != nil {
		return fmt.Errorf("regenerate %s: %w", id, err)
	}
	m.ca.Store(ca)

	ips := meta.IPs
	if len(ips) == 0 {
		ips = []string{netid.Loopback}
	}
	certPEM, keyPEM, err := pki.IssueLeaf(ca, m.instanceName, ips)
	if err != nil {
		return fmt.Errorf("regenerate %s: %w", id, err)
	}
	if err := m.store.WriteCertKeyPair(id, certPEM, keyPEM); err != nil {
		return fmt.Errorf("regenerate %s: %w", id, err)
	}
	// The old certificate is gone from disk; stop serving it even if the
	// metadata write below fails.
	m.cache.dropCert(id)

	meta.LastUsedAt = m.now().UTC()
	if err := m.store.WriteMetadata(id, meta); err != nil {
		return fmt.Errorf("regenerate %s: %w", id, err)
	}

	m.cache.put(id, nil, meta)

	m.recorder.RecordEvent(id, EventRegenerated, "")
	m.logger.Info("network certificate regenerated", "network_id", id)
	return nil
}

// RevokeNetwork forgets a network and deletes its directory.
func (m *Manager) RevokeNetwork(id string) error {
	if err := certstore.CheckID(id); err != nil {
		return notFound(id)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if !m.cache.has(id) && !m.store.Exists(id) {
		return notFound(id)
	}

	m.cache.drop(id)
	if err := m.store.Remove(id); err != nil && !errors.Is(err, certstore.ErrNotFound) {
		return fmt.Errorf("revoke %s: %w", id, err)
	}

	m.recorder.RecordEvent(id, EventRevoked, "")
	m.logger.Info("network revoked", "network_id", id)
	return nil
}

// UpdateLabel changes the human-readable label of a network.
func (m *Manager) UpdateLabel(id, label string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	meta, err := m.metadata(id)
	if err != nil {
		return err
	}
	meta.Label = label
	if err := m.store.WriteMetadata(id, meta); err != nil {
		return fmt.Errorf("relabel %s: %w", id, err)
	}
	m.cache.putMeta(id, meta)

	m.recorder.RecordEvent(id, EventRelabeled, label)
	return nil
}

// ReloadCertificate rebuilds the cached TLS certificate of a network from
// disk. Established connections keep their certificate; the next handshake
// for the network sees the new one.
func (m *Manager) ReloadCertificate(id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.reloadLocked(id)
}

func (m *Manager) reloadLocked(id string) error {
	cert, err := m.readTLSCert(id)
	if err != nil {
		m.cache.dropCert(id)
		return err
	}
	m.cache.putCert(id, cert)

	m.recorder.RecordEvent(id, EventReloaded, "")
	m.logger.Debug("network certificate reloaded", "network_id", id)
	return nil
}

// DefaultCertKey returns the PEM certificate and key of the most recently
// used network, for listeners that cannot select by SNI.
func (m *Manager) DefaultCertKey() (certPEM, keyPEM []byte, err error) {
	for _, meta := range m.cache.byLastUsed() {
		certPEM, keyPEM, err = m.store.ReadCertKeyPair(meta.NetworkID)
		if err == nil {
			return certPEM, keyPEM, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no network has been provisioned", ErrNotFound)
}

// DefaultCertificate is DefaultCertKey as a TLS certificate, served from the
// cache when possible.
func (m *Manager) DefaultCertificate() (*tls.Certificate, error) {
	for _, meta := range m.cache.byLastUsed() {
		if cert, err := m.certificate(meta.NetworkID); err == nil {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("%w: no network has been provisioned", ErrNotFound)
}

// ListNetworks returns every network, most recently used first.
func (m *Manager) ListNetworks() []*certstore.Metadata {
	return m.cache.byLastUsed()
}

// Network returns one network's metadata.
func (m *Manager) Network(id string) (*certstore.Metadata, error) {
	return m.metadata(id)
}

// Touch records that a network was just used. Writes are skipped while the
// stored timestamp is younger than TouchInterval.
func (m *Manager) Touch(id string) error {
	if !m.needsTouch(id) {
		if !m.cache.has(id) {
			return notFound(id)
		}
		return nil
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	meta := m.cache.metadata(id)
	if meta == nil {
		return notFound(id)
	}
	now := m.now().UTC()
	if now.Sub(meta.LastUsedAt) < TouchInterval {
		return nil
	}
	meta.LastUsedAt = now
	if err := m.store.WriteMetadata(id, meta); err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	m.cache.putMeta(id, meta)
	return nil
}

func (m *Manager) needsTouch(id string) bool {
	meta := m.cache.metadata(id)
	return meta != nil && m.now().Sub(meta.LastUsedAt) >= TouchInterval
}

// touchAsync refreshes lastUsedAt in the background, at most one goroutine
// per network at a time.
func (m *Manager) touchAsync(id string) {
	if !m.needsTouch(id) {
		return
	}
	if _, busy := m.touching.LoadOrStore(id, struct{}{}); busy {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer m.touching.Delete(id)
		if err := m.Touch(id); err != nil {
			m.logger.Debug("touch failed", "network_id", id, "error", err)
		}
	}()
}

// Close waits for background work started by handshakes.
func (m *Manager) Close() {
	m.bg.Wait()
}

// metadata returns a private copy of a network's metadata from the cache,
// falling back to disk.
func (m *Manager) metadata(id string) (*certstore.Metadata, error) {
	if meta := m.cache.metadata(id); meta != nil {
		return meta, nil
	}
	if certstore.CheckID(id) != nil {
		return nil, notFound(id)
	}
	meta, err := m.store.ReadMetadata(id)
	if err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return meta, nil
}

// certificate returns the cached TLS certificate for id, loading it from
// disk under the identity lock on a miss.
func (m *Manager) certificate(id string) (*tls.Certificate, error) {
	if cert := m.cache.cert(id); cert != nil {
		return cert, nil
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if cert := m.cache.cert(id); cert != nil {
		return cert, nil
	}
	cert, err := m.readTLSCert(id)
	if err != nil {
		return nil, err
	}
	meta, err := m.metadata(id)
	if err != nil {
		return nil, err
	}
	m.cache.put(id, cert, meta)
	return cert, nil
}

func (m *Manager) readTLSCert(id string) (*tls.Certificate, error) {
	certPEM, keyPEM, err := m.store.ReadCertKeyPair(id)
	if err != nil {
		if errors.Is(err, certstore.ErrNotFound) || errors.Is(err, certstore.ErrInvalidID) {
			return nil, notFound(id)
		}
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair for %s: %w", id, err)
	}
	return &cert, nil
}
