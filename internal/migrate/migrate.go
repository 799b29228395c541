/*
Package migrate upgrades older on-disk certificate layouts to the
per-network layout.

Migration is a fixed, numbered pipeline of independent steps. Every step
checks the filesystem for its own input, does nothing when there is none,
and is safe to run again after it has succeeded. A failing step is logged
and skipped: migration never prevents startup.
*/
package migrate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/netid"
	"github.com/ushineko/netcert/internal/pki"
)

// legacyDefaultID is the directory name used by the fixed-identity scheme
// that predates per-subnet identities.
const legacyDefaultID = "default"

// Step is one migration in the pipeline.
type Step interface {
	// Name identifies the step in logs.
	Name() string
	// Run performs the migration. changed reports whether anything on disk
	// was modified.
	Run() (changed bool, err error)
}

// Result records the outcome of one step.
type Result struct {
	Step    string
	Changed bool
	Err     error
}

// Engine runs the migration pipeline against one store.
type Engine struct {
	store        *certstore.Store
	instanceName string
	logger       *slog.Logger
	now          func() time.Time
	steps        []Step
}

// New builds the standard pipeline:
//
//  1. legacy-single-cert: tls/server.{crt,key} -> tls/networks/<id>/
//  2. legacy-default-dir: tls/networks/default -> tls/networks/<id>/
//  3. orphan-cleanup:     drop legacy files once any network exists
func New(store *certstore.Store, instanceName string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:        store,
		instanceName: instanceName,
		logger:       logger,
		now:          time.Now,
	}
	e.steps = []Step{
		&legacySingleCert{e: e},
		&legacyDefaultDir{e: e},
		&orphanCleanup{e: e},
	}
	return e
}

// Steps returns the pipeline in execution order.
func (e *Engine) Steps() []Step { return e.steps }

// Run executes every step in order. Failures are logged and recorded in the
// results but never stop the pipeline.
func (e *Engine) Run() []Result {
	results := make([]Result, 0, len(e.steps))
	for i, step := range e.steps {
		changed, err := step.Run()
		results = append(results, Result{Step: step.Name(), Changed: changed, Err: err})

		switch {
		case err != nil:
			e.logger.Error("migration step failed",
				"step", i+1,
				"name", step.Name(),
				"error", err,
			)
		case changed:
			e.logger.Info("migration step applied", "step", i+1, "name", step.Name())
		default:
			e.logger.Debug("migration step: nothing to do", "step", i+1, "name", step.Name())
		}
	}
	return results
}

// --- step 1 ---

type legacySingleCert struct{ e *Engine }

func (s *legacySingleCert) Name() string { return "legacy-single-cert" }

func (s *legacySingleCert) Run() (bool, error) {
	st := s.e.store
	if !st.HasLegacy() {
		return false, nil
	}

	certPEM, keyPEM, err := st.ReadLegacy()
	if err != nil {
		return false, fmt.Errorf("read legacy certificate: %w", err)
	}
	ips, err := pki.CertificateIPs(certPEM)
	if err != nil {
		return false, fmt.Errorf("inspect legacy certificate: %w", err)
	}

	ip := realIP(ips)
	id := netid.Resolve(ip)
	if st.Exists(id) {
		// Already migrated, or superseded by a newer certificate. The
		// legacy files stay; orphan cleanup takes care of them.
		s.e.logger.Debug("legacy certificate already has a network", "network_id", id)
		return false, nil
	}

	if err := st.WriteCertKeyPair(id, certPEM, keyPEM); err != nil {
		return false, fmt.Errorf("copy legacy certificate to %s: %w", id, err)
	}

	now := s.e.now().UTC()
	m := &certstore.Metadata{
		NetworkID:     id,
		IPs:           []string{ip},
		CreatedAt:     now,
		LastUsedAt:    now,
		Label:         certstore.DefaultLabel(s.e.instanceName, ip),
		AutoGenerated: true,
	}
	if err := st.WriteMetadata(id, m); err != nil {
		// Leave no half-migrated directory: the next run retries.
		_ = st.Remove(id)
		return false, fmt.Errorf("write metadata for %s: %w", id, err)
	}

	if err := st.RemoveLegacy(); err != nil {
		return true, fmt.Errorf("remove legacy certificate: %w", err)
	}

	s.e.logger.Info("migrated legacy certificate", "network_id", id, "ip", ip)
	return true, nil
}

// --- step 2 ---

type legacyDefaultDir struct{ e *Engine }

func (s *legacyDefaultDir) Name() string { return "legacy-default-dir" }

func (s *legacyDefaultDir) Run() (bool, error) {
	st := s.e.store
	if !st.Exists(legacyDefaultID) {
		return false, nil
	}

	m, ip := s.recoverIP()
	if ip == "" {
		return false, fmt.Errorf("cannot determine IP of %q network", legacyDefaultID)
	}

	id := netid.Resolve(ip)
	if st.Exists(id) {
		if err := st.Remove(legacyDefaultID); err != nil {
			return false, fmt.Errorf("remove duplicate %q network: %w", legacyDefaultID, err)
		}
		s.e.logger.Info("removed duplicate legacy network", "network_id", id)
		return true, nil
	}

	if err := st.Rename(legacyDefaultID, id); err != nil {
		return false, err
	}

	if m == nil {
		now := s.e.now().UTC()
		m = &certstore.Metadata{
			IPs:           []string{ip},
			CreatedAt:     now,
			LastUsedAt:    now,
			AutoGenerated: true,
		}
	}
	m.NetworkID = id
	m.Label = certstore.DefaultLabel(s.e.instanceName, ip)
	if err := st.WriteMetadata(id, m); err != nil {
		return true, fmt.Errorf("rewrite metadata for %s: %w", id, err)
	}

	s.e.logger.Info("renamed legacy network", "from", legacyDefaultID, "network_id", id, "ip", ip)
	return true, nil
}

// recoverIP finds the address the default network was issued for: metadata
// first, then the certificate's SANs.
func (s *legacyDefaultDir) recoverIP() (*certstore.Metadata, string) {
	st := s.e.store
	m, err := st.ReadMetadata(legacyDefaultID)
	if err == nil && len(m.IPs) > 0 {
		return m, realIP(m.IPs)
	}

	certPEM, _, err := st.ReadCertKeyPair(legacyDefaultID)
	if err != nil {
		return m, ""
	}
	ips, err := pki.CertificateIPs(certPEM)
	if err != nil {
		return m, ""
	}
	ip := realIP(ips)
	if m != nil {
		m.IPs = []string{ip}
	}
	return m, ip
}

// --- step 3 ---

type orphanCleanup struct{ e *Engine }

func (s *orphanCleanup) Name() string { return "orphan-cleanup" }

func (s *orphanCleanup) Run() (bool, error) {
	st := s.e.store
	ids, err := st.ListProvisioned()
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	changed := false
	for _, id := range ids {
		if n := st.CleanTemp(id); n > 0 {
			s.e.logger.Info("removed interrupted writes", "network_id", id, "count", n)
			changed = true
		}
	}

	if !st.HasLegacy() {
		return changed, nil
	}
	if err := st.RemoveLegacy(); err != nil {
		return changed, fmt.Errorf("remove orphaned legacy certificate: %w", err)
	}
	s.e.logger.Info("removed orphaned legacy certificate", "networks", len(ids))
	return true, nil
}

// realIP returns the first non-loopback address, or loopback if there is
// none.
func realIP(ips []string) string {
	for _, ip := range ips {
		if !netid.IsLoopback(ip) {
			return ip
		}
	}
	return netid.Loopback
}
