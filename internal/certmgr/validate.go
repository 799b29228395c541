package certmgr

import (
	"context"
	"errors"
	"time"

	"github.com/ushineko/netcert/internal/pki"
)

// ValidationReport summarizes one chain validation sweep.
type ValidationReport struct {
	Checked  int
	Repaired []string
	Failed   []string
}

// ValidateChains verifies every loaded network's certificate against the CA
// on disk and re-issues those that no longer chain to it, typically after a
// CA rotation. Repaired certificates are hot-reloaded. A missing CA skips
// the sweep. Per-network failures are logged and reported, never returned.
func (m *Manager) ValidateChains(ctx context.Context) (ValidationReport, error) {
	var report ValidationReport

	ca, err := m.store.LoadCA()
	if err != nil {
		if errors.Is(err, pki.ErrCANotFound) {
			m.logger.Info("no CA on disk, skipping chain validation")
			return report, nil
		}
		return report, err
	}
	m.ca.Store(ca)

	for _, id := range m.cache.ids() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		checked, repaired, err := m.validateOne(ctx, ca, id)
		if !checked {
			continue
		}
		report.Checked++
		switch {
		case err != nil:
			report.Failed = append(report.Failed, id)
			m.logger.Error("certificate repair failed", "network_id", id, "error", err)
		case repaired:
			report.Repaired = append(report.Repaired, id)
		}
	}

	if len(report.Repaired) > 0 || len(report.Failed) > 0 {
		m.logger.Warn("certificate chain validation",
			"checked", report.Checked,
			"repaired", len(report.Repaired),
			"failed", len(report.Failed),
			"ca", ca.Fingerprint,
		)
	} else {
		m.logger.Debug("certificate chain validation", "checked", report.Checked)
	}
	return report, nil
}

func (m *Manager) validateOne(ctx context.Context, ca *pki.CA, id string) (checked, repaired bool, err error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	// Revoked while the sweep was running.
	if !m.cache.has(id) {
		return false, false, nil
	}

	certPEM, _, readErr := m.store.ReadCertKeyPair(id)
	if readErr != nil {
		m.logger.Info("certificate unreadable", "network_id", id, "reason", readErr)
	} else if verifyErr := pki.VerifyLeaf(ca, certPEM); verifyErr != nil {
		m.logger.Info("certificate does not chain to current CA", "network_id", id, "reason", verifyErr)
	} else if m.cache.cert(id) != nil {
		return true, false, nil
	} else if loadErr := m.reloadLocked(id); loadErr != nil {
		m.logger.Info("certificate chains but key pair is unusable", "network_id", id, "reason", loadErr)
	} else {
		return true, false, nil
	}

	if err := m.regenerateLocked(ctx, id); err != nil {
		return true, false, err
	}
	if err := m.reloadLocked(id); err != nil {
		return true, false, err
	}
	m.recorder.RecordEvent(id, EventRepaired, ca.Fingerprint)
	return true, true, nil
}

// WatchCA polls the CA on disk and runs ValidateChains whenever its
// fingerprint changes. A CA that disappears is unloaded, so CA() reports nil
// until one is back. It returns when ctx is done.
func (m *Manager) WatchCA(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	last := ""
	if ca := m.CA(); ca != nil {
		last = ca.Fingerprint
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ca, err := m.store.LoadCA()
			if errors.Is(err, pki.ErrCANotFound) {
				if m.ca.Swap(nil) != nil {
					m.logger.Warn("CA removed from disk, new certificates cannot be issued")
				}
				last = ""
				continue
			}
			if err != nil {
				m.logger.Debug("CA watch: load failed", "error", err)
				continue
			}
			if ca.Fingerprint == last {
				continue
			}
			m.logger.Info("CA changed on disk, revalidating certificates",
				"old", last,
				"new", ca.Fingerprint,
			)
			last = ca.Fingerprint
			if _, err := m.ValidateChains(ctx); err != nil {
				m.logger.Error("certificate chain validation failed", "error", err)
			}
		}
	}
}
