/*
Package certstore persists per-network certificates on disk.

Layout, relative to the data directory:

	tls/ca.crt, tls/ca.key                 CA, bootstrapped outside this package
	tls/server.crt, tls/server.key         legacy single-certificate layout
	tls/networks/<id>/server.crt
	tls/networks/<id>/server.key           (0600)
	tls/networks/<id>/metadata.json

Every write goes to a temporary file in the target directory and is renamed
into place, so readers see either the old or the new file, never a torn one.
The store never caches: it always reflects the filesystem.
*/
package certstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/ushineko/netcert/internal/pki"
)

const (
	tlsDirName      = "tls"
	networksDirName = "networks"

	certFile     = "server.crt"
	keyFile      = "server.key"
	metadataFile = "metadata.json"

	dirPerms     = 0o700
	keyFilePerms = 0o600
	certPerms    = 0o644
)

var (
	// ErrNotFound is returned when a network has no (readable) record on disk.
	ErrNotFound = errors.New("network not found")

	// ErrUnsupportedVersion is returned for metadata written by a newer
	// release. The document is left alone so a later upgrade can read it.
	ErrUnsupportedVersion = errors.New("unsupported metadata version")

	// ErrInvalidID is returned for identities that are not safe path components.
	ErrInvalidID = errors.New("invalid network id")

	validID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
)

// Store reads and writes certificate material under one data directory.
type Store struct {
	dir    string // <data_dir>/tls
	logger *slog.Logger

	// rename is os.Rename; tests swap it to simulate a crash between the
	// temp write and the rename.
	rename func(oldpath, newpath string) error
}

// New returns a Store rooted at <dataDir>/tls. Nothing is created until the
// first write.
func New(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    filepath.Join(dataDir, tlsDirName),
		logger: logger,
		rename: os.Rename,
	}
}

// TLSDir is the directory holding the CA and the networks tree.
func (s *Store) TLSDir() string { return s.dir }

// NetworksDir is the parent of all per-network directories.
func (s *Store) NetworksDir() string { return filepath.Join(s.dir, networksDirName) }

// NetworkDir is the directory for one network identity.
func (s *Store) NetworkDir(id string) string { return filepath.Join(s.NetworksDir(), id) }

// CACertPath returns the path of the CA certificate.
func (s *Store) CACertPath() string { return filepath.Join(s.dir, pki.CACertFile) }

// CAKeyPath returns the path of the CA private key.
func (s *Store) CAKeyPath() string { return filepath.Join(s.dir, pki.CAKeyFile) }

// LoadCA reads the CA currently on disk.
func (s *Store) LoadCA() (*pki.CA, error) {
	return pki.LoadCA(s.CACertPath(), s.CAKeyPath())
}

// CheckID rejects identities that could escape the networks directory.
func CheckID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// --- per-network reads ---

// ReadMetadata returns the metadata of a network. A missing or unparseable
// document is reported as ErrNotFound; parse failures are logged. A document
// from a newer schema is reported as ErrUnsupportedVersion, not ErrNotFound,
// so callers do not mistake it for a missing one and overwrite it.
func (s *Store) ReadMetadata(id string) (*Metadata, error) {
	if err := CheckID(id); err != nil {
		return nil, err
	}

	path := filepath.Join(s.NetworkDir(id), metadataFile)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("stat metadata %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}

	m, err := DecodeMetadata(data, id, info.ModTime())
	if errors.Is(err, ErrUnsupportedVersion) {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	if err != nil {
		s.logger.Warn("ignoring malformed network metadata",
			"network_id", id,
			"path", path,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s (malformed metadata)", ErrNotFound, id)
	}
	return m, nil
}

// ReadCertKeyPair returns the PEM certificate and key of a network.
func (s *Store) ReadCertKeyPair(id string) (certPEM, keyPEM []byte, err error) {
	if err := CheckID(id); err != nil {
		return nil, nil, err
	}
	certPEM, err = readOptional(filepath.Join(s.NetworkDir(id), certFile))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = readOptional(filepath.Join(s.NetworkDir(id), keyFile))
	if err != nil {
		return nil, nil, err
	}
	if certPEM == nil || keyPEM == nil {
		return nil, nil, fmt.Errorf("%w: %s (no certificate)", ErrNotFound, id)
	}
	return certPEM, keyPEM, nil
}

// HasCert reports whether a certificate file exists for the network.
func (s *Store) HasCert(id string) bool {
	if CheckID(id) != nil {
		return false
	}
	return fileExists(filepath.Join(s.NetworkDir(id), certFile))
}

// Exists reports whether a directory exists for the network.
func (s *Store) Exists(id string) bool {
	if CheckID(id) != nil {
		return false
	}
	info, err := os.Stat(s.NetworkDir(id))
	return err == nil && info.IsDir()
}

// ListProvisioned returns the identities that have a directory on disk,
// sorted. It reads the filesystem directly and never consults a cache.
func (s *Store) ListProvisioned() ([]string, error) {
	entries, err := os.ReadDir(s.NetworksDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list networks: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || CheckID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// --- per-network writes ---

// WriteMetadata atomically replaces the metadata document of a network.
func (s *Store) WriteMetadata(id string, m *Metadata) error {
	if err := CheckID(id); err != nil {
		return err
	}
	data, err := EncodeMetadata(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.NetworkDir(id), dirPerms); err != nil {
		return fmt.Errorf("create network dir %s: %w", id, err)
	}
	return s.writeFileAtomic(filepath.Join(s.NetworkDir(id), metadataFile), data, certPerms)
}

// CreateNetworkDir creates the directory of a network. An existing directory
// is not an error.
func (s *Store) CreateNetworkDir(id string) error {
	if err := CheckID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.NetworkDir(id), dirPerms); err != nil {
		return fmt.Errorf("create network dir %s: %w", id, err)
	}
	return nil
}

// WriteCertKeyPair atomically replaces the certificate and key of a network.
// The key is written first so a present certificate always has its key.
func (s *Store) WriteCertKeyPair(id string, certPEM, keyPEM []byte) error {
	if err := CheckID(id); err != nil {
		return err
	}
	dir := s.NetworkDir(id)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("create network dir %s: %w", id, err)
	}

	keyPath := filepath.Join(dir, keyFile)
	if err := s.writeFileAtomic(keyPath, keyPEM, keyFilePerms); err != nil {
		return fmt.Errorf("write key for %s: %w", id, err)
	}
	// Some filesystems ignore the requested mode; fix it up, best effort.
	if err := os.Chmod(keyPath, keyFilePerms); err != nil && runtime.GOOS != "windows" {
		s.logger.Warn("could not restrict key permissions", "network_id", id, "path", keyPath, "error", err)
	}

	if err := s.writeFileAtomic(filepath.Join(dir, certFile), certPEM, certPerms); err != nil {
		return fmt.Errorf("write certificate for %s: %w", id, err)
	}
	return nil
}

// Remove deletes a network directory and everything in it.
func (s *Store) Remove(id string) error {
	if err := CheckID(id); err != nil {
		return err
	}
	if !s.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(s.NetworkDir(id)); err != nil {
		return fmt.Errorf("remove network %s: %w", id, err)
	}
	return nil
}

// RemoveCertKeyPair deletes the certificate and key of a network and keeps
// the rest of its directory. The certificate goes first so a present
// certificate always has its key. Absent files are not an error.
func (s *Store) RemoveCertKeyPair(id string) error {
	if err := CheckID(id); err != nil {
		return err
	}
	for _, name := range []string{certFile, keyFile} {
		err := os.Remove(filepath.Join(s.NetworkDir(id), name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s for %s: %w", name, id, err)
		}
	}
	return nil
}

// Rename moves a network directory to a new identity. The target must not
// exist.
func (s *Store) Rename(from, to string) error {
	if err := CheckID(from); err != nil {
		return err
	}
	if err := CheckID(to); err != nil {
		return err
	}
	if s.Exists(to) {
		return fmt.Errorf("rename network %s: target %s already exists", from, to)
	}
	if err := os.Rename(s.NetworkDir(from), s.NetworkDir(to)); err != nil {
		return fmt.Errorf("rename network %s to %s: %w", from, to, err)
	}
	return nil
}

// --- legacy single-certificate layout ---

// LegacyCertPath and LegacyKeyPath are the pre-network server cert locations.
func (s *Store) LegacyCertPath() string { return filepath.Join(s.dir, certFile) }

// LegacyKeyPath see LegacyCertPath.
func (s *Store) LegacyKeyPath() string { return filepath.Join(s.dir, keyFile) }

// HasLegacy reports whether either legacy file is present.
func (s *Store) HasLegacy() bool {
	return fileExists(s.LegacyCertPath()) || fileExists(s.LegacyKeyPath())
}

// ReadLegacy returns the legacy cert and key. Both must exist.
func (s *Store) ReadLegacy() (certPEM, keyPEM []byte, err error) {
	certPEM, err = readOptional(s.LegacyCertPath())
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = readOptional(s.LegacyKeyPath())
	if err != nil {
		return nil, nil, err
	}
	if certPEM == nil || keyPEM == nil {
		return nil, nil, fmt.Errorf("%w: legacy certificate", ErrNotFound)
	}
	return certPEM, keyPEM, nil
}

// RemoveLegacy deletes whichever legacy files exist.
func (s *Store) RemoveLegacy() error {
	var errs []error
	for _, p := range []string{s.LegacyCertPath(), s.LegacyKeyPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- helpers ---

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. On any failure the temp file is removed and path is
// left as it was.
func (s *Store) writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := s.rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp -> %s: %w", path, err)
	}
	renamed = true

	// Persist the rename; not every platform supports directory fsync.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isTempName reports whether name looks like a leftover from writeFileAtomic.
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

// CleanTemp removes leftover temp files from interrupted writes in a network
// directory. Returns the number of files removed.
func (s *Store) CleanTemp(id string) int {
	if CheckID(id) != nil {
		return 0
	}
	entries, err := os.ReadDir(s.NetworkDir(id))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isTempName(e.Name()) {
			continue
		}
		if os.Remove(filepath.Join(s.NetworkDir(id), e.Name())) == nil {
			n++
		}
	}
	return n
}
