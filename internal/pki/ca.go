/*
Package pki holds the certificate mechanics for netcertd.

It loads the local Certificate Authority, bootstraps one when none exists,
issues CA-signed leaf certificates for a set of IPs, and verifies that a
stored leaf still chains to the current CA. Nothing in this package knows
about the on-disk network layout.
*/
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ushineko/netcert/internal/instance"
)

const (
	// CACertFile and CAKeyFile are the CA file names inside the tls directory.
	CACertFile = "ca.crt"
	CAKeyFile  = "ca.key"

	caValidity = 10 * 365 * 24 * time.Hour
)

// ErrCANotFound is returned when the CA certificate or key is missing.
var ErrCANotFound = errors.New("CA not found")

// CA holds a loaded Certificate Authority certificate and private key.
type CA struct {
	Cert        *x509.Certificate
	Key         crypto.Signer
	CertPEM     []byte // Raw PEM bytes for serving at <prefix>/ca.pem
	Fingerprint string // SHA-256 fingerprint (hex-encoded, colon-separated)
	NotAfter    time.Time
}

// Pool returns a cert pool containing only this CA.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// Bootstrap makes sure a CA exists in dir, generating one for the given
// instance when either file is missing. With force, an existing CA is
// replaced (rotation): every leaf it signed becomes stale.
// Returns true if a new CA was written.
func Bootstrap(dir string, id instance.Identity, force bool) (bool, error) {
	certPath := filepath.Join(dir, CACertFile)
	keyPath := filepath.Join(dir, CAKeyFile)

	if !force && fileExists(certPath) && fileExists(keyPath) {
		return false, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create tls dir %s: %w", dir, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return false, fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         id.Name + " Local CA",
			Organization:       []string{id.Name},
			OrganizationalUnit: []string{id.ID},
		},
		NotBefore:             now.Add(-1 * time.Hour), // backdated to avoid clock skew issues
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return false, fmt.Errorf("create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return false, fmt.Errorf("marshal CA key: %w", err)
	}

	// Key first: a cert without its key is useless, the reverse is just
	// regenerated on the next bootstrap.
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return false, fmt.Errorf("write CA key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // CA cert is public, not secret
		return false, fmt.Errorf("write CA certificate: %w", err)
	}

	return true, nil
}

// LoadCA reads a CA certificate and private key from PEM files. Missing
// files are reported as ErrCANotFound.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCANotFound, certPath)
		}
		return nil, fmt.Errorf("read CA certificate %s: %w", certPath, err)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate %s: %w", certPath, err)
	}

	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate %s: not a CA certificate (BasicConstraints CA flag not set)", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCANotFound, keyPath)
		}
		return nil, fmt.Errorf("read CA key %s: %w", keyPath, err)
	}

	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("CA key %s: %w", keyPath, err)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: Fingerprint(cert.Raw),
		NotAfter:    cert.NotAfter,
	}, nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid PEM (expected CERTIFICATE block)")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM decodes an EC, PKCS#1 RSA or PKCS#8 private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid PEM (no private key block)")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key block %q", block.Type)
	}
}

// Fingerprint returns the SHA-256 fingerprint of DER-encoded certificate bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return string(out)
}

// randomSerial generates a random 128-bit serial number for certificates.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// rsaKeyPEM encodes an RSA key in PKCS#1 form.
func rsaKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
