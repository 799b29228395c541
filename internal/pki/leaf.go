package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ushineko/netcert/internal/netid"
)

const (
	// LeafValidity is how long an issued network certificate is valid.
	LeafValidity = 2 * 365 * 24 * time.Hour

	leafKeyBits = 2048
)

// IssueLeaf builds and CA-signs a server certificate covering localhost,
// both loopback addresses and every non-loopback address in ips. org becomes
// the subject organization (the instance name). It does no I/O.
func IssueLeaf(ca *CA, org string, ips []string) (certPEM, keyPEM []byte, err error) {
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return nil, nil, ErrCANotFound
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf serial: %w", err)
	}

	extra := nonLoopback(ips)
	cn := "localhost"
	if len(extra) > 0 {
		cn = extra[0].String()
	}

	sanIPs := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	sanIPs = append(sanIPs, extra...)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{org},
		},
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IPAddresses:           sanIPs,
	}

	// The issuer name is taken from ca.Cert's subject by CreateCertificate.
	// The signature algorithm follows the CA key: SHA256WithRSA or ECDSAWithSHA256.
	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("create leaf certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return certPEM, rsaKeyPEM(key), nil
}

// VerifyLeaf checks that certPEM was signed by ca and is currently valid for
// server authentication.
func VerifyLeaf(ca *CA, certPEM []byte) error {
	if ca == nil || ca.Cert == nil {
		return ErrCANotFound
	}
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("verify against CA %s: %w", ca.Fingerprint, err)
	}
	return nil
}

// CertificateIPs returns the IP SANs of a PEM certificate.
func CertificateIPs(certPEM []byte) ([]string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	if len(cert.IPAddresses) == 0 {
		return nil, errors.New("certificate has no IP SANs")
	}
	out := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		out = append(out, ip.String())
	}
	return out, nil
}

// nonLoopback parses ips, dropping loopback, unparseable and duplicate
// entries while keeping order.
func nonLoopback(ips []string) []net.IP {
	seen := make(map[string]struct{}, len(ips))
	var out []net.IP
	for _, s := range ips {
		if netid.IsLoopback(s) {
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if _, dup := seen[ip.String()]; dup {
			continue
		}
		seen[ip.String()] = struct{}{}
		out = append(out, ip)
	}
	return out
}
