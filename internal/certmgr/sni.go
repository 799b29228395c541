package certmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/ushineko/netcert/internal/netid"
)

// GetCertificate selects the certificate for a handshake. It is meant for
// tls.Config.GetCertificate.
//
// The server name maps to an address (hostnames map to loopback). Clients
// that send no server name, typically because they dialed a bare IP, are
// matched by the local address they connected to, and failing that get the
// default certificate.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if hello.ServerName == "" {
		if ip := localIP(hello.Conn); ip != "" {
			return m.certFor(ctx, ip)
		}
		cert, err := m.DefaultCertificate()
		if err != nil {
			return nil, fmt.Errorf("no certificate for connection without server name: %w", err)
		}
		return cert, nil
	}

	return m.certFor(ctx, netid.ServerNameToIP(hello.ServerName))
}

// TLSConfig returns a server configuration that serves certificates from m.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

func (m *Manager) certFor(ctx context.Context, ip string) (*tls.Certificate, error) {
	id := netid.Resolve(ip)

	cert := m.cache.cert(id)
	if cert == nil {
		if _, err := m.EnsureNetworkCert(ctx, ip); err != nil {
			m.logger.Warn("handshake provisioning failed", "network_id", id, "ip", ip, "error", err)
			return nil, err
		}
		var err error
		cert, err = m.certificate(id)
		if errors.Is(err, ErrNotFound) {
			// Revoked between provisioning and load; provision once more.
			if _, err = m.EnsureNetworkCert(ctx, ip); err == nil {
				cert, err = m.certificate(id)
			}
		}
		if err != nil {
			m.logger.Warn("handshake certificate load failed", "network_id", id, "error", err)
			return nil, err
		}
	}

	m.recorder.RecordHandshake(id)
	m.touchAsync(id)
	return cert, nil
}

func localIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return ""
	}
	return addr.IP.String()
}
