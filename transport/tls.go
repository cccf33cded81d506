package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// handshakeTimeout bounds the TLS handshake so a mismatched plaintext
// peer fails fast instead of hanging the connect path.
const handshakeTimeout = 10 * time.Second

// NewTLSClient wraps conn in TLS as the connecting side. The handshake
// must complete before any application message is exchanged; a failure
// is reported as proto.ErrHandshakeFailed and the connection is closed.
func NewTLSClient(conn net.Conn, cfg *tls.Config, m *metrics.Collector) (*Transport, error) {
	return handshake(tls.Client(conn, cfg), m)
}

// NewTLSServer wraps conn in TLS as the accepting side, presenting the
// certificate from cfg.
func NewTLSServer(conn net.Conn, cfg *tls.Config, m *metrics.Collector) (*Transport, error) {
	return handshake(tls.Server(conn, cfg), m)
}

func handshake(tconn *tls.Conn, m *metrics.Collector) (*Transport, error) {
	if err := tconn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		tconn.Close()
		return nil, fmt.Errorf("%w: %v", proto.ErrHandshakeFailed, err)
	}
	if err := tconn.Handshake(); err != nil {
		tconn.Close()
		return nil, fmt.Errorf("%w: %v", proto.ErrHandshakeFailed, err)
	}
	if err := tconn.SetDeadline(time.Time{}); err != nil {
		tconn.Close()
		return nil, fmt.Errorf("%w: %v", proto.ErrHandshakeFailed, err)
	}
	return New(tconn, m), nil
}

// ClientTLSConfig builds the connecting side's trust policy. With no
// root pool the peer certificate is accepted unverified, matching the
// self-signed deployments this bridge runs in; supply roots to pin a
// CA instead.
func ClientTLSConfig(serverName string, roots *x509.CertPool) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if roots != nil {
		cfg.RootCAs = roots
	} else {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// ServerTLSConfig loads the server certificate pair.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
