package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/protocol/session"
)

const tlsHandshakeTimeout = 10 * time.Second

var (
	ErrTLSCertRequired = errors.New("transport: tls requires cert_file and key_file")
	ErrTLSCARequired   = errors.New("transport: mutual tls requires ca_file")
)

// ServerTLSConfig builds the hub's listener config. Mutual mode requires
// and verifies client certificates against CAFile.
func ServerTLSConfig(cfg session.TLSConfig) (*tls.Config, error) {
	if strings.TrimSpace(cfg.CertFile) == "" || strings.TrimSpace(cfg.KeyFile) == "" {
		return nil, ErrTLSCertRequired
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load tls key pair: %w", err)
	}
	out := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if cfg.Mutual {
		if strings.TrimSpace(cfg.CAFile) == "" {
			return nil, ErrTLSCARequired
		}
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientAuth = tls.RequireAndVerifyClientCert
		out.ClientCAs = pool
	}
	return out, nil
}

// ClientTLSConfig builds a leaf's config for dialing addr. ServerName
// defaults to the host part of addr.
func ClientTLSConfig(cfg session.TLSConfig, addr string) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(cfg.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if cfg.Mutual {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load tls key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// PeerIdentity names the owner of cert, preferring CN, then the first URI,
// then the first DNS name.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

func identityFromState(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return PeerIdentity(state.PeerCertificates[0])
}

type identifiedChannel struct {
	channel.Channel
	identity string
}

func (c identifiedChannel) PeerIdentity() string { return c.identity }

func withIdentity(ch channel.Channel, identity string) channel.Channel {
	if identity == "" {
		return ch
	}
	return identifiedChannel{Channel: ch, identity: identity}
}

// serverHandshake completes the TLS handshake on an accepted conn and
// returns the verified client identity, if any.
func serverHandshake(ctx context.Context, conn *tls.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return "", err
	}
	return identityFromState(conn.ConnectionState()), nil
}
