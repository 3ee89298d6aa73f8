// Package listener accepts viewer connections, serving TLS and plaintext producers on
// the same port.
package listener

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSniffTimeout bounds the wait for the first bytes and the TLS handshake.
const DefaultSniffTimeout = 10 * time.Second

// sniffLength is the size of a TLS record header.
const sniffLength = 5

// ErrTLSNotConfigured is returned when a client starts TLS on a plaintext-only listener.
var ErrTLSNotConfigured = errors.New("tls client on a plaintext listener")

// bufferedConn serves reads from the buffer that holds the sniffed bytes.
type bufferedConn struct {
	net.Conn
	io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.Reader.Read(b)
}

// SniffListener inspects the first bytes of each connection and terminates TLS when the
// client opens with a handshake record. Everything else is passed through as plaintext.
type SniffListener struct {
	net.Listener
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// NewSniffListener wraps listener. A nil tlsConfig refuses TLS clients.
func NewSniffListener(listener net.Listener, tlsConfig *tls.Config) *SniffListener {
	return &SniffListener{
		Listener:  listener,
		TLSConfig: tlsConfig,
		Timeout:   DefaultSniffTimeout,
	}
}

// Accept returns the next connection. Errors about a single client are returned too,
// wrap the listener in a ResilientListener to skip them.
func (l *SniffListener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection : %w", err)
	}

	reader := bufio.NewReader(raw)
	if err := raw.SetReadDeadline(time.Now().Add(l.Timeout)); err != nil {
		raw.Close()
		return nil, fmt.Errorf("setting sniff deadline : %w", err)
	}
	head, peekErr := reader.Peek(sniffLength)
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("clearing sniff deadline : %w", err)
	}
	if peekErr != nil {
		raw.Close()
		return nil, fmt.Errorf("sniffing initial bytes : %w", peekErr)
	}

	conn := &bufferedConn{Conn: raw, Reader: reader}
	if !isTLSHandshake(head) {
		return conn, nil
	}
	if l.TLSConfig == nil {
		raw.Close()
		return nil, fmt.Errorf("connection from %s : %w", raw.RemoteAddr(), ErrTLSNotConfigured)
	}

	tlsConn := tls.Server(conn, l.TLSConfig)
	if err := raw.SetDeadline(time.Now().Add(l.Timeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("setting handshake deadline : %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("performing tls handshake : %w", err)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clearing handshake deadline : %w", err)
	}
	return tlsConn, nil
}

// isTLSHandshake reports whether head is a TLS handshake record header. The record length
// must be non-zero, which keeps frame headers of small plaintext payloads from matching.
func isTLSHandshake(head []byte) bool {
	if len(head) < sniffLength {
		return false
	}
	recordLength := int(head[3])<<8 | int(head[4])
	return head[0] == 0x16 && head[1] == 0x03 && head[2] <= 0x04 && recordLength > 0
}

// ResilientListener keeps accepting when a single client fails. Only a closed listener
// ends Accept.
type ResilientListener struct {
	net.Listener
	logger zerolog.Logger
}

func NewResilientListener(listener net.Listener, logger zerolog.Logger) *ResilientListener {
	return &ResilientListener{Listener: listener, logger: logger}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			l.logger.Warn().Err(err).Msg("connection rejected")
			continue
		}
		return conn, nil
	}
}

// SelfSignedTLS returns a server configuration with a fresh self-signed certificate for
// hosts. Producers accept it without verification.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key : %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial : %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Snag Viewer"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate : %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
