package capture

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/martian/mitm"
)

const (
	certFile = "snag_cert.pem"
	keyFile  = "snag_key.pem"

	authorityValidity = 365 * 24 * time.Hour
)

// LoadOrCreateAuthority loads the interception CA from dir, creating and saving a new
// one when none exists or the stored one has expired.
func LoadOrCreateAuthority(dir string) (*x509.Certificate, any, error) {
	cert, key, err := loadCertAndKey(dir)
	if err == nil && time.Now().Before(cert.NotAfter) {
		return cert, key, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	cert, key, err = mitm.NewAuthority("Snag", "Snag Authority", authorityValidity)
	if err != nil {
		return nil, nil, fmt.Errorf("creating new mitm authority : %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating authority dir %s : %w", dir, err)
	}
	if err := saveCertAndKey(cert, key, dir); err != nil {
		return nil, nil, fmt.Errorf("saving cert and key to disk : %w", err)
	}
	return cert, key, nil
}

// SPKIHash returns the base64 SHA-256 of the certificate's public key, the form used for pinning.
func SPKIHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func saveCertAndKey(cert *x509.Certificate, key any, dir string) error {
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshalling private key : %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("writing cert file : %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing key file : %w", err)
	}
	return nil
}

func loadCertAndKey(dir string) (*x509.Certificate, any, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading cert file : %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("decoding cert PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate : %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading key file : %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, errors.New("decoding key PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key : %w", err)
	}
	return cert, key, nil
}
