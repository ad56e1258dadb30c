// Package cert generates and loads the self-signed device certificate used
// for transport security and trust-on-first-use pairing. A device is
// identified by the pair (device id, certificate fingerprint); there is no
// certificate authority.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Validity of a generated device certificate. Certificates are pinned by
// fingerprint, not validated by expiry, so this is deliberately long.
const validity = 10 * 365 * 24 * time.Hour

const (
	certFile = "device_cert.pem"
	keyFile  = "device_key.pem"
)

// Info bundles the local certificate in the forms the engine needs:
// ready for tls.Config, as PEM for storage, and as a pinned fingerprint.
type Info struct {
	TLS         tls.Certificate
	LeafPEM     []byte
	Fingerprint string
}

// Generate creates a fresh self-signed ECDSA P-256 certificate with the
// device id as common name.
func Generate(deviceID string) (*Info, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"lanlink"},
			OrganizationalUnit: []string{"lanlink device"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("cert: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cert: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return fromPEM(certPEM, keyPEM)
}

// LoadOrGenerate loads the device certificate from dir, generating and
// persisting a new one on first run.
func LoadOrGenerate(dir, deviceID string) (*Info, error) {
	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return fromPEM(certPEM, keyPEM)
	}
	if certErr != nil && !os.IsNotExist(certErr) {
		return nil, fmt.Errorf("cert: reading %s: %w", certPath, certErr)
	}
	if keyErr != nil && !os.IsNotExist(keyErr) {
		return nil, fmt.Errorf("cert: reading %s: %w", keyPath, keyErr)
	}

	info, err := Generate(deviceID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cert: create %s: %w", dir, err)
	}
	if err := os.WriteFile(certPath, info.LeafPEM, 0o600); err != nil {
		return nil, fmt.Errorf("cert: persist certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(info.TLS.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("cert: marshal key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("cert: persist key: %w", err)
	}

	return info, nil
}

func fromPEM(certPEM, keyPEM []byte) (*Info, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("cert: parse key pair: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("cert: no CERTIFICATE block in PEM data")
	}

	return &Info{
		TLS:         pair,
		LeafPEM:     pem.EncodeToMemory(block),
		Fingerprint: Fingerprint(block.Bytes),
	}, nil
}

// Fingerprint returns the SHA-256 digest of a DER certificate as
// colon-separated hex byte pairs (aa:bb:...), the form shown to users
// during pairing verification.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// EncodePEM wraps a DER certificate in a PEM CERTIFICATE block.
func EncodePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// FingerprintPEM returns the fingerprint of the first CERTIFICATE block in
// pemData, or an error if none is present.
func FingerprintPEM(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("cert: no CERTIFICATE block in PEM data")
	}
	return Fingerprint(block.Bytes), nil
}
