// Package certutil generates and loads the TLS certificates used by the
// QUIC engine.
package certutil

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
	"net"
	"os"
	"time"
)

// CertOptions configures certificate generation.
type CertOptions struct {
	// CommonName is the CN field (required).
	CommonName string

	// Organization for the certificate subject.
	Organization string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration

	// DNSNames are additional DNS SANs.
	DNSNames []string

	// IPAddresses are IP SANs.
	IPAddresses []net.IP
}

// DefaultPeerOptions returns options for a self-signed peer certificate
// usable on both the dialing and listening side.
func DefaultPeerOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:   commonName,
		Organization: "Tern",
		ValidFor:     90 * 24 * time.Hour,
		DNSNames:     []string{commonName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
}

// GeneratedCert contains a certificate together with its private key.
type GeneratedCert struct {
	// Certificate is the parsed X.509 certificate.
	Certificate *x509.Certificate

	// PrivateKey is the ECDSA private key.
	PrivateKey *ecdsa.PrivateKey

	// CertPEM is the PEM-encoded certificate.
	CertPEM []byte

	// KeyPEM is the PEM-encoded private key.
	KeyPEM []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	return Fingerprint(gc.Certificate)
}

// TLSCertificate returns a tls.Certificate from the generated cert.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// GenerateCert generates a self-signed peer certificate with the given
// options.
func GenerateCert(opts CertOptions) (*GeneratedCert, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// GeneratePeerCert generates a self-signed certificate with default peer
// options. A zero validFor keeps the default validity.
func GeneratePeerCert(commonName string, validFor time.Duration) (*GeneratedCert, error) {
	opts := DefaultPeerOptions(commonName)
	if validFor > 0 {
		opts.ValidFor = validFor
	}
	return GenerateCert(opts)
}

// LoadCert loads a certificate and key pair from files.
func LoadCert(certPath, keyPath string) (*GeneratedCert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseCert(certPEM, keyPEM)
}

// ParseCert parses PEM-encoded certificate and key data.
func ParseCert(certPEM, keyPEM []byte) (*GeneratedCert, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// Fingerprint returns the SHA256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyFingerprint checks a certificate against an expected fingerprint.
func VerifyFingerprint(cert *x509.Certificate, expected string) bool {
	return Fingerprint(cert) == expected
}

// CreateCertPool builds a certificate pool from PEM data.
func CreateCertPool(certPEMs ...[]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, certPEM := range certPEMs {
		if !pool.AppendCertsFromPEM(certPEM) {
			return nil, fmt.Errorf("failed to parse certificate")
		}
	}
	return pool, nil
}
