package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	rsaKeyBits = 2048

	// CertificateBackdate tolerates clock skew between peers.
	CertificateBackdate = 24 * time.Hour
	// CertificateLifetime bounds how long a generated certificate stays valid.
	CertificateLifetime = 30 * 24 * time.Hour

	defaultCommonName = "gowarp"
)

// ErrNoCertificate means a PEM input held no certificate block.
var ErrNoCertificate = errors.New("crypto: no certificate in PEM data")

// Certificate is the local self-signed identity presented by the TLS server.
type Certificate struct {
	CertPEM []byte
	KeyPEM  []byte
	Leaf    *x509.Certificate
}

// TLSCertificate converts c for use in tls.Config.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	pair, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load TLS key pair: %w", err)
	}
	pair.Leaf = c.Leaf
	return pair, nil
}

// NeedsRenewal reports whether the certificate is expired at now or is bound to another IP.
func (c *Certificate) NeedsRenewal(ip net.IP, now time.Time) bool {
	if c == nil || c.Leaf == nil {
		return true
	}
	if now.After(c.Leaf.NotAfter) || now.Before(c.Leaf.NotBefore) {
		return true
	}
	if ip == nil {
		return false
	}
	for _, san := range c.Leaf.IPAddresses {
		if san.Equal(ip) {
			return false
		}
	}
	return true
}

// EnsureCertificate loads the local certificate from disk, regenerating it when missing,
// expired, or bound to an IP other than ip.
func EnsureCertificate(certPath, keyPath, hostname string, ip net.IP) (*Certificate, error) {
	return ensureCertificate(certPath, keyPath, hostname, ip, time.Now())
}

func ensureCertificate(certPath, keyPath, hostname string, ip net.IP, now time.Time) (*Certificate, error) {
	// Missing, unreadable and stale pairs are all replaced.
	cert, err := LoadCertificate(certPath, keyPath)
	if err == nil && !cert.NeedsRenewal(ip, now) {
		return cert, nil
	}

	cert, err = GenerateCertificate(hostname, ip, now)
	if err != nil {
		return nil, err
	}
	if err := SaveCertificate(certPath, keyPath, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// GenerateCertificate creates an RSA 2048 self-signed certificate whose SAN is ip.
func GenerateCertificate(hostname string, ip net.IP, now time.Time) (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	commonName := SanitizeCommonName(hostname)
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixMilli()),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		Issuer: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now.Add(-CertificateBackdate),
		NotAfter:              now.Add(CertificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &Certificate{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER}),
		Leaf:    leaf,
	}, nil
}

// LoadCertificate reads a certificate and key PEM pair.
func LoadCertificate(certPath, keyPath string) (*Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("verify key pair: %w", err)
	}

	return &Certificate{CertPEM: certPEM, KeyPEM: keyPEM, Leaf: leaf}, nil
}

// SaveCertificate writes the pair, the key with 0600 permissions.
func SaveCertificate(certPath, keyPath string, cert *Certificate) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, cert.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, cert.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// ParseCertificatePEM returns the first certificate found in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type != certificatePEMType {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, nil
	}
}

// SanitizeCommonName keeps only letters and digits of hostname.
func SanitizeCommonName(hostname string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, hostname)
	if cleaned == "" {
		return defaultCommonName
	}
	return cleaned
}

// Fingerprint returns the SHA-256 hex fingerprint of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// SameCertificate compares two PEM encodings by their DER contents.
func SameCertificate(a, b []byte) bool {
	ca, errA := ParseCertificatePEM(a)
	cb, errB := ParseCertificatePEM(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca.Raw, cb.Raw)
}
