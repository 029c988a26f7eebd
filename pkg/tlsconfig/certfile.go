package tlsconfig

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// rotationThreshold is how far out from expiry CertNeedsRotation starts
// reporting true.
const rotationThreshold = 30 * 24 * time.Hour

const defaultCertDir = ".vectorlink-task/certs"

// CertDir returns the on-disk cert directory for a given role/id pair, e.g.
// role "worker", id "indexer-3".
func CertDir(role, id string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tlsconfig: getting home directory: %w", err)
	}
	return filepath.Join(home, defaultCertDir, fmt.Sprintf("%s-%s", role, id)), nil
}

// SaveCertToFile writes a certificate and its RSA private key under dir.
func SaveCertToFile(cert *tls.Certificate, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("tlsconfig: creating cert directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(filepath.Join(dir, "client.crt"), certPEM, 0600); err != nil {
		return fmt.Errorf("tlsconfig: writing certificate: %w", err)
	}

	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("tlsconfig: private key is not RSA")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(dir, "client.key"), keyPEM, 0600); err != nil {
		return fmt.Errorf("tlsconfig: writing private key: %w", err)
	}
	return nil
}

// LoadCertFromFile reads a certificate and key previously saved by SaveCertToFile.
func LoadCertFromFile(dir string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"))
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading certificate: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: parsing certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// SaveCACertToFile writes the root CA certificate (DER) to dir/ca.crt.
func SaveCACertToFile(caCertDER []byte, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("tlsconfig: creating cert directory: %w", err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCertDER})
	if err := os.WriteFile(filepath.Join(dir, "ca.crt"), caPEM, 0644); err != nil {
		return fmt.Errorf("tlsconfig: writing CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile reads the root CA certificate written by SaveCACertToFile.
func LoadCACertFromFile(dir string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: reading CA certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("tlsconfig: decoding CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parsing CA certificate: %w", err)
	}
	return cert, nil
}

// CertExists reports whether a client cert, key and CA cert are all present.
func CertExists(dir string) bool {
	for _, name := range []string{"client.crt", "client.key", "ca.crt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation reports true once less than rotationThreshold remains
// before cert expires.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < rotationThreshold
}

// ValidateCertChain verifies cert was signed by ca.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("tlsconfig: certificate verification failed: %w", err)
	}
	return nil
}

// RemoveCerts deletes dir and every file under it.
func RemoveCerts(dir string) error {
	return os.RemoveAll(dir)
}

// ClientTLSConfig builds a *tls.Config suitable for clientv3.Config.TLS from
// a previously saved worker/operator certificate directory.
func ClientTLSConfig(dir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(dir)
	if err != nil {
		return nil, err
	}
	caCert, err := LoadCACertFromFile(dir)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
	}, nil
}
