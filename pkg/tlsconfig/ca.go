// Package tlsconfig manages an optional mTLS certificate authority used to
// secure worker/monitor/operator connections to the etcd store, and to hand
// out short-lived client certificates for each role.
package tlsconfig

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cuemby/vectorlink-task/pkg/kv"
)

// caStoreKey is the fixed key the CA's encrypted material lives under.
const caStoreKey = "security/ca"

// CA manages the root certificate authority for a queue's client certs.
type CA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	store    kv.Store
	certs    map[string]*CachedCert
	mu       sync.RWMutex
}

// CachedCert is a certificate this CA has issued this process's lifetime.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	clientCertValidity = 90 * 24 * time.Hour
	rootKeySize   = 4096
	clientKeySize = 2048
)

// NewCA builds a CA backed by the given store for persisting root material.
func NewCA(store kv.Store) *CA {
	return &CA{
		store: store,
		certs: make(map[string]*CachedCert),
	}
}

// Initialize generates a fresh, self-signed root certificate.
func (ca *CA) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("tlsconfig: generating root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("tlsconfig: generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"VectorLink Task Queue"},
			CommonName:   "VectorLink Task Queue Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("tlsconfig: creating root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("tlsconfig: parsing root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously saved root CA, decrypting it with masterKey.
func (ca *CA) LoadFromStore(ctx context.Context, masterKey []byte) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	resp, err := ca.store.Get(ctx, caStoreKey, kv.RangeOption{})
	if err != nil {
		return fmt.Errorf("tlsconfig: loading CA from store: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("tlsconfig: no CA stored under %q", caStoreKey)
	}

	var data caData
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return fmt.Errorf("tlsconfig: unmarshaling CA data: %w", err)
	}

	decryptedKey, err := Decrypt(masterKey, data.RootKeyDER)
	if err != nil {
		return fmt.Errorf("tlsconfig: decrypting root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(data.RootCertDER)
	if err != nil {
		return fmt.Errorf("tlsconfig: parsing root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("tlsconfig: parsing root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the root CA, encrypting the private key with masterKey.
func (ca *CA) SaveToStore(ctx context.Context, masterKey []byte) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("tlsconfig: CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(masterKey, rootKeyDER)
	if err != nil {
		return fmt.Errorf("tlsconfig: encrypting root key: %w", err)
	}

	data := caData{RootCertDER: ca.rootCert.Raw, RootKeyDER: encryptedKey}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("tlsconfig: marshaling CA data: %w", err)
	}

	if _, err := ca.store.Txn(ctx, nil, []kv.Op{kv.OpPut(caStoreKey, raw, 0)}, nil); err != nil {
		return fmt.Errorf("tlsconfig: saving CA to store: %w", err)
	}
	return nil
}

// IssueWorkerCertificate issues a client certificate a worker or monitor
// process can present to etcd for mTLS.
func (ca *CA) IssueWorkerCertificate(workerID string, dnsNames []string, ips []net.IP) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("worker-%s", workerID), dnsNames, ips, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth})
}

// IssueOperatorCertificate issues a client certificate for a CLI operator,
// e.g. resume-tool.
func (ca *CA) IssueOperatorCertificate(operatorID string) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("operator-%s", operatorID), nil, nil, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
}

func (ca *CA) issue(commonName string, dnsNames []string, ips []net.IP, usage []x509.ExtKeyUsage) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("tlsconfig: CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, clientKeySize)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"VectorLink Task Queue"}, CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(clientCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  usage,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: creating certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parsing certificate: %w", err)
	}

	ca.certs[commonName] = &CachedCert{Cert: cert, Key: key, IssuedAt: cert.NotBefore, ExpiresAt: cert.NotAfter}

	return &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: cert}, nil
}

// Verify checks a certificate against the root CA.
func (ca *CA) Verify(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("tlsconfig: CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("tlsconfig: certificate verification failed: %w", err)
	}
	return nil
}

// RootCertDER returns the root CA certificate in DER form.
func (ca *CA) RootCertDER() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// Initialized reports whether the CA holds root material.
func (ca *CA) Initialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}
