package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Validity is how long generated certificates remain valid.
const Validity = 10 * 365 * 24 * time.Hour

// commonName is the subject of generated certificates.
const commonName = "cd11connman admin"

// SaveError is returned with a usable in-memory certificate when the
// generated pair could not be written to disk.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// LoadOrGenerate returns the key pair stored at certPath and keyPath. When
// either file is missing, a self-signed pair covering hosts is generated and
// written there.
func LoadOrGenerate(certPath, keyPath string, hosts []string) (tls.Certificate, error) {
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		switch {
		case err == nil:
			return cert, nil
		case !errors.Is(err, fs.ErrNotExist):
			return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
		}
	}
	return GenerateSelfSigned(certPath, keyPath, hosts)
}

// GenerateSelfSigned creates an ECDSA P-256 certificate whose subject
// alternative names are hosts. The pair is saved when both paths are set.
func GenerateSelfSigned(certPath, keyPath string, hosts []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	tmpl, err := newTemplate(hosts, time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse key pair: %w", err)
	}

	if certPath == "" || keyPath == "" {
		return cert, nil
	}
	if err := save(certPath, certPEM, 0644); err != nil {
		return cert, err
	}
	if err := save(keyPath, keyPEM, 0600); err != nil {
		return cert, err
	}
	return cert, nil
}

func newTemplate(hosts []string, now time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return tmpl, nil
}

func save(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}
