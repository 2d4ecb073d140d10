package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RootCommonName is the fixed CN of the root CA; every minted leaf names it
// as its issuer, per spec §4.3 and the §8 issuer invariant.
const RootCommonName = "Safe-Chain Proxy CA"

// rootValidity is the root CA's validity window: "a long validity window
// (years)" per spec §4.3.
const rootValidity = 10 * 365 * 24 * time.Hour

// caCertFile and caKeyFile are the canonical on-disk names for the root CA material,
// written with owner-only permissions under a per-user directory (spec §6
// "On-disk layout").
const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca.key"
)

// LoadOrCreateCA loads the root CA key/certificate from dir, generating and
// persisting a fresh pair on first start, per spec §4.3 "On first start:
// generate ... Subsequent starts load them."
func LoadOrCreateCA(dir string) (*tls.Certificate, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		if cert.Leaf == nil {
			leaf, parseErr := x509.ParseCertificate(cert.Certificate[0])
			if parseErr != nil {
				return nil, fmt.Errorf("parsing existing root certificate: %w", parseErr)
			}
			cert.Leaf = leaf
		}
		return &cert, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading existing root CA: %w", err)
	}

	if genErr := generateCA(dir, certPath, keyPath); genErr != nil {
		return nil, fmt.Errorf("generating root CA: %w", genErr)
	}

	cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading freshly generated root CA: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing freshly generated root certificate: %w", err)
	}
	cert.Leaf = leaf
	return &cert, nil
}

func generateCA(dir, certPath, keyPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create trust directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			CommonName:   RootCommonName,
			Organization: []string{"Safe-Chain"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("write cert pem: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return fmt.Errorf("write key pem: %w", err)
	}

	return nil
}
