package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// leafValidity is the lifetime of a minted leaf certificate. Spec §4.3
// requires the window be clamped to <= 398 days. It must stay comfortably
// above Manager's leaf cache TTL (defaultLeafTTL in manager.go) so a cached
// leaf never outlives its own NotAfter between re-mints.
const leafValidity = 24 * time.Hour

// maxLeafValidity is the hard ceiling spec §4.3 allows for a minted leaf.
const maxLeafValidity = 398 * 24 * time.Hour

// Issuer mints per-host leaf certificates signed by the configured root CA.
// It holds no cache of its own; Manager is responsible for reuse and
// single-flight coalescing (spec §4.3, §5).
type Issuer struct {
	root *tls.Certificate
}

// NewIssuer derives an issuer from the root certificate used for MITM.
func NewIssuer(root *tls.Certificate) (*Issuer, error) {
	if root == nil {
		return nil, fmt.Errorf("issuer requires root certificate")
	}
	if root.PrivateKey == nil {
		return nil, fmt.Errorf("root certificate is missing private key")
	}
	if root.Leaf == nil {
		cert, err := x509.ParseCertificate(root.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing root certificate: %w", err)
		}
		root.Leaf = cert
	}
	return &Issuer{root: root}, nil
}

// IssueCertificate mints a fresh certificate for the provided host. Subject
// CN is the host itself and the SAN list contains exactly that host (or its
// IP, if host parses as one), per spec §4.3 and the §8 SAN/issuer invariant.
func (i *Issuer) IssueCertificate(host string) (*tls.Certificate, error) {
	if i == nil {
		return nil, fmt.Errorf("issuer not initialised")
	}
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}

	validFor := leafValidity
	if validFor > maxLeafValidity {
		validFor = maxLeafValidity
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, i.root.Leaf, &privKey.PublicKey, i.root.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{derBytes, i.root.Certificate[0]},
		PrivateKey:  privKey,
	}
	if leaf, err := x509.ParseCertificate(derBytes); err == nil {
		cert.Leaf = leaf
	}
	return cert, nil
}

func randomSerial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
