// Package trust implements the proxy's certificate authority: a persisted
// root CA that is generated on first start and loaded on subsequent starts,
// and an in-memory cache of per-host leaf certificates minted on demand
// (spec §4.3).
package trust

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultLeafTTL bounds how long a minted leaf is served from cache before
// Manager re-mints it. It must stay below leafValidity (issuer.go) so a
// cached leaf is always re-minted well before its NotAfter, never served
// expired.
const defaultLeafTTL = 6 * time.Hour

// cachedLeaf pairs a minted certificate with the deadline until which it may
// still be served from cache.
type cachedLeaf struct {
	cert    *tls.Certificate
	expires time.Time
}

// Manager coordinates MITM trust material: the root CA, its certificate
// pool, the leaf issuer, and the combined bundle used by clients that don't
// read the OS trust store.
type Manager struct {
	cert       *tls.Certificate
	caPool     *x509.CertPool
	issuer     *Issuer
	dir        string
	bundlePath string
	leafTTL    time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	cache   map[string]cachedLeaf
	minting singleflight.Group
}

// NewManager loads (or generates, on first start) the root CA under dir and
// prepares the leaf issuer and certificate pool.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("trust directory must not be empty")
	}

	cert, err := LoadOrCreateCA(dir)
	if err != nil {
		return nil, err
	}

	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(rootPEM); !ok {
		return nil, fmt.Errorf("failed to append root ca to pool")
	}

	issuer, err := NewIssuer(cert)
	if err != nil {
		return nil, err
	}

	bundlePath, err := WriteCombinedBundle(dir, rootPEM)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cert:       cert,
		caPool:     pool,
		issuer:     issuer,
		dir:        dir,
		bundlePath: bundlePath,
		leafTTL:    defaultLeafTTL,
		now:        time.Now,
		cache:      make(map[string]cachedLeaf),
	}, nil
}

// CACertPath returns the on-disk path of the root CA certificate.
func (m *Manager) CACertPath() string {
	return filepath.Join(m.dir, caCertFile)
}

// CombinedBundlePath returns the on-disk path of the combined CA bundle
// (root CA ++ system root bundle), per spec §4.3/§6.
func (m *Manager) CombinedBundlePath() string {
	return m.bundlePath
}

// Certificate exposes the root CA certificate+key pair.
func (m *Manager) Certificate() *tls.Certificate {
	return m.cert
}

// Pool returns a CertPool trusting only the proxy's own root CA.
func (m *Manager) Pool() *x509.CertPool {
	return m.caPool
}

// LeafForHost returns a cached leaf certificate for host, minting one on
// first use and re-minting once the cached leaf's TTL has elapsed.
// Concurrent callers requesting the same host coalesce into a single mint
// via singleflight, satisfying the "at-most-one leaf per host" invariant
// from spec §4.3/§8.
func (m *Manager) LeafForHost(host string) (*tls.Certificate, error) {
	if m == nil {
		return nil, fmt.Errorf("trust manager not initialised")
	}
	key := strings.ToLower(host)

	m.mu.RLock()
	if entry, ok := m.cache[key]; ok && m.now().Before(entry.expires) {
		m.mu.RUnlock()
		return entry.cert, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.minting.Do(key, func() (any, error) {
		// Re-check under the single-flight key: another goroutine may have
		// finished minting between our RUnlock above and entering Do.
		m.mu.RLock()
		if entry, ok := m.cache[key]; ok && m.now().Before(entry.expires) {
			m.mu.RUnlock()
			return entry.cert, nil
		}
		m.mu.RUnlock()

		leaf, issueErr := m.issuer.IssueCertificate(key)
		if issueErr != nil {
			return nil, issueErr
		}

		m.mu.Lock()
		m.cache[key] = cachedLeaf{cert: leaf, expires: m.now().Add(m.leafTTL)}
		m.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// LeafCount reports how many distinct hosts have a cached leaf, used by
// tests asserting at-most-once minting.
func (m *Manager) LeafCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
