package trust

import (
	"fmt"
	"os"
	"path/filepath"
)

const bundleFile = "bundle.pem"

// wellKnownSystemBundles lists OS CA bundle paths this process tries, in
// order, when assembling the combined CA bundle (spec §4.3). None of the
// retrieved example repos read the OS trust store as raw PEM bytes (they
// either use the platform verifier or skip verification entirely), so this
// list is this implementation's own documented choice — see DESIGN.md.
var wellKnownSystemBundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",   // Debian/Ubuntu
	"/etc/pki/tls/certs/ca-bundle.crt",     // RHEL/Fedora/CentOS
	"/etc/ssl/cert.pem",                    // Alpine, macOS homebrew openssl
}

// WriteCombinedBundle assembles {root CA} ++ {public root bundle} under dir
// and returns its path, per spec §4.3 "combined CA bundle". pip-family
// clients that don't consult the OS trust store need this single file to
// trust both MITM'd registry hosts and the tunneled public web.
func WriteCombinedBundle(dir string, rootPEM []byte) (string, error) {
	path := filepath.Join(dir, bundleFile)

	systemPEM := readFirstReadable(wellKnownSystemBundles)
	if envPath := os.Getenv("SSL_CERT_FILE"); envPath != "" {
		if data, err := os.ReadFile(envPath); err == nil {
			systemPEM = data
		}
	}

	combined := make([]byte, 0, len(rootPEM)+len(systemPEM)+1)
	combined = append(combined, rootPEM...)
	if len(systemPEM) > 0 {
		if len(combined) > 0 && combined[len(combined)-1] != '\n' {
			combined = append(combined, '\n')
		}
		combined = append(combined, systemPEM...)
	}

	if err := os.WriteFile(path, combined, 0o600); err != nil {
		return "", fmt.Errorf("write combined ca bundle: %w", err)
	}
	return path, nil
}

func readFirstReadable(paths []string) []byte {
	for _, p := range paths {
		if data, err := os.ReadFile(p); err == nil {
			return data
		}
	}
	return nil
}
