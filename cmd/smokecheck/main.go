package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/safe-chain/proxy/internal/audit"
	"github.com/safe-chain/proxy/internal/classify"
	"github.com/safe-chain/proxy/internal/config"
	"github.com/safe-chain/proxy/internal/imds"
	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/interceptor/npm"
	"github.com/safe-chain/proxy/internal/oracle"
	"github.com/safe-chain/proxy/internal/proxy"
	"github.com/safe-chain/proxy/internal/trust"
)

// smokecheck exercises the full MITM interception path end-to-end, against
// a fake npm registry and a fake oracle, without touching the real
// registry or malware database. It exits non-zero on any mismatch between
// expected and observed proxy behavior.
func main() {
	logFile := flag.String("log-file", "logs/smoke.jsonl", "path to write JSONL audit output")
	addr := flag.String("addr", "127.0.0.1:18080", "listen address for the probe proxy")
	flag.Parse()

	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("failed creating logs dir: %v", err)
	}
	if err := os.RemoveAll(*logFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to clean log file: %v", err)
	}

	registryUpstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Smoke", "registry")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("tarball-bytes"))
	}))
	defer registryUpstream.Close()
	registryHost := mustHostname(registryUpstream.URL)

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Name string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		verdict := "safe"
		if req.Name == "evil-pkg" {
			verdict = "malicious"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"verdict": verdict})
	}))
	defer oracleSrv.Close()

	trustDir, err := os.MkdirTemp("", "safe-chain-smoke-trust")
	if err != nil {
		log.Fatalf("failed to create trust dir: %v", err)
	}
	defer os.RemoveAll(trustDir)

	trustMgr, err := trust.NewManager(trustDir)
	if err != nil {
		log.Fatalf("failed to initialise trust manager: %v", err)
	}

	classifier := classify.NewClassifier([]string{registryHost}, nil)
	registry := interceptor.NewRegistry([]interceptor.Interceptor{npm.New(registryHost)})
	oracleClient := oracle.NewClient(oracleSrv.URL, 2*time.Second)

	registryTrust := x509.NewCertPool()
	registryTrust.AddCert(registryUpstream.Certificate())

	cfg := config.Config{
		Addr:         *addr,
		LogFile:      *logFile,
		AllowHosts:   []string{"*"},
		ExcerptLimit: 4096,
	}

	logger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	server, err := proxy.NewServer(cfg, proxy.Deps{
		Classifier:  classifier,
		Registry:    registry,
		Trust:       trustMgr,
		Oracle:      oracleClient,
		IMDSPolicy:  imds.NewPolicy(0, 0),
		Logger:      logger,
		UpstreamTLS: &tls.Config{RootCAs: registryTrust},
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	time.Sleep(150 * time.Millisecond)

	proxyURL, _ := url.Parse("http://" + cfg.Addr)
	client := &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{RootCAs: trustMgr.Pool()},
	}}

	checkStatus(client, registryUpstream.URL+"/left-pad/-/left-pad-1.3.0.tgz", http.StatusOK, "clean npm tarball should forward")
	checkStatus(client, registryUpstream.URL+"/evil-pkg/-/evil-pkg-6.6.6.tgz", http.StatusForbidden, "malicious npm tarball should block")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		log.Fatalf("server did not confirm shutdown")
	}

	fmt.Println("smokecheck passed")
}

func checkStatus(client *http.Client, target string, want int, label string) {
	resp, err := client.Get(target)
	if err != nil {
		log.Fatalf("%s: request failed: %v", label, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		log.Fatalf("%s: expected status %d, got %d", label, want, resp.StatusCode)
	}
}

func mustHostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		log.Fatalf("parse url %q: %v", rawURL, err)
	}
	return u.Hostname()
}
