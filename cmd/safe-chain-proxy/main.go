package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/safe-chain/proxy/internal/audit"
	"github.com/safe-chain/proxy/internal/classify"
	"github.com/safe-chain/proxy/internal/config"
	"github.com/safe-chain/proxy/internal/imds"
	"github.com/safe-chain/proxy/internal/interceptorset"
	"github.com/safe-chain/proxy/internal/logging"
	"github.com/safe-chain/proxy/internal/oracle"
	"github.com/safe-chain/proxy/internal/proxy"
	"github.com/safe-chain/proxy/internal/state"
	"github.com/safe-chain/proxy/internal/trust"
)

func main() {
	var (
		configPath   string
		validateOnly bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML/JSON configuration file")
	flag.BoolVar(&validateOnly, "validate-config", false, "loads configuration and exits after validation")
	cfg := config.MustParseFlags(flag.CommandLine, os.Args[1:])
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		cfg = config.Merge(cfg, fileCfg)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid merged config: %v", err)
		}
	}

	if validateOnly {
		fmt.Println("configuration validated successfully")
		return
	}

	opsLog, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	defer opsLog.Sync() //nolint:errcheck

	auditLogger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to create audit log writer: %v", err)
	}
	defer func() {
		if cerr := auditLogger.Close(); cerr != nil {
			opsLog.Sugar().Warnf("failed to close audit logger: %v", cerr)
		}
	}()

	trustMgr, err := trust.NewManager(cfg.TrustDir)
	if err != nil {
		log.Fatalf("failed to initialise trust manager: %v", err)
	}

	classifier := classify.NewClassifier(cfg.NPMCustomRegistries, cfg.PyPICustomRegistries)

	registry, err := interceptorset.Build(interceptorset.Config{
		NPMCustomRegistries:  cfg.NPMCustomRegistries,
		PyPICustomRegistries: cfg.PyPICustomRegistries,
		NPMMinimumAge:        cfg.MinPackageAgeHours,
		NPMMinimumAgeExclude: cfg.MinPackageAgeExclusions,
		Names:                cfg.Interceptors,
	})
	if err != nil {
		log.Fatalf("failed to build interceptor registry: %v", err)
	}

	oracleClient := oracle.NewClient(cfg.OracleURL, time.Duration(cfg.ScanTimeoutMS)*time.Millisecond)

	imdsPolicy := imds.NewPolicy(
		time.Duration(cfg.IMDSTimeoutMS)*time.Millisecond,
		time.Duration(cfg.NonIMDSTimeoutMS)*time.Millisecond,
	)

	srv, err := proxy.NewServer(cfg, proxy.Deps{
		Classifier: classifier,
		Registry:   registry,
		Trust:      trustMgr,
		Oracle:     oracleClient,
		IMDSPolicy: imdsPolicy,
		Logger:     auditLogger,
		OpsLog:     opsLog,
	})
	if err != nil {
		log.Fatalf("failed to configure proxy server: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	port, err := portFromAddr(cfg.Addr)
	if err != nil {
		log.Fatalf("failed to determine listen port: %v", err)
	}
	ecosystems := "npm,pypi"
	if len(registry.Enabled()) > 0 {
		ecosystems = joinNames(registry.Enabled())
	}
	rec := state.NewRecord(port, ecosystems, trustMgr.CACertPath())
	if err := state.Save(cfg.StatePath, rec); err != nil {
		opsLog.Sugar().Warnf("failed to persist proxy state record: %v", err)
	}
	defer func() {
		if err := state.Delete(cfg.StatePath); err != nil {
			opsLog.Sugar().Warnf("failed to remove proxy state record: %v", err)
		}
	}()

	fmt.Printf("export HTTPS_PROXY=%s\n", rec.URL)
	fmt.Printf("export HTTP_PROXY=%s\n", rec.URL)
	fmt.Printf("export SSL_CERT_FILE=%s\n", trustMgr.CombinedBundlePath())
	fmt.Printf("export NODE_EXTRA_CA_CERTS=%s\n", trustMgr.CACertPath())
	fmt.Printf("export REQUESTS_CA_BUNDLE=%s\n", trustMgr.CombinedBundlePath())
	fmt.Printf("export PIP_CERT=%s\n", trustMgr.CombinedBundlePath())

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			opsLog.Sugar().Warnf("graceful shutdown failed: %v", err)
		}
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("proxy server terminated: %v", err)
		}
		return
	}

	if err := <-serverErr; err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "proxy server exited with error: %v\n", err)
	}
}

func portFromAddr(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return port, nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
