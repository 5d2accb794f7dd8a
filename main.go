package main

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"printd/internal/config"
	"printd/internal/dnssd"
	"printd/internal/jobs"
	"printd/internal/logging"
	"printd/internal/notify"
	"printd/internal/registry"
	"printd/internal/scheduler"
	"printd/internal/server"
	"printd/internal/spool"
	"printd/internal/store"
	"printd/internal/tlsutil"
)

func main() {
	cfg := config.Load()
	logm := logging.New(cfg.LogLevel, cfg.ErrorLogPath, cfg.AccessLogPath, cfg.PageLogPath, cfg.MaxLogSize)
	log.SetOutput(logm.ErrorWriter())

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.DBPath), cfg.ConfDir, cfg.StateDir, cfg.CacheDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()
	if err := db.EnsureAdminUser(ctx); err != nil {
		log.Fatalf("failed to ensure admin user: %v", err)
	}

	sp := spool.Spool{Dir: cfg.SpoolDir}
	if err := sp.Ensure(); err != nil {
		log.Fatalf("failed to ensure spool dir: %v", err)
	}

	js := jobs.NewStore()
	reg := registry.New()
	bus := notify.NewBus()

	dests, defaultDest, err := db.LoadPrinters(ctx)
	if err != nil {
		log.Fatalf("failed to load printers: %v", err)
	}
	for _, d := range dests {
		if err := reg.Add(d); err != nil {
			logm.Warnf("skipping saved destination %q: %v", d.Name, err)
		}
	}
	if strings.TrimSpace(defaultDest) != "" {
		if err := reg.SetDefault(defaultDest); err != nil {
			logm.Warnf("restoring default destination: %v", err)
		}
	}

	saved, nextID, err := db.LoadJobs(ctx)
	if err != nil {
		log.Fatalf("failed to load jobs: %v", err)
	}
	for _, j := range saved {
		js.Restore(j)
		if j.State.Terminal() && !j.CompletedAt.IsZero() {
			js.RecordUsage(j.Dest, j.Username, j.KOctets, j.Impressions, j.CompletedAt)
		}
	}
	js.SetNextID(nextID)
	if err := db.LoadSubscriptions(ctx, bus); err != nil {
		log.Fatalf("failed to load subscriptions: %v", err)
	}

	js.OnDirty = db.MarkDirty
	reg.OnDirty = db.MarkDirty
	bus.OnDirty = db.MarkDirty

	eng := config.LoadPolicy(cfg)
	srv := server.New(&cfg, eng, js, reg, bus, sp, logm, db)

	sched := &scheduler.Scheduler{
		Config:   &cfg,
		Jobs:     js,
		Reg:      reg,
		Bus:      bus,
		Spool:    sp,
		Log:      logm,
		DB:       db,
		Interval: 2 * time.Second,
	}
	sched.Start(ctx)

	if cfg.Browsing {
		adv, err := dnssd.Start(ctx, &cfg, reg)
		if err != nil {
			logm.Warnf("failed to start DNS-SD advertiser: %v", err)
		} else {
			srv.OnDestChange = adv.Refresh
			defer adv.Close()
		}
	}

	handler := srv.Handler()
	newServer := func(addr string) *http.Server {
		return &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		hostname, _ := os.Hostname()
		hosts := append([]string{"localhost", cfg.ServerName, hostname}, cfg.ServerAlias...)
		// mDNS clients connect with ".local" names; cover the bare
		// hostname variants in the self-signed SANs.
		if strings.TrimSpace(cfg.ServerName) != "" && !strings.Contains(cfg.ServerName, ".") {
			hosts = append(hosts, cfg.ServerName+".local")
		}
		if strings.TrimSpace(hostname) != "" && !strings.Contains(hostname, ".") {
			hosts = append(hosts, hostname+".local")
		}
		if strings.TrimSpace(cfg.DNSSDHostName) != "" {
			hosts = append(hosts, strings.TrimSuffix(cfg.DNSSDHostName, "."))
		}
		cert, err := tlsutil.EnsureCertificate(cfg.TLSCertPath, cfg.TLSKeyPath, uniqueHosts(hosts), cfg.TLSAutoGenerate)
		if err != nil {
			log.Fatalf("failed to load TLS certificate: %v", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var servers []*http.Server
	var listeners []net.Listener
	startServe := func(addr string, ln net.Listener, label string) {
		hs := newServer(addr)
		servers = append(servers, hs)
		listeners = append(listeners, ln)
		go func() {
			logm.Infof("printd %s listening on %s", label, addr)
			if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Fatalf("listen error: %v", err)
			}
		}()
	}

	listenHTTP := cfg.ListenHTTP
	if cfg.TLSOnly {
		listenHTTP = nil
	}
	for _, addr := range listenHTTP {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("listen error on %s: %v", addr, err)
		}
		startServe(addr, ln, "HTTP")
	}
	if cfg.TLSEnabled {
		for _, addr := range cfg.ListenHTTPS {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("listen error on %s: %v", addr, err)
			}
			startServe(addr, tls.NewListener(ln, tlsConfig), "HTTPS")
		}
	} else if len(cfg.ListenHTTPS) > 0 {
		logm.Warnf("TLS disabled; skipping HTTPS listeners: %v", cfg.ListenHTTPS)
	}
	if len(servers) == 0 {
		log.Fatalf("no listeners configured")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, hs := range servers {
		_ = hs.Shutdown(shutdownCtx)
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	sched.Stop()
	sched.Sweep(shutdownCtx, time.Now())
}

func uniqueHosts(hosts []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = stripPort(host)
		host = strings.TrimSuffix(host, ".")
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	return out
}

func stripPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return strings.Trim(h, "[]")
		}
		return strings.Trim(host, "[]")
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
