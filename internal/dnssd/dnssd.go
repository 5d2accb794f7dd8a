// Package dnssd broadcasts shared queues over mDNS so clients can find
// them with zero configuration. Advertising is best effort and never
// blocks the daemon.
package dnssd

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	"printd/internal/config"
	"printd/internal/registry"
)

// Advertiser answers mDNS queries for the destinations currently marked
// shared in the registry.
type Advertiser struct {
	cfg    *config.Config
	reg    *registry.Registry
	zone   *zone
	server *mdns.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// zone is a swappable mdns.Zone; refresh replaces the service set
// wholesale so deletes deregister automatically.
type zone struct {
	mu       sync.RWMutex
	services []*mdns.MDNSService
}

func (z *zone) SetServices(services []*mdns.MDNSService) {
	z.mu.Lock()
	z.services = services
	z.mu.Unlock()
}

func (z *zone) Records(q dns.Question) []dns.RR {
	z.mu.RLock()
	services := append([]*mdns.MDNSService(nil), z.services...)
	z.mu.RUnlock()

	var out []dns.RR
	for _, svc := range services {
		if svc != nil {
			out = append(out, svc.Records(q)...)
		}
	}
	return out
}

// Start begins advertising. It returns (nil, nil) when browsing is
// disabled in the configuration.
func Start(ctx context.Context, cfg *config.Config, reg *registry.Registry) (*Advertiser, error) {
	if cfg == nil || reg == nil || !cfg.Browsing {
		return nil, nil
	}
	z := &zone{}
	server, err := mdns.NewServer(&mdns.Config{Zone: z})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	adv := &Advertiser{cfg: cfg, reg: reg, zone: z, server: server, cancel: cancel}
	adv.wg.Add(1)
	go adv.loop(runCtx)
	return adv, nil
}

// Close stops advertising and withdraws all records.
func (a *Advertiser) Close() {
	if a == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	_ = a.server.Shutdown()
}

// Refresh rebuilds the advertised service set immediately, for callers
// reacting to a destination change.
func (a *Advertiser) Refresh() {
	if a != nil {
		a.refresh()
	}
}

func (a *Advertiser) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	a.refresh()
	for {
		select {
		case <-ticker.C:
			a.refresh()
		case <-ctx.Done():
			a.zone.SetServices(nil)
			return
		}
	}
}

func (a *Advertiser) refresh() {
	port := listenPort(a.cfg)
	host := hostName(a.cfg)
	var services []*mdns.MDNSService

	for _, d := range a.reg.Snapshots() {
		if !d.Shared || d.Temporary {
			continue
		}
		txt := txtRecord(a.cfg, d, port)
		instance := instanceName(a.cfg, d)
		if svc, err := mdns.NewMDNSService(instance, "_printer._tcp", "local", host, 0, nil, nil); err == nil {
			services = append(services, svc)
		}
		if svc, err := mdns.NewMDNSService(instance, "_ipp._tcp", "local", host, port, nil, txt); err == nil {
			services = append(services, svc)
		}
		if a.cfg.TLSEnabled {
			if svc, err := mdns.NewMDNSService(instance, "_ipps._tcp", "local", host, port, nil, txt); err == nil {
				services = append(services, svc)
			}
		}
	}
	a.zone.SetServices(services)
}

func listenPort(cfg *config.Config) int {
	parse := func(addr string) int {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return 0
		}
		if strings.HasPrefix(addr, ":") {
			addr = "0.0.0.0" + addr
		}
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return 0
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			return 0
		}
		return port
	}
	for _, addr := range cfg.ListenHTTP {
		if p := parse(addr); p > 0 {
			return p
		}
	}
	for _, addr := range cfg.ListenHTTPS {
		if p := parse(addr); p > 0 {
			return p
		}
	}
	if p := parse(cfg.ListenAddr); p > 0 {
		return p
	}
	return 631
}

func hostName(cfg *config.Config) string {
	host := strings.TrimSpace(cfg.DNSSDHostName)
	if host == "" {
		host = strings.TrimSpace(cfg.ServerName)
	}
	if host == "" {
		return ""
	}
	if strings.Contains(host, ".") {
		if !strings.HasSuffix(host, ".") {
			host += "."
		}
		return host
	}
	return host + ".local."
}

func instanceName(cfg *config.Config, d registry.Snapshot) string {
	base := strings.TrimSpace(d.Info)
	if base == "" {
		base = d.Name
	}
	if name := strings.TrimSpace(cfg.DNSSDComputerName); name != "" {
		return base + " @ " + name
	}
	return base
}

func txtRecord(cfg *config.Config, d registry.Snapshot, port int) []string {
	rp := "printers/" + d.Name
	adminPath := "printers"
	if d.IsClass {
		rp = "classes/" + d.Name
		adminPath = "classes"
	}

	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	adminHost := strings.TrimSuffix(hostName(cfg), ".")
	if adminHost == "" {
		adminHost = "localhost"
	}

	txt := map[string]string{
		"txtvers":  "1",
		"qtotal":   "1",
		"rp":       rp,
		"priority": "0",
		"adminurl": fmt.Sprintf("%s://%s:%d/%s/%s", scheme, adminHost, port, adminPath, d.Name),
		"pdl":      "application/octet-stream,application/pdf,application/postscript",
	}
	if info := strings.TrimSpace(d.Info); info != "" {
		txt["ty"] = info
	} else {
		txt["ty"] = d.Name
	}
	if note := strings.TrimSpace(d.Location); note != "" {
		txt["note"] = note
	}
	txt["printer-type"] = fmt.Sprintf("0x%X", d.TypeBits)
	if cfg.TLSEnabled {
		txt["TLS"] = "1.2"
	}

	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if txt[k] != "" {
			out = append(out, k+"="+txt[k])
		}
	}
	return out
}
