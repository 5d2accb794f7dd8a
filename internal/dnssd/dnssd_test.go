package dnssd

import (
	"net"
	"strings"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	"printd/internal/config"
	"printd/internal/registry"
)

func TestListenPortPrefersHTTP(t *testing.T) {
	cfg := &config.Config{
		ListenHTTP:  []string{"0.0.0.0:8631"},
		ListenHTTPS: []string{":8632"},
		ListenAddr:  ":631",
	}
	if got := listenPort(cfg); got != 8631 {
		t.Fatalf("listenPort = %d, want 8631", got)
	}
	if got := listenPort(&config.Config{}); got != 631 {
		t.Fatalf("listenPort default = %d, want 631", got)
	}
}

func TestHostName(t *testing.T) {
	cases := []struct {
		dnssd, server, want string
	}{
		{"print", "", "print.local."},
		{"print.example.org", "", "print.example.org."},
		{"", "spooler", "spooler.local."},
		{"", "", ""},
	}
	for _, c := range cases {
		cfg := &config.Config{DNSSDHostName: c.dnssd, ServerName: c.server}
		if got := hostName(cfg); got != c.want {
			t.Errorf("hostName(%q,%q) = %q, want %q", c.dnssd, c.server, got, c.want)
		}
	}
}

func TestInstanceName(t *testing.T) {
	d := registry.Snapshot{Name: "laser", Info: "Office Laser"}
	if got := instanceName(&config.Config{}, d); got != "Office Laser" {
		t.Fatalf("instanceName = %q", got)
	}
	cfg := &config.Config{DNSSDComputerName: "printhost"}
	if got := instanceName(cfg, d); got != "Office Laser @ printhost" {
		t.Fatalf("instanceName with computer name = %q", got)
	}
	if got := instanceName(&config.Config{}, registry.Snapshot{Name: "lp"}); got != "lp" {
		t.Fatalf("instanceName fallback = %q", got)
	}
}

func TestTXTRecord(t *testing.T) {
	cfg := &config.Config{DNSSDHostName: "print", TLSEnabled: true}
	d := registry.Snapshot{Name: "laser", Info: "Office Laser", Location: "2nd floor"}

	txt := strings.Join(txtRecord(cfg, d, 631), "\n")
	for _, want := range []string{
		"rp=printers/laser",
		"ty=Office Laser",
		"note=2nd floor",
		"adminurl=https://print.local:631/printers/laser",
		"txtvers=1",
		"TLS=1.2",
	} {
		if !strings.Contains(txt, want) {
			t.Errorf("txt record missing %q:\n%s", want, txt)
		}
	}

	cls := registry.Snapshot{Name: "pool", IsClass: true}
	clsTXT := strings.Join(txtRecord(&config.Config{}, cls, 631), "\n")
	if !strings.Contains(clsTXT, "rp=classes/pool") {
		t.Errorf("class txt record missing rp: %s", clsTXT)
	}
	if strings.Contains(clsTXT, "TLS=") {
		t.Errorf("plaintext server must not advertise TLS: %s", clsTXT)
	}
}

func TestZoneSwapsServiceSets(t *testing.T) {
	svc, err := mdns.NewMDNSService("Office Laser", "_ipp._tcp", "local.", "print.local.",
		631, []net.IP{net.ParseIP("192.0.2.10")}, []string{"rp=printers/laser"})
	if err != nil {
		t.Fatalf("NewMDNSService: %v", err)
	}

	z := &zone{}
	q := dns.Question{Name: "_ipp._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET}
	if rrs := z.Records(q); len(rrs) != 0 {
		t.Fatalf("empty zone answered %d records", len(rrs))
	}

	z.SetServices([]*mdns.MDNSService{svc})
	if rrs := z.Records(q); len(rrs) == 0 {
		t.Fatal("expected PTR answer after SetServices")
	}

	z.SetServices(nil)
	if rrs := z.Records(q); len(rrs) != 0 {
		t.Fatal("expected no answers after withdrawing services")
	}
}
