package backend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// Device is one discovered output device, in CUPS-Get-Devices terms.
type Device struct {
	URI       string
	Class     string
	Info      string
	MakeModel string
	Location  string
	ID        string
}

var browseServices = []string{
	"_ipp._tcp", "_ipps._tcp", "_ipp-tls._tcp", "_printer._tcp", "_pdl-datastream._tcp",
}

// Discover browses the local network for printers over mDNS and merges in
// the installed helper transports as bare scheme entries. The scan runs for
// at most timeout per service type.
func Discover(ctx context.Context, timeout time.Duration, serverBin string) []Device {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var devices []Device
	seen := map[string]bool{}

	for _, service := range browseServices {
		if ctx.Err() != nil {
			break
		}
		entries := make(chan *mdns.ServiceEntry, 64)
		qctx, cancel := context.WithTimeout(ctx, timeout)
		go func() {
			_ = mdns.Query(&mdns.QueryParam{
				Service: service,
				Domain:  "local",
				Timeout: timeout,
				Entries: entries,
			})
			close(entries)
		}()
	drain:
		for {
			select {
			case <-qctx.Done():
				break drain
			case entry, ok := <-entries:
				if !ok {
					break drain
				}
				d, ok := deviceFromEntry(service, entry)
				if !ok {
					continue
				}
				key := strings.ToLower(d.URI)
				if seen[key] {
					continue
				}
				seen[key] = true
				devices = append(devices, d)
			}
		}
		cancel()
	}

	for _, scheme := range ListHelpers(serverBin) {
		uri := scheme + "://"
		if !seen[uri] {
			seen[uri] = true
			devices = append(devices, Device{
				URI:   uri,
				Class: "network",
				Info:  "Helper transport " + scheme,
			})
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].URI < devices[j].URI })
	return devices
}

func deviceFromEntry(service string, entry *mdns.ServiceEntry) (Device, bool) {
	if entry == nil || entry.Port == 0 {
		return Device{}, false
	}
	host := strings.TrimSuffix(entry.Host, ".")
	if host == "" && entry.AddrV4 != nil {
		host = entry.AddrV4.String()
	}
	if host == "" {
		return Device{}, false
	}
	txt := parseTXT(entry.InfoFields)

	scheme := "socket"
	switch service {
	case "_ipp._tcp":
		scheme = "ipp"
	case "_ipps._tcp", "_ipp-tls._tcp":
		scheme = "ipps"
	case "_printer._tcp":
		scheme = "lpd"
	}
	path := ""
	if rp := txt["rp"]; rp != "" && (scheme == "ipp" || scheme == "ipps") {
		path = "/" + strings.TrimPrefix(rp, "/")
	}
	uri := fmt.Sprintf("%s://%s:%d%s", scheme, host, entry.Port, path)
	if _, err := url.Parse(uri); err != nil {
		return Device{}, false
	}

	info := firstNonEmpty(txt["ty"], txt["note"], serviceInstance(entry.Name))
	return Device{
		URI:       uri,
		Class:     "network",
		Info:      info,
		MakeModel: firstNonEmpty(txt["product"], txt["ty"], "Unknown"),
		Location:  txt["note"],
		ID:        txt["pdl"],
	}, true
}

func parseTXT(fields []string) map[string]string {
	out := map[string]string{}
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			out[strings.ToLower(k)] = strings.Trim(v, "()")
		}
	}
	return out
}

func serviceInstance(name string) string {
	// "Office Laser._ipp._tcp.local." -> "Office Laser"
	if idx := strings.Index(name, "._"); idx > 0 {
		name = name[:idx]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
