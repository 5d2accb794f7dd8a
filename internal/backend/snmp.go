package backend

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Supply is one marker supply (toner, ink, drum) read from the Printer MIB.
type Supply struct {
	Description string
	Level       int
	Max         int
}

// Percent returns the fill level, or -1 when the device does not report a
// capacity.
func (s Supply) Percent() int {
	if s.Max <= 0 || s.Level < 0 {
		return -1
	}
	return (s.Level * 100) / s.Max
}

// Supplies is the result of one SNMP probe.
type Supplies struct {
	SysName     string
	Description string
	Location    string
	Items       []Supply
}

// StateReasons derives printer-state-reason keywords from supply levels.
func (s Supplies) StateReasons() []string {
	var out []string
	for _, item := range s.Items {
		pct := item.Percent()
		if pct < 0 {
			continue
		}
		switch {
		case pct == 0:
			out = append(out, "marker-supply-empty-error")
		case pct <= 10:
			out = append(out, "marker-supply-low-warning")
		}
	}
	return out
}

const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation = ".1.3.6.1.2.1.1.6.0"
	oidSupplyDesc  = ".1.3.6.1.2.1.43.11.1.1.6.1"
	oidSupplyMax   = ".1.3.6.1.2.1.43.11.1.1.8.1"
	oidSupplyLevel = ".1.3.6.1.2.1.43.11.1.1.9.1"
)

// ProbeSupplies queries a network printer's Printer MIB. The uri may be any
// device uri with a resolvable host.
func ProbeSupplies(ctx context.Context, deviceURI string) (Supplies, error) {
	u, err := url.Parse(deviceURI)
	if err != nil {
		return Supplies{}, err
	}
	host := u.Hostname()
	if host == "" {
		host = strings.TrimPrefix(u.Path, "/")
	}
	if host == "" {
		return Supplies{}, ErrNoBackend
	}

	params := snmpParams(host, snmpCommunity(), 2*time.Second)
	params.Context = ctx
	if err := params.Connect(); err != nil {
		return Supplies{}, Retryable(err)
	}
	defer params.Conn.Close()

	out := Supplies{}
	if result, err := params.Get([]string{oidSysName, oidSysLocation, oidSysDescr}); err == nil {
		for _, v := range result.Variables {
			s, ok := pduString(v.Value)
			if !ok {
				continue
			}
			switch v.Name {
			case oidSysName:
				out.SysName = s
			case oidSysLocation:
				out.Location = s
			case oidSysDescr:
				out.Description = s
			}
		}
	}

	desc := map[string]string{}
	maxCap := map[string]int{}
	level := map[string]int{}
	_ = params.BulkWalk(oidSupplyDesc, func(pdu gosnmp.SnmpPDU) error {
		if s, ok := pduString(pdu.Value); ok {
			desc[oidIndex(pdu.Name, oidSupplyDesc)] = s
		}
		return nil
	})
	_ = params.BulkWalk(oidSupplyMax, func(pdu gosnmp.SnmpPDU) error {
		if n, ok := pduInt(pdu.Value); ok {
			maxCap[oidIndex(pdu.Name, oidSupplyMax)] = n
		}
		return nil
	})
	_ = params.BulkWalk(oidSupplyLevel, func(pdu gosnmp.SnmpPDU) error {
		if n, ok := pduInt(pdu.Value); ok {
			level[oidIndex(pdu.Name, oidSupplyLevel)] = n
		}
		return nil
	})

	for idx, lvl := range level {
		out.Items = append(out.Items, Supply{
			Description: desc[idx],
			Level:       lvl,
			Max:         maxCap[idx],
		})
	}
	return out, nil
}

func snmpParams(host, community string, timeout time.Duration) *gosnmp.GoSNMP {
	port := uint16(161)
	if h, p, ok := strings.Cut(host, ":"); ok {
		if n, err := strconv.Atoi(p); err == nil {
			host = h
			port = uint16(n)
		}
	}
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
	}
}

func snmpCommunity() string {
	if c := os.Getenv("PRINTD_SNMP_COMMUNITY"); c != "" {
		return c
	}
	return "public"
}

func oidIndex(name, base string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, base), ".")
}

func pduString(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func pduInt(val any) (int, bool) {
	if val == nil {
		return 0, false
	}
	if bi := gosnmp.ToBigInt(val); bi != nil {
		return int(bi.Int64()), true
	}
	return 0, false
}
