package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/mdns"
)

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.prn")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSendFileAppendsPerCopy(t *testing.T) {
	doc := writeDoc(t, "PAGE")
	target := filepath.Join(t.TempDir(), "out.prn")

	err := Send(context.Background(), Request{
		DeviceURI: "file://" + target,
		DocPath:   doc,
		Copies:    3,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "PAGEPAGEPAGE" {
		t.Fatalf("expected three copies appended, got %q", got)
	}
}

func TestSendSocketStreamsDocument(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	doc := writeDoc(t, "\x1b%-12345X@PJL\r\n")
	err = Send(context.Background(), Request{
		DeviceURI: "socket://" + ln.Addr().String(),
		DocPath:   doc,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	data := <-received
	if !bytes.Contains(data, []byte("@PJL")) {
		t.Fatalf("expected PJL stream at peer, got %q", data)
	}
}

func TestSendSocketConnectionRefusedIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	doc := writeDoc(t, "x")
	err = Send(context.Background(), Request{
		DeviceURI: "socket://" + addr,
		DocPath:   doc,
	})
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

// fakeLPD accepts one RFC 1179 receive-job exchange and records the
// control and data files.
func fakeLPD(t *testing.T, ln net.Listener, out chan<- map[string]string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		out <- nil
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	files := map[string]string{}

	// \x02queue\n
	line, err := r.ReadString('\n')
	if err != nil || line[0] != 0x02 {
		out <- nil
		return
	}
	files["queue"] = strings.TrimSpace(line[1:])
	conn.Write([]byte{0})

	for i := 0; i < 2; i++ {
		line, err = r.ReadString('\n')
		if err != nil {
			out <- nil
			return
		}
		// \x02len name\n or \x03len name\n
		parts := strings.Fields(strings.TrimSpace(line[1:]))
		if len(parts) != 2 {
			out <- nil
			return
		}
		size := 0
		for _, c := range parts[0] {
			size = size*10 + int(c-'0')
		}
		conn.Write([]byte{0})
		body := make([]byte, size+1)
		if _, err := io.ReadFull(r, body); err != nil {
			out <- nil
			return
		}
		files[parts[1]] = string(body[:size])
		conn.Write([]byte{0})
	}
	out <- files
}

func TestSendLPDControlAndData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	out := make(chan map[string]string, 1)
	go fakeLPD(t, ln, out)

	doc := writeDoc(t, "raw data")
	err = Send(context.Background(), Request{
		DeviceURI: "lpd://" + ln.Addr().String() + "/raw",
		DocPath:   doc,
		JobID:     42,
		User:      "alice",
		Title:     "report",
		Copies:    2,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	files := <-out
	if files == nil {
		t.Fatal("lpd exchange did not complete")
	}
	if files["queue"] != "raw" {
		t.Fatalf("expected queue raw, got %q", files["queue"])
	}
	var ctrl, data string
	for name, body := range files {
		switch {
		case strings.HasPrefix(name, "cfA042"):
			ctrl = body
		case strings.HasPrefix(name, "dfA042"):
			data = body
		}
	}
	if data != "raw data" {
		t.Fatalf("expected data file contents, got %q", data)
	}
	if !strings.Contains(ctrl, "Palice\n") || !strings.Contains(ctrl, "Jreport\n") {
		t.Fatalf("control file missing user/title: %q", ctrl)
	}
	if strings.Count(ctrl, "ldfA042") != 2 {
		t.Fatalf("expected two print directives for two copies: %q", ctrl)
	}
}

func TestSendUnknownSchemeWithoutHelpers(t *testing.T) {
	doc := writeDoc(t, "x")
	err := Send(context.Background(), Request{
		DeviceURI: "parallel:/dev/lp0",
		DocPath:   doc,
	})
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestSendHelperRunsProgram(t *testing.T) {
	serverBin := t.TempDir()
	backendDir := filepath.Join(serverBin, "backend")
	if err := os.MkdirAll(backendDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	marker := filepath.Join(serverBin, "ran.txt")
	script := "#!/bin/sh\necho \"$DEVICE_URI $1 $2\" > " + marker + "\n"
	if err := os.WriteFile(filepath.Join(backendDir, "usb"), []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	doc := writeDoc(t, "x")
	err := Send(context.Background(), Request{
		DeviceURI: "usb://Acme/LaserWriter",
		DocPath:   doc,
		JobID:     7,
		User:      "bob",
		ServerBin: serverBin,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("helper did not run: %v", err)
	}
	if strings.TrimSpace(string(got)) != "usb://Acme/LaserWriter 7 bob" {
		t.Fatalf("unexpected helper argv/env: %q", got)
	}

	schemes := ListHelpers(serverBin)
	if len(schemes) != 1 || schemes[0] != "usb" {
		t.Fatalf("expected usb helper listed, got %v", schemes)
	}
}

func TestSupplyPercent(t *testing.T) {
	cases := []struct {
		supply Supply
		want   int
	}{
		{Supply{Level: 50, Max: 100}, 50},
		{Supply{Level: 1, Max: 3}, 33},
		{Supply{Level: 0, Max: 100}, 0},
		{Supply{Level: 10, Max: 0}, -1},
		{Supply{Level: -2, Max: 100}, -1},
	}
	for _, c := range cases {
		if got := c.supply.Percent(); got != c.want {
			t.Errorf("Percent(%+v) = %d, want %d", c.supply, got, c.want)
		}
	}
}

func TestSuppliesStateReasons(t *testing.T) {
	s := Supplies{Items: []Supply{
		{Description: "black toner", Level: 0, Max: 100},
		{Description: "cyan toner", Level: 5, Max: 100},
		{Description: "drum", Level: 90, Max: 100},
		{Description: "waste", Level: -2, Max: 100},
	}}
	got := s.StateReasons()
	want := []string{"marker-supply-empty-error", "marker-supply-low-warning"}
	if len(got) != len(want) {
		t.Fatalf("StateReasons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("StateReasons = %v, want %v", got, want)
		}
	}
}

func TestDeviceFromEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "Office\\ Laser._ipp._tcp.local.",
		Host:       "laser.local.",
		Port:       631,
		InfoFields: []string{"rp=ipp/print", "ty=Acme LaserWriter 9", "note=2nd floor"},
	}
	d, ok := deviceFromEntry("_ipp._tcp", entry)
	if !ok {
		t.Fatal("expected a device")
	}
	if d.URI != "ipp://laser.local:631/ipp/print" {
		t.Fatalf("unexpected uri %q", d.URI)
	}
	if d.Info != "Acme LaserWriter 9" || d.Location != "2nd floor" {
		t.Fatalf("unexpected info/location: %+v", d)
	}
	if d.Class != "network" {
		t.Fatalf("unexpected class %q", d.Class)
	}

	lpdEntry := &mdns.ServiceEntry{Host: "old-hp.local.", Port: 515}
	d, ok = deviceFromEntry("_printer._tcp", lpdEntry)
	if !ok || d.URI != "lpd://old-hp.local:515" {
		t.Fatalf("unexpected lpd device %+v (ok=%v)", d, ok)
	}

	if _, ok := deviceFromEntry("_ipp._tcp", &mdns.ServiceEntry{Port: 0}); ok {
		t.Fatal("expected entry without port to be dropped")
	}
}
