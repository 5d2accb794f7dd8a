package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error_log")
	m := New("warn", path, "none", "none", 0)
	m.Debugf("invisible")
	m.Infof("also invisible")
	m.Warnf("visible warning")
	m.Errorf("visible error")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "invisible") {
		t.Fatalf("filtered lines written: %q", out)
	}
	if !strings.Contains(out, "W [") || !strings.Contains(out, "visible warning") {
		t.Fatalf("warning line missing: %q", out)
	}
	if !strings.Contains(out, "E [") {
		t.Fatalf("error mark missing: %q", out)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access_log")
	r := NewRotatingFile(path, 64)
	for i := 0; i < 10; i++ {
		if err := r.WriteLine(strings.Repeat("x", 20)); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
	}
	if _, err := os.Stat(path + ".O"); err != nil {
		t.Fatalf("no rotated backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Size() > 64 {
		t.Fatalf("current log %d bytes, want <= 64", info.Size())
	}
}

func TestAccessMiddleware(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access_log")
	m := New("none", "none", path, "none", 0)

	h := m.AccessMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/printers/office", nil)
	req.SetBasicAuth("alice", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read access log: %v", err)
	}
	line := string(data)
	for _, want := range []string{"alice", "POST /printers/office", " 403 ", "6"} {
		if !strings.Contains(line, want) {
			t.Fatalf("access line %q missing %q", line, want)
		}
	}
}

func TestPageLine(t *testing.T) {
	line := PageLine("office", "", 12, 0, 0, "")
	fields := strings.Fields(line)
	if len(fields) != 7 {
		t.Fatalf("fields = %v", fields)
	}
	if fields[0] != "office" || fields[1] != "-" || fields[2] != "12" {
		t.Fatalf("line = %q", line)
	}
	if fields[4] != "1" || fields[5] != "1" || fields[6] != "Untitled" {
		t.Fatalf("defaults not applied: %q", line)
	}
}
