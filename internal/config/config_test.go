package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenPrinting/goipp"

	"printd/internal/policy"
)

func writeConf(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadReadsConfFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRINTD_CONF_DIR", dir)
	t.Setenv("PRINTD_DATA_DIR", filepath.Join(dir, "data"))

	writeConf(t, dir, "printd.conf", `
# test configuration
Listen localhost:6310
Listen ipps://*:6311
ServerName print.example.com
LogLevel debug
MaxJobs 42
MaxJobsPerUser 5
JobKLimit 10240
JobQuotaPeriod 1w
MultipleOperationTimeout 120
PreserveJobFiles No
PreserveJobHistory 2d
StrictUserName Yes
RemoteRoot nobody
DefaultEncryption IfRequested

<Location /admin>
AuthType Basic
Require group @SYSTEM
</Location>
`)
	writeConf(t, dir, "printd-files.conf", `
RequestRoot spool-area
SystemGroup printadmin wheel
`)

	cfg := Load()
	if len(cfg.ListenHTTP) != 1 || cfg.ListenHTTP[0] != "localhost:6310" {
		t.Fatalf("ListenHTTP = %v", cfg.ListenHTTP)
	}
	if len(cfg.ListenHTTPS) != 1 || cfg.ListenHTTPS[0] != "*:6311" {
		t.Fatalf("ListenHTTPS = %v", cfg.ListenHTTPS)
	}
	if cfg.ServerName != "print.example.com" {
		t.Fatalf("ServerName = %q", cfg.ServerName)
	}
	if cfg.MaxJobs != 42 || cfg.MaxJobsPerUser != 5 || cfg.JobKLimit != 10240 {
		t.Fatalf("limits = %d/%d/%d", cfg.MaxJobs, cfg.MaxJobsPerUser, cfg.JobKLimit)
	}
	if cfg.JobQuotaPeriod != 7*24*60*60 {
		t.Fatalf("JobQuotaPeriod = %d", cfg.JobQuotaPeriod)
	}
	if cfg.MultipleOperationTimeout != 120 {
		t.Fatalf("MultipleOperationTimeout = %d", cfg.MultipleOperationTimeout)
	}
	if cfg.PreserveJobFiles != 0 {
		t.Fatalf("PreserveJobFiles = %d, want 0 for No", cfg.PreserveJobFiles)
	}
	if cfg.PreserveJobHistory != 2*24*60*60 {
		t.Fatalf("PreserveJobHistory = %d", cfg.PreserveJobHistory)
	}
	if !cfg.StrictUserName || cfg.RemoteRoot != "nobody" {
		t.Fatalf("user handling = %v/%q", cfg.StrictUserName, cfg.RemoteRoot)
	}
	if !cfg.TLSEnabled || cfg.TLSOnly {
		t.Fatalf("encryption = %v/%v", cfg.TLSEnabled, cfg.TLSOnly)
	}
	if cfg.SpoolDir != filepath.Join(dir, "spool-area") {
		t.Fatalf("SpoolDir = %q", cfg.SpoolDir)
	}
	if len(cfg.SystemGroups) != 2 || cfg.SystemGroups[0] != "printadmin" {
		t.Fatalf("SystemGroups = %v", cfg.SystemGroups)
	}
}

func TestLoadMimeTypesAndHostLookups(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRINTD_CONF_DIR", dir)
	t.Setenv("PRINTD_DATA_DIR", filepath.Join(dir, "data"))

	writeConf(t, dir, "printd.conf", "HostNameLookups Yes\n")
	writeConf(t, dir, "mime.types", `
# local formats
application/pdf pdf
text/plain txt text
application/pdf
not-a-type
`)

	cfg := Load()
	if !cfg.HostNameLookups {
		t.Fatal("HostNameLookups not set")
	}
	want := []string{"application/pdf", "text/plain"}
	if len(cfg.DocumentFormats) != len(want) {
		t.Fatalf("DocumentFormats = %v", cfg.DocumentFormats)
	}
	for i, mt := range want {
		if cfg.DocumentFormats[i] != mt {
			t.Fatalf("DocumentFormats[%d] = %q, want %q", i, cfg.DocumentFormats[i], mt)
		}
	}
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRINTD_CONF_DIR", dir)
	t.Setenv("PRINTD_DATA_DIR", filepath.Join(dir, "data"))

	cfg := Load()
	if len(cfg.ListenHTTP) != 1 || cfg.ListenHTTP[0] != ":631" {
		t.Fatalf("ListenHTTP = %v", cfg.ListenHTTP)
	}
	if cfg.MaxJobs != 500 || cfg.MultipleOperationTimeout != 300 {
		t.Fatalf("defaults = %d/%d", cfg.MaxJobs, cfg.MultipleOperationTimeout)
	}
	if cfg.RemoteRoot != "remroot" {
		t.Fatalf("RemoteRoot = %q", cfg.RemoteRoot)
	}
	if cfg.DBPath != filepath.Join(dir, "data", "printd.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadPolicyLocationsAndLimits(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "printd.conf", `
<Location />
Order allow,deny
Allow from all
</Location>

<Location /admin>
AuthType Basic
Require group @SYSTEM
Encryption Required
Order allow,deny
Allow from localhost
Allow from 10.0.0.0/8
</Location>

<Policy default>
<Limit Cancel-Job Hold-Job Release-Job>
AuthType Basic
Require user @OWNER @SYSTEM
</Limit>
<Limit All>
Order allow,deny
Allow from all
</Limit>
</Policy>
`)
	cfg := Config{ConfDir: dir, SystemGroups: []string{"lpadmin"}}
	eng := LoadPolicy(cfg)

	if len(eng.Locations) != 2 {
		t.Fatalf("locations = %d", len(eng.Locations))
	}
	admin := eng.Resolve("/admin", "POST", 0)
	if admin.Prefix != "/admin" || !admin.RequireTLS || admin.AuthLevel != policy.LevelGroup {
		t.Fatalf("admin rule = %+v", admin)
	}
	if len(admin.Allow) != 2 {
		t.Fatalf("admin allow = %v", admin.Allow)
	}

	cancel, ok := eng.OpRules[int(goipp.OpCancelJob)]
	if !ok {
		t.Fatal("no operation rule for Cancel-Job")
	}
	found := false
	for _, r := range cancel.Require {
		if r == "@OWNER" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cancel rule require = %v", cancel.Require)
	}
	if eng.Default == nil || eng.Default.Order != "allow,deny" {
		t.Fatalf("default rule = %+v", eng.Default)
	}

	conn := policy.Conn{RemoteIP: net.ParseIP("127.0.0.1"), User: "alice"}
	// Op rules only govern paths with no Location match; the root
	// location covers everything here.
	if got := eng.Resolve("/printers/x", "POST", int(goipp.OpCancelJob)); got.Prefix != "/" {
		t.Fatalf("resolved %+v, want root location", got)
	}
	if v := eng.Check("/printers/x", "POST", int(goipp.OpCancelJob), conn, "alice"); v != policy.OK {
		t.Fatalf("verdict = %v", v)
	}
}
