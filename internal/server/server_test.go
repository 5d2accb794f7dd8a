package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenPrinting/goipp"

	"printd/internal/config"
	"printd/internal/jobs"
	"printd/internal/logging"
	"printd/internal/notify"
	"printd/internal/policy"
	"printd/internal/registry"
	"printd/internal/spool"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		RemoteRoot:               "remroot",
		MultipleOperationTimeout: 300,
	}
	s := New(cfg, policy.NewEngine(), jobs.NewStore(), registry.New(),
		notify.NewBus(), spool.Spool{Dir: t.TempDir()}, logging.Discard(), nil)
	return s
}

func addTestPrinter(t *testing.T, s *Server, name string) *registry.Destination {
	t.Helper()
	d := &registry.Destination{
		Name:      name,
		DeviceURI: "file:///dev/null",
		Accepting: true,
		State:     registry.StateIdle,
	}
	if err := s.Reg.Add(d); err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
	return d
}

// newIPPRequest builds a request with the mandatory preamble.
func newIPPRequest(op goipp.Op, uri, user string) *goipp.Message {
	msg := goipp.NewRequest(goipp.DefaultVersion, op, 1)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset",
		goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language",
		goipp.TagLanguage, goipp.String("en-US")))
	if uri != "" {
		msg.Operation.Add(goipp.MakeAttribute("printer-uri",
			goipp.TagURI, goipp.String(uri)))
	}
	if user != "" {
		msg.Operation.Add(goipp.MakeAttribute("requesting-user-name",
			goipp.TagName, goipp.String(user)))
	}
	return msg
}

// doIPP posts msg (plus any document payload) through the HTTP handler and
// returns the recorder and, when the reply is IPP, the decoded response.
func doIPP(t *testing.T, s *Server, msg *goipp.Message, doc []byte) (*httptest.ResponseRecorder, *goipp.Message) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	buf.Write(doc)

	r := httptest.NewRequest(http.MethodPost, "http://localhost:631/", &buf)
	r.Header.Set("Content-Type", goipp.ContentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		return rec, nil
	}
	var resp goipp.Message
	if err := resp.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, &resp
}

func attrString(t *testing.T, attrs goipp.Attributes, name string) string {
	t.Helper()
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			if s, ok := a.Values[0].V.(goipp.String); ok {
				return string(s)
			}
		}
	}
	t.Fatalf("attribute %q not found", name)
	return ""
}

func attrInt(t *testing.T, attrs goipp.Attributes, name string) int {
	t.Helper()
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			if n, ok := a.Values[0].V.(goipp.Integer); ok {
				return int(n)
			}
		}
	}
	t.Fatalf("attribute %q not found", name)
	return 0
}

func groupsWithTag(msg *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}

func TestUnsupportedOperationReturnsIPPError(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPromoteJob, "ipp://localhost/printers/Office", "alice")
	rec, resp := doIPP(t, s, msg, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("http status = %d, want 200", rec.Code)
	}
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorOperationNotSupported {
		t.Fatalf("status = %v, want operation-not-supported", got)
	}
}

func TestNonIPPRequestRejected(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "http://localhost:631/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("http status = %d, want 400", rec.Code)
	}
}

func TestMissingCharsetRejected(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
		goipp.String("ipp://localhost/printers/Office")))
	_, resp := doIPP(t, s, msg, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorBadRequest {
		t.Fatalf("status = %v, want bad-request", got)
	}
}

// TestHandlerLogsEachRequestOnce pins the access-log wiring: Handler
// already applies the middleware, so callers serving it directly must
// not wrap it again.
func TestHandlerLogsEachRequestOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access_log")
	cfg := &config.Config{
		RemoteRoot:               "remroot",
		MultipleOperationTimeout: 300,
	}
	s := New(cfg, policy.NewEngine(), jobs.NewStore(), registry.New(),
		notify.NewBus(), spool.Spool{Dir: t.TempDir()},
		logging.New("none", "", path, "", 0), nil)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpGetPrinterAttributes, "ipp://localhost/printers/Office", "alice")
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "http://localhost:631/", &buf)
	r.Header.Set("Content-Type", goipp.ContentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("http status = %d, want 200", rec.Code)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading access log: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 1 {
		t.Fatalf("access log lines = %d, want 1 (%q)", n, data)
	}
}

// TestServerWideOpsRequireTarget covers the operations that act on the
// whole server: they still must name a target, which clients send as
// the server root "ipp://host/".
func TestServerWideOpsRequireTarget(t *testing.T) {
	s := newTestServer(t)
	for _, op := range []goipp.Op{
		goipp.OpCancelMyJobs,
		goipp.OpGetNotifications,
		goipp.OpRenewSubscription,
		goipp.OpCancelSubscription,
		goipp.OpPauseAllPrinters,
		goipp.OpResumeAllPrinters,
	} {
		msg := newIPPRequest(op, "", "alice")
		_, resp := doIPP(t, s, msg, nil)
		if got := goipp.Status(resp.Code); got != goipp.StatusErrorBadRequest {
			t.Errorf("%v without target: status = %v, want bad-request", op, got)
		}
	}
}
