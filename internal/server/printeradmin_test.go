package server

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OpenPrinting/goipp"

	"printd/internal/jobs"
	"printd/internal/policy"
	"printd/internal/registry"
)

// doLocalIPP posts msg as a loopback client, which the policy layer treats
// as administrative.
func doLocalIPP(t *testing.T, s *Server, msg *goipp.Message) *goipp.Message {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "http://localhost:631/", &buf)
	r.Header.Set("Content-Type", goipp.ContentType)
	r.RemoteAddr = "127.0.0.1:40123"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("http status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	var resp goipp.Message
	if err := resp.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func TestGetPrinterAttributesIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	d := addTestPrinter(t, s, "Office")
	d.Update(func(dd *registry.Destination) {
		dd.Info = "Third floor laser"
		dd.Location = "3F copy room"
	})

	for i := 0; i < 2; i++ {
		msg := newIPPRequest(goipp.OpGetPrinterAttributes, "ipp://localhost/printers/Office", "alice")
		_, resp := doIPP(t, s, msg, nil)
		if got := goipp.Status(resp.Code); got != goipp.StatusOk {
			t.Fatalf("pass %d: status = %v, want ok", i, got)
		}
		if got := attrString(t, resp.Printer, "printer-name"); got != "Office" {
			t.Fatalf("pass %d: printer-name = %q", i, got)
		}
		if got := attrInt(t, resp.Printer, "printer-state"); got != registry.StateIdle {
			t.Fatalf("pass %d: printer-state = %d, want idle", i, got)
		}
		if got := attrString(t, resp.Printer, "printer-location"); got != "3F copy room" {
			t.Fatalf("pass %d: printer-location = %q", i, got)
		}
	}
}

func TestGetPrinterAttributesHonorsRequestedFilter(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpGetPrinterAttributes, "ipp://localhost/printers/Office", "alice")
	msg.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword,
		goipp.String("printer-name"), goipp.String("printer-state")))
	_, resp := doIPP(t, s, msg, nil)

	if got := attrString(t, resp.Printer, "printer-name"); got != "Office" {
		t.Fatalf("printer-name = %q", got)
	}
	for _, a := range resp.Printer {
		if a.Name == "printer-location" {
			t.Fatalf("printer-location returned despite filter")
		}
	}
}

func TestCupsGetPrintersListsQueues(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")
	addTestPrinter(t, s, "Annex")

	msg := newIPPRequest(goipp.OpCupsGetPrinters, "", "alice")
	_, resp := doIPP(t, s, msg, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	if n := len(groupsWithTag(resp, goipp.TagPrinterGroup)); n != 2 {
		t.Fatalf("printer groups = %d, want 2", n)
	}
}

func TestPausePrinterRequiresAuthForRemoteAnonymous(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPausePrinter, "ipp://localhost/printers/Office", "")
	rec, _ := doIPP(t, s, msg, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("http status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("missing WWW-Authenticate challenge")
	}
}

func TestPausePrinterForbiddenForRemoteNonAdmin(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPausePrinter, "ipp://localhost/printers/Office", "bob")
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded goipp.Message
	if err := decoded.Decode(&buf); err != nil {
		t.Fatalf("decode: %v", err)
	}

	conn := policy.Conn{RemoteIP: net.ParseIP("203.0.113.9"), User: "bob"}
	r := httptest.NewRequest(http.MethodPost, "http://localhost:631/", nil)
	_, _, err := s.Process(r, conn, &decoded, &bytes.Buffer{})
	ae, ok := err.(*authError)
	if !ok {
		t.Fatalf("err = %v, want authError", err)
	}
	if ae.verdict != policy.Forbidden {
		t.Fatalf("verdict = %v, want forbidden", ae.verdict)
	}
	if d, _ := s.Reg.Get("Office"); d.Snapshot().State == registry.StateStopped {
		t.Fatalf("printer paused by non-admin")
	}
}

func TestPausePrinterFromLocalhost(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPausePrinter, "ipp://localhost/printers/Office", "admin")
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	d, _ := s.Reg.Get("Office")
	if d.Snapshot().State != registry.StateStopped {
		t.Fatalf("printer not stopped after Pause-Printer")
	}

	resume := newIPPRequest(goipp.OpResumePrinter, "ipp://localhost/printers/Office", "admin")
	resp = doLocalIPP(t, s, resume)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("resume status = %v, want ok", got)
	}
	if d.Snapshot().State != registry.StateIdle {
		t.Fatalf("printer not idle after Resume-Printer")
	}
}

func TestRejectJobsStopsSubmissions(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpCupsRejectJobs, "ipp://localhost/printers/Office", "admin")
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}

	submit := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	_, presp := doIPP(t, s, submit, []byte("data"))
	if got := goipp.Status(presp.Code); got != goipp.StatusErrorNotAcceptingJobs {
		t.Fatalf("Print-Job status = %v, want not-accepting-jobs", got)
	}
}

func TestAddModifyPrinterCreatesQueue(t *testing.T) {
	s := newTestServer(t)

	msg := newIPPRequest(goipp.OpCupsAddModifyPrinter, "ipp://localhost/printers/NewQueue", "admin")
	msg.Printer.Add(goipp.MakeAttribute("device-uri", goipp.TagURI,
		goipp.String("socket://10.0.0.5:9100")))
	msg.Printer.Add(goipp.MakeAttribute("printer-info", goipp.TagText,
		goipp.String("Freshly provisioned")))
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}

	d, err := s.Reg.Get("NewQueue")
	if err != nil {
		t.Fatalf("queue not created: %v", err)
	}
	snap := d.Snapshot()
	if snap.DeviceURI != "socket://10.0.0.5:9100" {
		t.Fatalf("device-uri = %q", snap.DeviceURI)
	}
	if snap.Info != "Freshly provisioned" {
		t.Fatalf("printer-info = %q", snap.Info)
	}
	if !snap.Accepting {
		t.Fatalf("new queue not accepting")
	}
}

func TestAddModifyPrinterRejectsBadDeviceScheme(t *testing.T) {
	s := newTestServer(t)

	msg := newIPPRequest(goipp.OpCupsAddModifyPrinter, "ipp://localhost/printers/Broken", "admin")
	msg.Printer.Add(goipp.MakeAttribute("device-uri", goipp.TagURI,
		goipp.String("gopher://example.org/queue")))
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorAttributesOrValues {
		t.Fatalf("status = %v, want attributes-or-values", got)
	}
	if _, err := s.Reg.Get("Broken"); err == nil {
		t.Fatalf("queue left behind after rejected create")
	}
}

func TestDeletePrinterCancelsItsJobs(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")
	id := submitJob(t, s, "Office", "alice")

	msg := newIPPRequest(goipp.OpCupsDeletePrinter, "ipp://localhost/printers/Office", "admin")
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	if _, err := s.Reg.Get("Office"); err == nil {
		t.Fatalf("destination still registered")
	}
	if j := s.Jobs.Find(id); j != nil {
		t.Fatalf("job survived destination delete")
	}
}

func TestClassFansOutToMembers(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")
	addTestPrinter(t, s, "Annex")

	msg := newIPPRequest(goipp.OpCupsAddModifyClass, "ipp://localhost/classes/Floor3", "admin")
	msg.Printer.Add(goipp.MakeAttr("member-uris", goipp.TagURI,
		goipp.String("ipp://localhost/printers/Office"),
		goipp.String("ipp://localhost/printers/Annex")))
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}

	d, err := s.Reg.Get("Floor3")
	if err != nil {
		t.Fatalf("class not created: %v", err)
	}
	snap := d.Snapshot()
	if !snap.IsClass || len(snap.Members) != 2 {
		t.Fatalf("class members = %v", snap.Members)
	}

	id := submitJob(t, s, "Floor3", "alice")
	if j := s.Jobs.Find(id); j.Dest != "Floor3" {
		t.Fatalf("job dest = %q, want Floor3", j.Dest)
	}
}

func TestPauseAfterCurrentJobDefersUntilCompletion(t *testing.T) {
	s := newTestServer(t)
	d := addTestPrinter(t, s, "Office")
	id := submitJob(t, s, "Office", "alice")
	j := s.Jobs.Find(id)
	if err := s.Jobs.SetState(j, jobs.StateProcessing, false, "job-printing"); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	msg := newIPPRequest(goipp.OpPausePrinterAfterCurrentJob, "ipp://localhost/printers/Office", "admin")
	resp := doLocalIPP(t, s, msg)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	if d.Snapshot().State == registry.StateStopped {
		t.Fatalf("printer stopped while a job was mid-flight")
	}

	if err := s.Jobs.SetState(j, jobs.StateCompleted, false, "job-completed-successfully"); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if d.Snapshot().State != registry.StateStopped {
		t.Fatalf("deferred pause never applied")
	}
}
