package server

import (
	"net/http"
	"testing"

	"github.com/OpenPrinting/goipp"

	"printd/internal/jobs"
)

func TestPrintJobRoundTrip(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	msg.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName,
		goipp.String("quarterly report")))
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType,
		goipp.String("application/pdf")))
	_, resp := doIPP(t, s, msg, []byte("%PDF-1.4 fake"))
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	jobID := attrInt(t, resp.Job, "job-id")
	if jobID < 1 {
		t.Fatalf("job-id = %d", jobID)
	}

	j := s.Jobs.Find(jobID)
	if j == nil {
		t.Fatalf("job %d not in store", jobID)
	}
	if j.State != jobs.StatePending {
		t.Fatalf("job state = %v, want pending", j.State)
	}
	if len(j.Documents) != 1 {
		t.Fatalf("documents = %d, want 1", len(j.Documents))
	}

	get := newIPPRequest(goipp.OpGetJobAttributes, "ipp://localhost/printers/Office", "alice")
	get.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	_, resp = doIPP(t, s, get, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("Get-Job-Attributes status = %v, want ok", got)
	}
	if got := attrString(t, resp.Job, "job-name"); got != "quarterly report" {
		t.Fatalf("job-name = %q", got)
	}
	if got := attrString(t, resp.Job, "job-originating-user-name"); got != "alice" {
		t.Fatalf("job-originating-user-name = %q", got)
	}
}

func TestPrintJobBadCopiesLeavesNoJobBehind(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	msg.Job.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(0)))
	_, resp := doIPP(t, s, msg, []byte("data"))
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorAttributesOrValues {
		t.Fatalf("status = %v, want attributes-or-values", got)
	}
	if len(resp.Unsupported) == 0 {
		t.Fatalf("unsupported group missing, want offending copies attribute echoed")
	}
	if n := len(s.Jobs.All()); n != 0 {
		t.Fatalf("store has %d jobs after rejected submission, want 0", n)
	}
}

func TestPrintJobRejectedWhenNotAccepting(t *testing.T) {
	s := newTestServer(t)
	d := addTestPrinter(t, s, "Office")
	d.SetAccepting(false, "maintenance window")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	_, resp := doIPP(t, s, msg, []byte("data"))
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorNotAcceptingJobs {
		t.Fatalf("status = %v, want not-accepting-jobs", got)
	}
	if n := len(s.Jobs.All()); n != 0 {
		t.Fatalf("store has %d jobs, want 0", n)
	}
}

func TestPrintJobWithoutDocumentDataRejected(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	_, resp := doIPP(t, s, msg, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorBadRequest {
		t.Fatalf("status = %v, want bad-request", got)
	}
}

func TestPrintJobUnsupportedFormatRejected(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "alice")
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType,
		goipp.String("application/x-cobol")))
	_, resp := doIPP(t, s, msg, []byte("data"))
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorDocumentFormatNotSupported {
		t.Fatalf("status = %v, want document-format-not-supported", got)
	}
}

func TestValidateJobCreatesNothing(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpValidateJob, "ipp://localhost/printers/Office", "alice")
	_, resp := doIPP(t, s, msg, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	if n := len(s.Jobs.All()); n != 0 {
		t.Fatalf("Validate-Job left %d jobs behind", n)
	}
}

func TestCreateJobThenSendDocument(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	create := newIPPRequest(goipp.OpCreateJob, "ipp://localhost/printers/Office", "alice")
	_, resp := doIPP(t, s, create, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("Create-Job status = %v, want ok", got)
	}
	jobID := attrInt(t, resp.Job, "job-id")

	j := s.Jobs.Find(jobID)
	if j == nil {
		t.Fatalf("job %d not in store", jobID)
	}
	if j.State != jobs.StateHeld {
		t.Fatalf("job state after Create-Job = %v, want held", j.State)
	}
	if j.DocDeadline.IsZero() {
		t.Fatalf("no document deadline set")
	}

	send := newIPPRequest(goipp.OpSendDocument, "ipp://localhost/printers/Office", "alice")
	send.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	send.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	_, resp = doIPP(t, s, send, []byte("page one"))
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("Send-Document status = %v, want ok", got)
	}

	if j.State != jobs.StatePending {
		t.Fatalf("job state after last document = %v, want pending", j.State)
	}
	if !j.DocDeadline.IsZero() {
		t.Fatalf("document deadline not cleared after close")
	}

	// The window is shut: further documents are refused.
	again := newIPPRequest(goipp.OpSendDocument, "ipp://localhost/printers/Office", "alice")
	again.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	_, resp = doIPP(t, s, again, []byte("late page"))
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorNotPossible {
		t.Fatalf("late Send-Document status = %v, want not-possible", got)
	}
}

func TestSendDocumentLastWithoutAnyDocumentsAborts(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	create := newIPPRequest(goipp.OpCreateJob, "ipp://localhost/printers/Office", "alice")
	_, resp := doIPP(t, s, create, nil)
	jobID := attrInt(t, resp.Job, "job-id")

	send := newIPPRequest(goipp.OpSendDocument, "ipp://localhost/printers/Office", "alice")
	send.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	send.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	_, resp = doIPP(t, s, send, nil)
	if got := goipp.Status(resp.Code); got != goipp.StatusErrorNotPossible {
		t.Fatalf("status = %v, want not-possible", got)
	}
	if j := s.Jobs.Find(jobID); j == nil || j.State != jobs.StateAborted {
		t.Fatalf("empty job not aborted")
	}
}

func TestPrintJobRemoteRootRemapped(t *testing.T) {
	s := newTestServer(t)
	addTestPrinter(t, s, "Office")

	msg := newIPPRequest(goipp.OpPrintJob, "ipp://localhost/printers/Office", "root")
	rec, resp := doIPP(t, s, msg, []byte("data"))
	if rec.Code != http.StatusOK {
		t.Fatalf("http status = %d", rec.Code)
	}
	if got := goipp.Status(resp.Code); got != goipp.StatusOk {
		t.Fatalf("status = %v, want ok", got)
	}
	jobID := attrInt(t, resp.Job, "job-id")
	if j := s.Jobs.Find(jobID); j.Username != "remroot" {
		t.Fatalf("remote root job owner = %q, want remroot", j.Username)
	}
}
