package server

import (
	"sort"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"printd/internal/ippattr"
	"printd/internal/jobs"
	"printd/internal/notify"
	"printd/internal/policy"
	"printd/internal/registry"
)

// principal is the connection used for redaction decisions. Unauthenticated
// clients are judged by their claimed requesting-user-name, the same
// identity requireOwnerOrAdmin trusts.
func (q *request) principal() policy.Conn {
	c := q.conn
	if c.User == "" {
		c.User = q.user
	}
	return c
}

var supportedFormats = []string{
	"application/octet-stream", "application/pdf", "application/postscript",
	"image/jpeg", "image/png", "image/pwg-raster", "image/urf", "text/plain",
}

// docFormats returns the accepted document formats, preferring the
// mime.types list when the configuration supplies one.
func (s *Server) docFormats() []string {
	if len(s.Config.DocumentFormats) > 0 {
		return s.Config.DocumentFormats
	}
	return supportedFormats
}

var supportedOps = []goipp.Op{
	goipp.OpPrintJob, goipp.OpValidateJob, goipp.OpCreateJob,
	goipp.OpSendDocument, goipp.OpCloseJob, goipp.OpCancelJob,
	goipp.OpCancelJobs, goipp.OpCancelMyJobs, goipp.OpPurgeJobs,
	goipp.OpGetJobAttributes, goipp.OpGetJobs, goipp.OpHoldJob,
	goipp.OpReleaseJob, goipp.OpRestartJob, goipp.OpResumeJob,
	goipp.OpSetJobAttributes, goipp.OpGetDocuments, goipp.OpGetDocumentAttributes,
	goipp.OpGetPrinterAttributes, goipp.OpSetPrinterAttributes,
	goipp.OpPausePrinter, goipp.OpPausePrinterAfterCurrentJob,
	goipp.OpResumePrinter, goipp.OpEnablePrinter, goipp.OpDisablePrinter,
	goipp.OpHoldNewJobs, goipp.OpReleaseHeldNewJobs,
	goipp.OpPauseAllPrinters, goipp.OpResumeAllPrinters,
	goipp.OpCreatePrinterSubscriptions, goipp.OpCreateJobSubscriptions,
	goipp.OpGetSubscriptionAttributes, goipp.OpGetSubscriptions,
	goipp.OpRenewSubscription, goipp.OpCancelSubscription,
	goipp.OpGetNotifications,
	goipp.OpCupsGetDefault, goipp.OpCupsGetPrinters, goipp.OpCupsGetClasses,
	goipp.OpCupsGetDevices, goipp.OpCupsGetPpds, goipp.OpCupsMoveJob,
	goipp.OpCupsGetDocument, goipp.OpCupsAuthenticateJob,
	goipp.OpCupsAddModifyPrinter, goipp.OpCupsDeletePrinter,
	goipp.OpCupsAddModifyClass, goipp.OpCupsDeleteClass,
	goipp.OpCupsSetDefault, goipp.OpCupsAcceptJobs, goipp.OpCupsRejectJobs,
	goipp.OpCupsCreateLocalPrinter,
}

// printerAttributes renders one destination as a printer attributes group,
// honoring the requested-attributes filter.
func (s *Server) printerAttributes(q *request, d registry.Snapshot, req ippattr.Requested) goipp.Attributes {
	attrs := goipp.Attributes{}
	add := func(name string, tag goipp.Tag, v goipp.Value) {
		if req.Want(name) {
			attrs.Add(goipp.MakeAttribute(name, tag, v))
		}
	}

	add("printer-name", goipp.TagName, goipp.String(d.Name))
	add("printer-uri-supported", goipp.TagURI, goipp.String(q.printerURI(d)))
	add("uri-security-supported", goipp.TagKeyword, goipp.String(uriSecurity(s)))
	add("uri-authentication-supported", goipp.TagKeyword, goipp.String("requesting-user-name"))
	add("printer-state", goipp.TagEnum, goipp.Integer(d.State))
	add("printer-state-message", goipp.TagText, goipp.String(d.StateMessage))
	if req.Want("printer-state-reasons") {
		attrs.Add(keywordList("printer-state-reasons", stateReasonsOrNone(d.StateReasons)))
	}
	add("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(d.Accepting))
	add("printer-is-shared", goipp.TagBoolean, goipp.Boolean(d.Shared))
	add("printer-is-temporary", goipp.TagBoolean, goipp.Boolean(d.Temporary))
	add("printer-type", goipp.TagEnum, goipp.Integer(d.TypeBits))
	add("printer-info", goipp.TagText, goipp.String(d.Info))
	add("printer-location", goipp.TagText, goipp.String(d.Location))
	if d.GeoLocation != "" {
		add("printer-geo-location", goipp.TagURI, goipp.String(d.GeoLocation))
	}
	add("printer-organization", goipp.TagText, goipp.String(d.Organization))
	add("printer-make-and-model", goipp.TagText, goipp.String(makeAndModel(d)))
	if !d.IsClass {
		add("device-uri", goipp.TagURI, goipp.String(d.DeviceURI))
	}
	add("printer-up-time", goipp.TagInteger, goipp.Integer(upTime()))
	add("printer-current-time", goipp.TagDateTime, goipp.Time{Time: time.Now()})
	add("queued-job-count", goipp.TagInteger, goipp.Integer(s.Jobs.CountActive(d.Name, "")))
	add("printer-error-policy", goipp.TagName, goipp.String(orDefault(d.ErrorPolicy, "stop-printer")))
	add("printer-op-policy", goipp.TagName, goipp.String(orDefault(d.OpPolicy, "default")))

	add("charset-configured", goipp.TagCharset, goipp.String("utf-8"))
	if req.Want("charset-supported") {
		attrs.Add(goipp.MakeAttr("charset-supported", goipp.TagCharset,
			goipp.String("utf-8"), goipp.String("us-ascii")))
	}
	add("natural-language-configured", goipp.TagLanguage, goipp.String("en-US"))
	add("generated-natural-language-supported", goipp.TagLanguage, goipp.String("en-US"))
	if req.Want("ipp-versions-supported") {
		attrs.Add(goipp.MakeAttr("ipp-versions-supported", goipp.TagKeyword,
			goipp.String("1.1"), goipp.String("2.0"), goipp.String("2.1")))
	}
	if req.Want("operations-supported") {
		a := goipp.Attribute{Name: "operations-supported"}
		for _, op := range supportedOps {
			a.Values.Add(goipp.TagEnum, goipp.Integer(op))
		}
		attrs.Add(a)
	}
	add("document-format-default", goipp.TagMimeType, goipp.String("application/octet-stream"))
	if req.Want("document-format-supported") {
		a := goipp.Attribute{Name: "document-format-supported"}
		for _, f := range s.docFormats() {
			a.Values.Add(goipp.TagMimeType, goipp.String(f))
		}
		attrs.Add(a)
	}
	if req.Want("compression-supported") {
		attrs.Add(goipp.MakeAttr("compression-supported", goipp.TagKeyword,
			goipp.String("none"), goipp.String("gzip")))
	}
	add("copies-default", goipp.TagInteger, goipp.Integer(1))
	add("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 9999})
	add("job-priority-default", goipp.TagInteger, goipp.Integer(50))
	add("job-priority-supported", goipp.TagInteger, goipp.Integer(100))
	add("job-hold-until-default", goipp.TagKeyword, goipp.String("no-hold"))
	if req.Want("job-hold-until-supported") {
		attrs.Add(goipp.MakeAttr("job-hold-until-supported", goipp.TagKeyword,
			goipp.String("no-hold"), goipp.String("indefinite"),
			goipp.String("day-time"), goipp.String("evening"),
			goipp.String("night"), goipp.String("second-shift"),
			goipp.String("third-shift"), goipp.String("weekend")))
	}
	add("job-sheets-default", goipp.TagName, goipp.String(orDefault(d.JobSheets, "none")))
	if req.Want("job-sheets-supported") {
		attrs.Add(goipp.MakeAttr("job-sheets-supported", goipp.TagName,
			goipp.String("none"), goipp.String("classified"),
			goipp.String("confidential"), goipp.String("standard")))
	}
	add("pdl-override-supported", goipp.TagKeyword, goipp.String("attempted"))
	add("multiple-document-jobs-supported", goipp.TagBoolean, goipp.Boolean(true))
	add("multiple-operation-time-out", goipp.TagInteger,
		goipp.Integer(s.Config.MultipleOperationTimeout))
	if req.Want("notify-events-supported") {
		a := goipp.Attribute{Name: "notify-events-supported"}
		for _, kw := range notify.EventAll.Keywords() {
			a.Values.Add(goipp.TagKeyword, goipp.String(kw))
		}
		attrs.Add(a)
	}
	add("notify-lease-duration-default", goipp.TagInteger, goipp.Integer(86400))
	if req.Want("notify-pull-method-supported") {
		attrs.Add(goipp.MakeAttribute("notify-pull-method-supported",
			goipp.TagKeyword, goipp.String("ippget")))
	}

	if d.IsClass && req.Want("member-names") {
		a := goipp.Attribute{Name: "member-names"}
		for _, m := range d.Members {
			a.Values.Add(goipp.TagName, goipp.String(m))
		}
		if len(a.Values) > 0 {
			attrs.Add(a)
		}
	}
	if d.KLimit > 0 {
		add("job-k-limit", goipp.TagInteger, goipp.Integer(d.KLimit))
	}
	if d.PageLimit > 0 {
		add("job-page-limit", goipp.TagInteger, goipp.Integer(d.PageLimit))
	}
	if d.QuotaPeriod > 0 {
		add("job-quota-period", goipp.TagInteger, goipp.Integer(int(d.QuotaPeriod/time.Second)))
	}
	if req.Want("requesting-user-name-allowed") && len(d.AllowUsers) > 0 {
		attrs.Add(nameList("requesting-user-name-allowed", d.AllowUsers))
	}
	if req.Want("requesting-user-name-denied") && len(d.DenyUsers) > 0 {
		attrs.Add(nameList("requesting-user-name-denied", d.DenyUsers))
	}

	// Queue defaults configured by the administrator surface as
	// xxx-default attributes.
	if len(d.DefaultOptions) > 0 {
		keys := make([]string, 0, len(d.DefaultOptions))
		for k := range d.DefaultOptions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k + "-default"
			if req.Want(name) {
				attrs.Add(goipp.MakeAttribute(name, goipp.TagName,
					goipp.String(d.DefaultOptions[k])))
			}
		}
	}
	return attrs
}

// jobAttributes renders one job as a job attributes group. Private
// attributes are withheld from principals outside the job's access list.
func (s *Server) jobAttributes(q *request, j *jobs.Job, req ippattr.Requested) goipp.Attributes {
	private := s.Engine.PrivateAttrs(q.principal(), j.Username, false)

	attrs := goipp.Attributes{}
	add := func(name string, tag goipp.Tag, v goipp.Value) {
		if !req.Want(name) {
			return
		}
		if private[name] {
			attrs.Add(goipp.MakeAttribute(name, goipp.TagUnsupportedValue, goipp.Void{}))
			return
		}
		attrs.Add(goipp.MakeAttribute(name, tag, v))
	}

	add("job-id", goipp.TagInteger, goipp.Integer(j.ID))
	add("job-uri", goipp.TagURI, goipp.String(q.jobURI(j.ID)))
	if d, err := s.Reg.Get(j.Dest); err == nil {
		add("job-printer-uri", goipp.TagURI, goipp.String(q.printerURI(d.Snapshot())))
	}
	add("job-name", goipp.TagName, goipp.String(j.Name))
	add("job-originating-user-name", goipp.TagName, goipp.String(j.Username))
	add("job-state", goipp.TagEnum, goipp.Integer(int(j.State)))
	if req.Want("job-state-reasons") {
		attrs.Add(keywordList("job-state-reasons", j.ReasonsKeyword()))
	}
	add("job-priority", goipp.TagInteger, goipp.Integer(j.Priority))
	if j.HoldUntil != "" {
		add("job-hold-until", goipp.TagKeyword, goipp.String(j.HoldUntil))
	}
	add("job-k-octets", goipp.TagInteger, goipp.Integer(j.KOctets))
	if j.Impressions > 0 {
		add("job-impressions", goipp.TagInteger, goipp.Integer(j.Impressions))
		if j.State == jobs.StateCompleted {
			add("job-impressions-completed", goipp.TagInteger, goipp.Integer(j.Impressions))
		}
	}
	add("number-of-documents", goipp.TagInteger, goipp.Integer(len(j.Documents)))
	add("time-at-creation", goipp.TagInteger, goipp.Integer(j.CreatedAt.Unix()))
	if !j.ProcessingAt.IsZero() {
		add("time-at-processing", goipp.TagInteger, goipp.Integer(j.ProcessingAt.Unix()))
	}
	if !j.CompletedAt.IsZero() {
		add("time-at-completed", goipp.TagInteger, goipp.Integer(j.CompletedAt.Unix()))
	}
	add("job-printer-up-time", goipp.TagInteger, goipp.Integer(upTime()))

	// Job template attributes saved at submission time, minus anything
	// already rendered above.
	exclude := map[string]bool{
		"job-name": true, "job-hold-until": true, "job-priority": true,
		"requesting-user-name": true,
	}
	for name := range private {
		exclude[name] = true
	}
	ippattr.CopyFiltered(&attrs, j.Attrs, req, exclude)
	return attrs
}

// documentAttributes renders one stored document.
func documentAttributes(q *request, j *jobs.Job, doc jobs.Document, req ippattr.Requested) goipp.Attributes {
	attrs := goipp.Attributes{}
	add := func(name string, tag goipp.Tag, v goipp.Value) {
		if req.Want(name) {
			attrs.Add(goipp.MakeAttribute(name, tag, v))
		}
	}
	add("document-number", goipp.TagInteger, goipp.Integer(doc.Number))
	add("document-name", goipp.TagName, goipp.String(doc.Name))
	add("document-format", goipp.TagMimeType, goipp.String(doc.Format))
	if doc.Compression != "" {
		add("compression", goipp.TagKeyword, goipp.String(doc.Compression))
	}
	add("document-job-id", goipp.TagInteger, goipp.Integer(j.ID))
	add("document-job-uri", goipp.TagURI, goipp.String(q.jobURI(j.ID)))
	add("k-octets", goipp.TagInteger, goipp.Integer(int((doc.SizeBytes+1023)/1024)))
	return attrs
}

// subscriptionAttributes renders one subscription, withholding private
// attributes from principals outside the access list.
func (s *Server) subscriptionAttributes(q *request, sub *notify.Subscription, req ippattr.Requested) goipp.Attributes {
	private := s.Engine.PrivateAttrs(q.principal(), sub.Owner, true)

	attrs := goipp.Attributes{}
	add := func(name string, tag goipp.Tag, v goipp.Value) {
		if !req.Want(name) {
			return
		}
		if private[name] {
			attrs.Add(goipp.MakeAttribute(name, goipp.TagUnsupportedValue, goipp.Void{}))
			return
		}
		attrs.Add(goipp.MakeAttribute(name, tag, v))
	}

	add("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
	add("notify-subscriber-user-name", goipp.TagName, goipp.String(sub.Owner))
	if req.Want("notify-events") && !private["notify-events"] {
		attrs.Add(keywordList("notify-events", sub.Events.Keywords()))
	}
	if sub.DestName != "" {
		if d, err := s.Reg.Get(sub.DestName); err == nil {
			add("notify-printer-uri", goipp.TagURI, goipp.String(q.printerURI(d.Snapshot())))
		}
	}
	if sub.JobID != 0 {
		add("notify-job-id", goipp.TagInteger, goipp.Integer(sub.JobID))
	}
	if sub.Recipient != "" {
		add("notify-recipient-uri", goipp.TagURI, goipp.String(sub.Recipient))
	} else {
		add("notify-pull-method", goipp.TagKeyword, goipp.String(orDefault(sub.PullMethod, "ippget")))
	}
	if len(sub.UserData) > 0 && req.Want("notify-user-data") && !private["notify-user-data"] {
		attrs.Add(goipp.MakeAttribute("notify-user-data",
			goipp.TagString, goipp.Binary(sub.UserData)))
	}
	add("notify-charset", goipp.TagCharset, goipp.String(orDefault(sub.Charset, "utf-8")))
	add("notify-natural-language", goipp.TagLanguage, goipp.String(orDefault(sub.Language, "en-US")))
	if sub.Lease > 0 {
		add("notify-lease-duration", goipp.TagInteger, goipp.Integer(int(sub.Lease/time.Second)))
	}
	if !sub.ExpiresAt.IsZero() {
		add("notify-lease-expiration-time", goipp.TagInteger, goipp.Integer(sub.ExpiresAt.Unix()))
	}
	if sub.Interval > 0 {
		add("notify-time-interval", goipp.TagInteger, goipp.Integer(int(sub.Interval/time.Second)))
	}
	add("notify-sequence-number", goipp.TagInteger, goipp.Integer(sub.NextSeq()-1))
	return attrs
}

// eventAttributes renders one event as an event-notification group.
func (s *Server) eventAttributes(q *request, sub *notify.Subscription, ev notify.Event) goipp.Attributes {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("notify-charset", goipp.TagCharset,
		goipp.String(orDefault(sub.Charset, "utf-8"))))
	attrs.Add(goipp.MakeAttribute("notify-natural-language", goipp.TagLanguage,
		goipp.String(orDefault(sub.Language, "en-US"))))
	attrs.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger,
		goipp.Integer(sub.ID)))
	attrs.Add(goipp.MakeAttribute("notify-sequence-number", goipp.TagInteger,
		goipp.Integer(ev.Seq)))
	attrs.Add(goipp.MakeAttribute("notify-subscribed-event", goipp.TagKeyword,
		goipp.String(ev.Kind.Name())))
	attrs.Add(goipp.MakeAttribute("notify-text", goipp.TagText, goipp.String(ev.Text)))
	attrs.Add(goipp.MakeAttribute("printer-up-time", goipp.TagInteger,
		goipp.Integer(ev.Time.Unix())))
	if ev.DestName != "" {
		if d, err := s.Reg.Get(ev.DestName); err == nil {
			snap := d.Snapshot()
			attrs.Add(goipp.MakeAttribute("notify-printer-uri", goipp.TagURI,
				goipp.String(q.printerURI(snap))))
			attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum,
				goipp.Integer(snap.State)))
			attrs.Add(keywordList("printer-state-reasons", stateReasonsOrNone(snap.StateReasons)))
			attrs.Add(goipp.MakeAttribute("printer-is-accepting-jobs",
				goipp.TagBoolean, goipp.Boolean(snap.Accepting)))
		}
	}
	if ev.JobID != 0 {
		attrs.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger,
			goipp.Integer(ev.JobID)))
		if ev.JobState != 0 {
			attrs.Add(goipp.MakeAttribute("job-state", goipp.TagEnum,
				goipp.Integer(ev.JobState)))
		}
		if j := s.Jobs.Find(ev.JobID); j != nil {
			attrs.Add(keywordList("job-state-reasons", j.ReasonsKeyword()))
		}
	}
	return attrs
}

func keywordList(name string, keywords []string) goipp.Attribute {
	a := goipp.Attribute{Name: name}
	for _, kw := range keywords {
		a.Values.Add(goipp.TagKeyword, goipp.String(kw))
	}
	if len(a.Values) == 0 {
		a.Values.Add(goipp.TagKeyword, goipp.String("none"))
	}
	return a
}

func nameList(name string, names []string) goipp.Attribute {
	a := goipp.Attribute{Name: name}
	for _, n := range names {
		a.Values.Add(goipp.TagName, goipp.String(n))
	}
	return a
}

func stateReasonsOrNone(reasons []string) []string {
	if len(reasons) == 0 {
		return []string{"none"}
	}
	return reasons
}

func uriSecurity(s *Server) string {
	if s.Config.TLSEnabled {
		return "tls"
	}
	return "none"
}

func makeAndModel(d registry.Snapshot) string {
	if d.IsClass {
		return "Local Printer Class"
	}
	if d.PPDName != "" {
		return d.PPDName
	}
	return "Local Raw Printer"
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

var startTime = time.Now()

// upTime reports seconds since the server started, the reference clock for
// printer-up-time style attributes.
func upTime() int {
	up := int(time.Since(startTime) / time.Second)
	if up < 1 {
		up = 1
	}
	return up
}
