package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"printd/internal/ippattr"
	"printd/internal/jobs"
	"printd/internal/notify"
	"printd/internal/policy"
	"printd/internal/registry"
)

// jobGroup returns the first job attributes group of the request, where job
// template attributes live.
func (q *request) jobGroup() goipp.Attributes {
	for _, g := range q.msg.Groups {
		if g.Tag == goipp.TagJobGroup {
			return g.Attrs
		}
	}
	return nil
}

// quotaLimits assembles the submission limits for one destination, falling
// back to the server-wide configuration where the queue sets none.
func (s *Server) quotaLimits(d registry.Snapshot) jobs.QuotaLimits {
	l := jobs.QuotaLimits{
		MaxActivePerDest: s.Config.MaxJobsPerPrinter,
		MaxActivePerUser: s.Config.MaxJobsPerUser,
		KLimit:           d.KLimit,
		PageLimit:        d.PageLimit,
		Period:           d.QuotaPeriod,
	}
	if l.KLimit == 0 {
		l.KLimit = s.Config.JobKLimit
	}
	if l.PageLimit == 0 {
		l.PageLimit = s.Config.JobPageLimit
	}
	if l.Period <= 0 {
		l.Period = s.Config.QuotaPeriod()
	}
	return l
}

// submissionGates runs the checks every job submission passes, in the order
// clients observe the failures: policy, accepting, per-queue ACL, quotas.
func (s *Server) submissionGates(q *request, d *registry.Destination) (registry.Snapshot, error) {
	snap := d.Snapshot()
	if err := s.checkPolicy(q, q.user); err != nil {
		return snap, err
	}
	if !snap.Accepting {
		return snap, ippattr.Errorf(goipp.StatusErrorNotAcceptingJobs,
			"destination %q is not accepting jobs", snap.Name)
	}
	if !d.UserAllowed(q.user) {
		return snap, ippattr.Errorf(goipp.StatusErrorNotAuthorized,
			"user %q may not print to %q", q.user, snap.Name)
	}
	switch s.Jobs.CheckQuotas(snap.Name, q.user, s.quotaLimits(snap)) {
	case jobs.QuotaLimitReached:
		return snap, ippattr.Errorf(goipp.StatusErrorTooManyJobs,
			"too many queued jobs for %q", snap.Name)
	case jobs.QuotaDenied:
		return snap, ippattr.Errorf(goipp.StatusErrorNotPossible,
			"quota exceeded for %q on %q", q.user, snap.Name)
	}
	return snap, nil
}

// validateTemplate checks the job template ahead of job creation so a bad
// request never leaves a half-made job behind. A non-nil response is the
// error reply, with the offending attribute echoed in the unsupported group.
func (s *Server) validateTemplate(q *request) (*goipp.Message, error) {
	tmpl := q.jobGroup()

	if a, ok := ippattr.Find(tmpl, "copies"); ok {
		n, _ := ippattr.Int(tmpl, "copies")
		if n < 1 || n > 9999 {
			resp := errorResponse(q.msg, goipp.StatusErrorAttributesOrValues,
				fmt.Sprintf("bad copies value %d", n))
			resp.Unsupported.Add(a)
			return resp, nil
		}
	}
	if v, ok := ippattr.String(tmpl, "job-hold-until"); ok && !jobs.ValidHoldUntil(v) {
		a, _ := ippattr.Find(tmpl, "job-hold-until")
		resp := errorResponse(q.msg, goipp.StatusErrorAttributesOrValues,
			fmt.Sprintf("bad job-hold-until value %q", v))
		resp.Unsupported.Add(a)
		return resp, nil
	}
	if n, ok := ippattr.Int(tmpl, "job-priority"); ok && (n < 1 || n > 100) {
		a, _ := ippattr.Find(tmpl, "job-priority")
		resp := errorResponse(q.msg, goipp.StatusErrorAttributesOrValues,
			fmt.Sprintf("bad job-priority value %d", n))
		resp.Unsupported.Add(a)
		return resp, nil
	}
	if f, ok := ippattr.String(q.msg.Operation, "document-format"); ok && !s.formatSupported(f) {
		return errorResponse(q.msg, goipp.StatusErrorDocumentFormatNotSupported,
			fmt.Sprintf("unsupported document-format %q", f)), nil
	}
	if c, ok := ippattr.String(q.msg.Operation, "compression"); ok &&
		c != "none" && c != "gzip" {
		return errorResponse(q.msg, goipp.StatusErrorCompressionNotSupported,
			fmt.Sprintf("unsupported compression %q", c)), nil
	}
	return nil, nil
}

func (s *Server) formatSupported(f string) bool {
	for _, mt := range s.docFormats() {
		if strings.EqualFold(mt, f) {
			return true
		}
	}
	return false
}

// newJob creates the job and stamps its template attributes and queue
// defaults. The caller has already validated the template.
func (s *Server) newJob(q *request, snap registry.Snapshot) (*jobs.Job, error) {
	name, _ := ippattr.String(q.msg.Operation, "job-name")
	if name == "" {
		name = "Untitled Document"
	}
	tmpl := q.jobGroup()
	priority := 50
	if n, ok := ippattr.Int(tmpl, "job-priority"); ok {
		priority = n
	}

	j, err := s.Jobs.Add(snap.Name, q.user, name, priority)
	if err != nil {
		return nil, err
	}

	attrs := goipp.Attributes{}
	for _, a := range tmpl {
		attrs.Add(a)
	}
	if _, ok := ippattr.String(attrs, "job-sheets"); !ok && snap.JobSheets != "" {
		ippattr.SetString(&attrs, "job-sheets", goipp.TagName, snap.JobSheets)
	}
	for opt, val := range snap.DefaultOptions {
		if _, ok := ippattr.Find(attrs, opt); !ok {
			ippattr.SetString(&attrs, opt, goipp.TagName, val)
		}
	}
	j.Attrs = attrs

	hold, _ := ippattr.String(tmpl, "job-hold-until")
	for _, r := range snap.StateReasons {
		if r == "hold-new-jobs" && (hold == "" || hold == "no-hold") {
			hold = "indefinite"
		}
	}
	if hold != "" {
		if err := s.Jobs.SetHoldUntil(j, hold, false); err != nil {
			s.Jobs.SetState(j, jobs.StateAborted, true, "aborted-by-system")
			return nil, err
		}
	}

	s.Bus.Publish(notify.Event{
		Kind:     notify.EventJobCreated,
		DestName: snap.Name,
		JobID:    j.ID,
		JobState: int(j.State),
		Text:     fmt.Sprintf("Job %d created on %s by %s.", j.ID, snap.Name, q.user),
	})
	return j, nil
}

// saveDocument persists one spooled document from the request body. Spool
// failures are fatal for the job: it is aborted rather than left with an
// inconsistent file list.
func (s *Server) saveDocument(q *request, j *jobs.Job) (jobs.Document, error) {
	format, _ := ippattr.String(q.msg.Operation, "document-format")
	if format == "" {
		format = "application/octet-stream"
	}
	compression, _ := ippattr.String(q.msg.Operation, "compression")
	if compression == "none" {
		compression = ""
	}
	docName, _ := ippattr.String(q.msg.Operation, "document-name")
	if docName == "" {
		docName = j.Name
	}

	num := len(j.Documents) + 1
	path, size, err := s.Spool.Save(j.ID, num, q.body)
	if err != nil {
		s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
		return jobs.Document{}, fmt.Errorf("spooling job %d: %w", j.ID, err)
	}
	doc, err := s.Jobs.AddFile(j, docName, path, format, compression, size)
	if err != nil {
		s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
		return jobs.Document{}, err
	}
	s.Log.JobInfof(j.ID, "document %d (%s, %d bytes) spooled by %s",
		doc.Number, format, size, q.user)
	return doc, nil
}

// jobReply is the standard Print-Job/Create-Job/Send-Document success
// response: job-id, job-uri and the job's state triple.
func (s *Server) jobReply(q *request, j *jobs.Job) *goipp.Message {
	resp := q.okResponse()
	resp.Job.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))
	resp.Job.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(q.jobURI(j.ID))))
	resp.Job.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(int(j.State))))
	resp.Job.Add(keywordList("job-state-reasons", j.ReasonsKeyword()))
	return resp
}

func (s *Server) printJob(q *request) (*goipp.Message, error) {
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	snap, err := s.submissionGates(q, d)
	if err != nil {
		return nil, err
	}
	if resp, err := s.validateTemplate(q); resp != nil || err != nil {
		return resp, err
	}
	if q.body.Len() == 0 {
		return q.errorf(goipp.StatusErrorBadRequest, "no document data")
	}

	j, err := s.newJob(q, snap)
	if err != nil {
		return nil, err
	}
	if _, err := s.saveDocument(q, j); err != nil {
		return nil, err
	}
	if err := s.Jobs.Close(j); err != nil {
		return nil, err
	}
	s.Log.Infof("job %d queued on %s for %s", j.ID, snap.Name, q.user)
	return s.jobReply(q, j), nil
}

func (s *Server) validateJob(q *request) (*goipp.Message, error) {
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	if _, err := s.submissionGates(q, d); err != nil {
		return nil, err
	}
	if resp, err := s.validateTemplate(q); resp != nil || err != nil {
		return resp, err
	}
	return q.okResponse(), nil
}

func (s *Server) createJob(q *request) (*goipp.Message, error) {
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	snap, err := s.submissionGates(q, d)
	if err != nil {
		return nil, err
	}
	if resp, err := s.validateTemplate(q); resp != nil || err != nil {
		return resp, err
	}

	j, err := s.newJob(q, snap)
	if err != nil {
		return nil, err
	}
	// The job waits in held state for Send-Document; the sweep closes it
	// if the client walks away.
	s.Jobs.SetDocDeadline(j, time.Now().Add(s.Config.DocTimeout()))
	return s.jobReply(q, j), nil
}

func (s *Server) sendDocument(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return q.errorf(goipp.StatusErrorNotPossible, "job %d is %s", j.ID, jobStateName(j.State))
	}
	if j.DocDeadline.IsZero() {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is no longer accepting documents", j.ID)
	}

	last, _ := ippattr.Bool(q.msg.Operation, "last-document")
	if q.body.Len() > 0 {
		if resp, err := s.validateTemplate(q); resp != nil || err != nil {
			return resp, err
		}
		if _, err := s.saveDocument(q, j); err != nil {
			return nil, err
		}
	} else if !last {
		return q.errorf(goipp.StatusErrorBadRequest, "no document data")
	}

	if last {
		if len(j.Documents) == 0 {
			s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
			return q.errorf(goipp.StatusErrorNotPossible, "job %d has no documents", j.ID)
		}
		if err := s.Jobs.Close(j); err != nil {
			return nil, err
		}
	}
	return s.jobReply(q, j), nil
}

func (s *Server) closeJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return q.errorf(goipp.StatusErrorNotPossible, "job %d is %s", j.ID, jobStateName(j.State))
	}
	if len(j.Documents) == 0 {
		s.Jobs.SetState(j, jobs.StateAborted, false, "aborted-by-system")
		return q.errorf(goipp.StatusErrorNotPossible, "job %d has no documents", j.ID)
	}
	if !j.DocDeadline.IsZero() {
		if err := s.Jobs.Close(j); err != nil {
			return nil, err
		}
	}
	return s.jobReply(q, j), nil
}

func (s *Server) cancelJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	purge, _ := ippattr.Bool(q.msg.Operation, "purge-job")
	if j.State.Terminal() && !purge {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is already %s", j.ID, jobStateName(j.State))
	}
	if purge && !s.Engine.IsAdmin(q.conn) && !q.conn.Local() {
		return nil, &authError{verdict: policy.Forbidden, reason: "purge requires administrative access"}
	}

	if j.State.Terminal() {
		// Purge of a finished job: drop the record and its files.
		if err := s.Jobs.SetState(j, j.State, true, ""); err != nil {
			return nil, err
		}
	} else if err := s.Jobs.SetState(j, jobs.StateCanceled, purge,
		"job-canceled-by-user"); err != nil {
		return nil, err
	}
	if purge {
		s.Spool.Remove(j.ID)
	}
	s.Log.Infof("job %d canceled by %s", j.ID, q.user)
	return q.okResponse(), nil
}

// cancelScope cancels every cancelable job matching the filter. Used by
// Cancel-Jobs, Cancel-My-Jobs and Purge-Jobs.
func (s *Server) cancelScope(dest, owner string, purge bool) int {
	n := 0
	for _, j := range s.Jobs.Active() {
		if dest != "" && !strings.EqualFold(j.Dest, dest) {
			continue
		}
		if owner != "" && !strings.EqualFold(j.Username, owner) {
			continue
		}
		if err := s.Jobs.SetState(j, jobs.StateCanceled, purge, "job-canceled-by-user"); err != nil {
			continue
		}
		if purge {
			s.Spool.Remove(j.ID)
		}
		n++
	}
	return n
}

func (s *Server) cancelJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	dest := ""
	if q.meta.Target != "" {
		d, err := s.resolveDest(q)
		if err != nil {
			return nil, err
		}
		dest = d.Snapshot().Name
	}
	n := s.cancelScope(dest, "", false)
	s.Log.Infof("%d jobs canceled by %s", n, q.user)
	return q.okResponse(), nil
}

func (s *Server) cancelMyJobs(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}
	dest := ""
	if q.meta.Target != "" {
		if d, err := s.resolveDest(q); err == nil {
			dest = d.Snapshot().Name
		}
	}
	n := s.cancelScope(dest, q.user, false)
	s.Log.Infof("%d jobs canceled by owner %s", n, q.user)
	return q.okResponse(), nil
}

func (s *Server) purgeJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	dest := ""
	if q.meta.Target != "" {
		d, err := s.resolveDest(q)
		if err != nil {
			return nil, err
		}
		dest = d.Snapshot().Name
	}
	s.cancelScope(dest, "", true)
	// Completed history goes too: purge is a full wipe of the queue.
	for _, j := range s.Jobs.All() {
		if dest != "" && !strings.EqualFold(j.Dest, dest) {
			continue
		}
		if !j.State.Terminal() {
			continue
		}
		s.Jobs.SetState(j, j.State, true, "")
		s.Spool.Remove(j.ID)
	}
	return q.okResponse(), nil
}

func (s *Server) getJobAttributes(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(q, j.Username); err != nil {
		return nil, err
	}
	req := ippattr.ParseRequested(q.msg.Operation)
	resp := q.okResponse()
	resp.Job = s.jobAttributes(q, j, req)
	return resp, nil
}

func (s *Server) getJobs(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}
	dest := ""
	if q.meta.Target != "" {
		if name, _ := destNameFromURI(q.meta.Target); name != "" {
			d, err := s.Reg.Get(name)
			if err != nil {
				return q.errorf(goipp.StatusErrorNotFound, "destination %q not found", name)
			}
			dest = d.Snapshot().Name
		}
	}

	which, _ := ippattr.String(q.msg.Operation, "which-jobs")
	if which == "" {
		which = "not-completed"
	}
	myJobs, _ := ippattr.Bool(q.msg.Operation, "my-jobs")
	limit, _ := ippattr.Int(q.msg.Operation, "limit")
	first, _ := ippattr.Int(q.msg.Operation, "first-job-id")

	var list []*jobs.Job
	switch which {
	case "completed":
		for _, j := range s.Jobs.All() {
			if j.State.Terminal() {
				list = append(list, j)
			}
		}
	case "all":
		list = s.Jobs.All()
	case "not-completed":
		list = s.Jobs.Active()
	default:
		return q.errorf(goipp.StatusErrorAttributesOrValues,
			"bad which-jobs value %q", which)
	}

	req := ippattr.ParseRequested(q.msg.Operation)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	n := 0
	for _, j := range list {
		if dest != "" && !strings.EqualFold(j.Dest, dest) {
			continue
		}
		if myJobs && !strings.EqualFold(j.Username, q.user) {
			continue
		}
		if first > 0 && j.ID < first {
			continue
		}
		attrs := s.jobAttributes(q, j, req)
		groups = append(groups, goipp.Group{Tag: goipp.TagJobGroup, Attrs: attrs})
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(goipp.StatusOk),
		q.msg.RequestID, groups), nil
}

func (s *Server) holdJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State != jobs.StatePending && j.State != jobs.StateHeld {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is %s and cannot be held", j.ID, jobStateName(j.State))
	}

	hold, ok := ippattr.String(q.msg.Operation, "job-hold-until")
	if !ok {
		hold, ok = ippattr.String(q.jobGroup(), "job-hold-until")
	}
	if !ok || hold == "" {
		hold = "indefinite"
	}
	if err := s.Jobs.SetHoldUntil(j, hold, true); err != nil {
		return nil, err
	}
	if j.State == jobs.StatePending {
		if err := s.Jobs.SetState(j, jobs.StateHeld, false, "job-hold-until-specified"); err != nil {
			return nil, err
		}
	}
	return q.okResponse(), nil
}

func (s *Server) releaseJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State != jobs.StateHeld {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is not held", j.ID)
	}
	if !j.DocDeadline.IsZero() {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is still awaiting documents", j.ID)
	}
	if err := s.Jobs.SetHoldUntil(j, "no-hold", true); err != nil {
		return nil, err
	}
	if err := s.Jobs.SetState(j, jobs.StatePending, false, "none"); err != nil {
		return nil, err
	}
	return q.okResponse(), nil
}

// restartJob re-queues a stopped or completed job whose files are still on
// disk. Finished jobs past their file-retention window cannot come back.
func (s *Server) restartJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		// Terminal states are final. Clients wanting a reprint submit a
		// new job; the original files may already be gone.
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is %s and cannot be restarted", j.ID, jobStateName(j.State))
	}
	if j.State != jobs.StateStopped {
		return q.errorf(goipp.StatusErrorNotPossible, "job %d is not stopped", j.ID)
	}
	if err := s.Jobs.SetState(j, jobs.StatePending, false, "job-restarted"); err != nil {
		return nil, err
	}
	return q.okResponse(), nil
}

func (s *Server) resumeJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	switch j.State {
	case jobs.StateStopped:
		if err := s.Jobs.SetState(j, jobs.StatePending, false, "none"); err != nil {
			return nil, err
		}
	case jobs.StateHeld:
		return s.releaseJob(q)
	default:
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is %s", j.ID, jobStateName(j.State))
	}
	return q.okResponse(), nil
}

func (s *Server) setJobAttributes(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State.Terminal() || j.State == jobs.StateProcessing {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is %s and cannot be modified", j.ID, jobStateName(j.State))
	}
	tmpl := q.jobGroup()
	if len(tmpl) == 0 {
		return q.errorf(goipp.StatusErrorBadRequest, "no job attributes supplied")
	}

	if n, ok := ippattr.Int(tmpl, "job-priority"); ok {
		if n < 1 || n > 100 {
			a, _ := ippattr.Find(tmpl, "job-priority")
			resp := errorResponse(q.msg, goipp.StatusErrorAttributesOrValues,
				fmt.Sprintf("bad job-priority value %d", n))
			resp.Unsupported.Add(a)
			return resp, nil
		}
		s.Jobs.SetPriority(j, n)
	}
	if v, ok := ippattr.String(tmpl, "job-hold-until"); ok {
		if err := s.Jobs.SetHoldUntil(j, v, true); err != nil {
			return nil, err
		}
		switch {
		case v == "no-hold" && j.State == jobs.StateHeld && j.DocDeadline.IsZero():
			s.Jobs.SetState(j, jobs.StatePending, false, "none")
		case v != "no-hold" && j.State == jobs.StatePending:
			s.Jobs.SetState(j, jobs.StateHeld, false, "job-hold-until-specified")
		}
	}

	// Remaining template attributes overwrite the stored copies.
	for _, a := range tmpl {
		switch a.Name {
		case "job-priority", "job-hold-until":
			continue
		}
		ippattr.Remove(&j.Attrs, a.Name)
		j.Attrs.Add(a)
	}
	s.Bus.Publish(notify.Event{
		Kind:     notify.EventJobConfigChanged,
		DestName: j.Dest,
		JobID:    j.ID,
		JobState: int(j.State),
		Text:     fmt.Sprintf("Job %d changed by %s.", j.ID, q.user),
	})
	return q.okResponse(), nil
}

// moveJob reassigns a job to another queue. Processing jobs go back to
// pending first so the scheduler re-dispatches against the new target.
func (s *Server) moveJob(q *request) (*goipp.Message, error) {
	target, ok := ippattr.String(q.msg.Operation, "job-printer-uri")
	if !ok {
		target, ok = ippattr.String(q.jobGroup(), "job-printer-uri")
	}
	if !ok {
		return q.errorf(goipp.StatusErrorBadRequest, "missing job-printer-uri")
	}
	name, _ := destNameFromURI(target)
	if name == "" {
		return q.errorf(goipp.StatusErrorBadRequest, "bad job-printer-uri %q", target)
	}
	dest, err := s.Reg.Get(name)
	if err != nil {
		return q.errorf(goipp.StatusErrorNotFound, "destination %q not found", name)
	}
	snap := dest.Snapshot()

	j, err := s.resolveJob(q)
	if err != nil {
		// No job-id/job-uri: move every job on the source queue.
		src, derr := s.resolveDest(q)
		if derr != nil {
			return nil, derr
		}
		if aerr := s.requireAdmin(q); aerr != nil {
			return nil, aerr
		}
		srcName := src.Snapshot().Name
		for _, mj := range s.Jobs.Active() {
			if strings.EqualFold(mj.Dest, srcName) {
				s.Jobs.Move(mj, snap.Name)
			}
		}
		return q.okResponse(), nil
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return q.errorf(goipp.StatusErrorNotPossible,
			"job %d is %s", j.ID, jobStateName(j.State))
	}
	s.Jobs.Move(j, snap.Name)
	s.Log.Infof("job %d moved to %s by %s", j.ID, snap.Name, q.user)
	return q.okResponse(), nil
}

func (s *Server) cupsGetDocument(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	num, ok := ippattr.Int(q.msg.Operation, "document-number")
	if !ok {
		num = 1
	}
	if num < 1 || num > len(j.Documents) {
		return q.errorf(goipp.StatusErrorNotFound,
			"job %d has no document %d", j.ID, num)
	}
	doc := j.Documents[num-1]
	f, err := s.Spool.Open(doc.Path)
	if err != nil {
		return q.errorf(goipp.StatusErrorNotFound,
			"document %d of job %d is no longer on disk", num, j.ID)
	}
	q.respBody = f

	resp := q.okResponse()
	resp.Operation.Add(goipp.MakeAttribute("document-format",
		goipp.TagMimeType, goipp.String(doc.Format)))
	resp.Operation.Add(goipp.MakeAttribute("document-number",
		goipp.TagInteger, goipp.Integer(doc.Number)))
	resp.Operation.Add(goipp.MakeAttribute("document-name",
		goipp.TagName, goipp.String(doc.Name)))
	return resp, nil
}

func (s *Server) getDocuments(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(q, j.Username); err != nil {
		return nil, err
	}
	req := ippattr.ParseRequested(q.msg.Operation)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	for _, doc := range j.Documents {
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagDocumentGroup,
			Attrs: documentAttributes(q, j, doc, req),
		})
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(goipp.StatusOk),
		q.msg.RequestID, groups), nil
}

func (s *Server) getDocumentAttributes(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(q, j.Username); err != nil {
		return nil, err
	}
	num, ok := ippattr.Int(q.msg.Operation, "document-number")
	if !ok {
		return q.errorf(goipp.StatusErrorBadRequest, "missing document-number")
	}
	if num < 1 || num > len(j.Documents) {
		return q.errorf(goipp.StatusErrorNotFound,
			"job %d has no document %d", j.ID, num)
	}
	req := ippattr.ParseRequested(q.msg.Operation)
	resp := q.okResponse()
	resp.Document = documentAttributes(q, j, j.Documents[num-1], req)
	return resp, nil
}

// authenticateJob releases a job held for authentication once the client
// has re-sent it with credentials.
func (s *Server) authenticateJob(q *request) (*goipp.Message, error) {
	j, err := s.resolveJob(q)
	if err != nil {
		return nil, err
	}
	if q.conn.User == "" {
		return nil, &authError{verdict: policy.Unauthorized, reason: "authentication required"}
	}
	if err := s.requireOwnerOrAdmin(q, j.Username); err != nil {
		return nil, err
	}
	if j.State != jobs.StateHeld {
		return q.errorf(goipp.StatusErrorNotPossible, "job %d is not held", j.ID)
	}
	if err := s.Jobs.SetHoldUntil(j, "no-hold", true); err != nil {
		return nil, err
	}
	if err := s.Jobs.SetState(j, jobs.StatePending, false, "none"); err != nil {
		return nil, err
	}
	return q.okResponse(), nil
}
