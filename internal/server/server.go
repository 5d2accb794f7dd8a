// Package server implements the IPP endpoint: it decodes requests, routes
// them through an operation table built once at startup, enforces the
// operation policy and renders responses with goipp.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/OpenPrinting/goipp"

	"printd/internal/config"
	"printd/internal/jobs"
	"printd/internal/logging"
	"printd/internal/notify"
	"printd/internal/policy"
	"printd/internal/registry"
	"printd/internal/spool"
	"printd/internal/store"
)

// Server holds the shared state behind every IPP operation.
type Server struct {
	Config *config.Config
	Engine *policy.Engine
	Jobs   *jobs.Store
	Reg    *registry.Registry
	Bus    *notify.Bus
	Spool  spool.Spool
	Log    *logging.Manager

	// DB is optional; when nil, Basic credentials are rejected and
	// nothing persists.
	DB *store.Store

	// OnDestChange, when set, is called after destinations are added,
	// removed or renamed so DNS-SD advertisements can be refreshed.
	OnDestChange func()

	handlers map[goipp.Op]handlerFunc
}

type handlerFunc func(q *request) (*goipp.Message, error)

// New wires the operation table and the job-change event hook. The table is
// never mutated after this point, so dispatch needs no locking.
func New(cfg *config.Config, eng *policy.Engine, js *jobs.Store, reg *registry.Registry,
	bus *notify.Bus, sp spool.Spool, log *logging.Manager, db *store.Store) *Server {

	s := &Server{
		Config: cfg,
		Engine: eng,
		Jobs:   js,
		Reg:    reg,
		Bus:    bus,
		Spool:  sp,
		Log:    log,
		DB:     db,
	}
	s.handlers = map[goipp.Op]handlerFunc{
		goipp.OpPrintJob:              s.printJob,
		goipp.OpValidateJob:           s.validateJob,
		goipp.OpCreateJob:             s.createJob,
		goipp.OpSendDocument:          s.sendDocument,
		goipp.OpCloseJob:              s.closeJob,
		goipp.OpCancelJob:             s.cancelJob,
		goipp.OpCancelJobs:            s.cancelJobs,
		goipp.OpCancelMyJobs:          s.cancelMyJobs,
		goipp.OpPurgeJobs:             s.purgeJobs,
		goipp.OpGetJobAttributes:      s.getJobAttributes,
		goipp.OpGetJobs:               s.getJobs,
		goipp.OpHoldJob:               s.holdJob,
		goipp.OpReleaseJob:            s.releaseJob,
		goipp.OpRestartJob:            s.restartJob,
		goipp.OpResumeJob:             s.resumeJob,
		goipp.OpSetJobAttributes:      s.setJobAttributes,
		goipp.OpGetDocuments:          s.getDocuments,
		goipp.OpGetDocumentAttributes: s.getDocumentAttributes,

		goipp.OpCupsMoveJob:         s.moveJob,
		goipp.OpCupsGetDocument:     s.cupsGetDocument,
		goipp.OpCupsAuthenticateJob: s.authenticateJob,

		goipp.OpGetPrinterAttributes: s.getPrinterAttributes,
		goipp.OpCupsGetPrinters:      s.cupsGetPrinters,
		goipp.OpCupsGetClasses:       s.cupsGetClasses,
		goipp.OpCupsGetDefault:       s.cupsGetDefault,
		goipp.OpCupsSetDefault:       s.cupsSetDefault,
		goipp.OpCupsGetDevices:       s.cupsGetDevices,
		goipp.OpCupsGetPpds:          s.cupsGetPPDs,

		goipp.OpCupsAddModifyPrinter:        s.addModifyPrinter,
		goipp.OpCupsDeletePrinter:           s.deletePrinter,
		goipp.OpCupsAddModifyClass:          s.addModifyClass,
		goipp.OpCupsDeleteClass:             s.deleteClass,
		goipp.OpCupsCreateLocalPrinter:      s.createLocalPrinter,
		goipp.OpSetPrinterAttributes:        s.setPrinterAttributes,
		goipp.OpPausePrinter:                s.pausePrinter,
		goipp.OpPausePrinterAfterCurrentJob: s.pausePrinterAfterCurrentJob,
		goipp.OpResumePrinter:               s.resumePrinter,
		goipp.OpEnablePrinter:               s.acceptJobs,
		goipp.OpDisablePrinter:              s.rejectJobs,
		goipp.OpCupsAcceptJobs:              s.acceptJobs,
		goipp.OpCupsRejectJobs:              s.rejectJobs,
		goipp.OpHoldNewJobs:                 s.holdNewJobs,
		goipp.OpReleaseHeldNewJobs:          s.releaseHeldNewJobs,
		goipp.OpPauseAllPrinters:            s.pauseAllPrinters,
		goipp.OpResumeAllPrinters:           s.resumeAllPrinters,

		goipp.OpCreatePrinterSubscriptions: s.createSubscriptions,
		goipp.OpCreateJobSubscriptions:     s.createSubscriptions,
		goipp.OpGetSubscriptionAttributes:  s.getSubscriptionAttributes,
		goipp.OpGetSubscriptions:           s.getSubscriptions,
		goipp.OpRenewSubscription:          s.renewSubscription,
		goipp.OpCancelSubscription:         s.cancelSubscription,
		goipp.OpGetNotifications:           s.getNotifications,
	}
	s.Jobs.OnChange = s.jobChanged
	return s
}

// jobChanged publishes a notification for every job state transition. The
// job store calls it under its own lock discipline, never re-entrantly.
func (s *Server) jobChanged(ch jobs.StateChange) {
	kind := notify.EventJobStateChanged
	switch ch.To {
	case jobs.StateCompleted, jobs.StateCanceled, jobs.StateAborted:
		kind = notify.EventJobCompleted
	case jobs.StateStopped:
		kind = notify.EventJobStopped
	}
	s.Bus.Publish(notify.Event{
		Kind:     kind,
		DestName: ch.Job.Dest,
		JobID:    ch.Job.ID,
		JobState: int(ch.To),
		Text:     fmt.Sprintf("Job %d is now %s.", ch.Job.ID, jobStateName(ch.To)),
	})
	if ch.Purge {
		s.Bus.DropJob(ch.Job.ID)
	}
	if ch.To.Terminal() {
		s.applyDeferredPause(ch.Job.Dest)
	}
}

// applyDeferredPause stops a queue that was told to pause after its current
// job, now that the job has finished.
func (s *Server) applyDeferredPause(dest string) {
	d, err := s.Reg.Get(dest)
	if err != nil {
		return
	}
	snap := d.Snapshot()
	for _, r := range snap.StateReasons {
		if r != "moving-to-paused" {
			continue
		}
		d.RemoveReason("moving-to-paused")
		d.SetState(registry.StateStopped, "Paused")
		s.Bus.Publish(notify.Event{
			Kind:         notify.EventPrinterStopped,
			DestName:     dest,
			PrinterState: registry.StateStopped,
			Text:         fmt.Sprintf("Printer %q paused after current job.", dest),
		})
		return
	}
}

func jobStateName(st jobs.State) string {
	switch st {
	case jobs.StatePending:
		return "pending"
	case jobs.StateHeld:
		return "held"
	case jobs.StateProcessing:
		return "processing"
	case jobs.StateStopped:
		return "stopped"
	case jobs.StateCanceled:
		return "canceled"
	case jobs.StateAborted:
		return "aborted"
	case jobs.StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Handler returns the HTTP entry point, wrapped in the access log.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)
	return s.Log.AccessMiddleware(mux)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost ||
		!strings.HasPrefix(r.Header.Get("Content-Type"), goipp.ContentType) {
		http.Error(w, "ipp requests only", http.StatusBadRequest)
		return
	}
	if s.Config.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxRequestSize)
	}

	conn, err := s.connFor(r)
	if err != nil {
		s.Log.Warnf("auth failure from %s: %v", r.RemoteAddr, err)
		w.Header().Set("WWW-Authenticate", `Basic realm="printd"`)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	buf := bytes.NewBuffer(body)

	var msg goipp.Message
	if err := msg.Decode(buf); err != nil {
		s.Log.Debugf("bad IPP request from %s: %v", r.RemoteAddr, err)
		http.Error(w, "malformed IPP message", http.StatusBadRequest)
		return
	}

	resp, payload, err := s.Process(r, conn, &msg, buf)
	if err != nil {
		var ae *authError
		if errors.As(err, &ae) {
			s.writeAuthError(w, ae)
			return
		}
		s.Log.Errorf("%s failed: %v", goipp.Op(msg.Code), err)
		resp = goipp.NewResponse(msg.Version, goipp.StatusErrorInternal, msg.RequestID)
		addOperationDefaults(resp)
	}
	if payload != nil {
		defer payload.Close()
	}

	w.Header().Set("Content-Type", goipp.ContentType)
	w.WriteHeader(http.StatusOK)
	if err := resp.Encode(w); err != nil {
		s.Log.Debugf("response write to %s failed: %v", r.RemoteAddr, err)
		return
	}
	if payload != nil {
		if _, err := io.Copy(w, payload); err != nil {
			s.Log.Debugf("document write to %s failed: %v", r.RemoteAddr, err)
		}
	}
}

// connFor builds the policy view of the client connection. Basic
// credentials, when present, must verify against the user store.
func (s *Server) connFor(r *http.Request) (policy.Conn, error) {
	c := policy.Conn{TLS: r.TLS != nil}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	c.RemoteIP = net.ParseIP(host)
	c.Host = host
	if s.Config.HostNameLookups && c.RemoteIP != nil {
		if names, err := net.LookupAddr(host); err == nil && len(names) > 0 {
			c.Host = strings.TrimSuffix(names[0], ".")
		}
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return c, nil
	}
	if s.DB == nil {
		return c, fmt.Errorf("no user store configured")
	}
	u, err := s.DB.Authenticate(r.Context(), username, password)
	if err != nil {
		return c, err
	}
	c.User = u.Username
	c.Groups = u.Groups
	return c, nil
}

// authError aborts IPP processing with an HTTP-level auth response.
type authError struct {
	verdict policy.Verdict
	reason  string
}

func (e *authError) Error() string { return e.reason }

func (s *Server) writeAuthError(w http.ResponseWriter, ae *authError) {
	switch ae.verdict {
	case policy.Unauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="printd"`)
		http.Error(w, ae.reason, http.StatusUnauthorized)
	case policy.UpgradeRequired:
		w.Header().Set("Upgrade", "TLS/1.2,TLS/1.1,TLS/1.0")
		w.Header().Set("Connection", "Upgrade")
		http.Error(w, ae.reason, http.StatusUpgradeRequired)
	default:
		http.Error(w, ae.reason, http.StatusForbidden)
	}
}

// addOperationDefaults prepends the response preamble every reply carries.
func addOperationDefaults(resp *goipp.Message) {
	resp.Operation.Add(goipp.MakeAttribute("attributes-charset",
		goipp.TagCharset, goipp.String("utf-8")))
	resp.Operation.Add(goipp.MakeAttribute("attributes-natural-language",
		goipp.TagLanguage, goipp.String("en-US")))
}

func buildOperationDefaults() goipp.Attributes {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("attributes-charset",
		goipp.TagCharset, goipp.String("utf-8")))
	attrs.Add(goipp.MakeAttribute("attributes-natural-language",
		goipp.TagLanguage, goipp.String("en-US")))
	return attrs
}
