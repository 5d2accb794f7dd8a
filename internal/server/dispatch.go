package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/OpenPrinting/goipp"

	"printd/internal/ippattr"
	"printd/internal/jobs"
	"printd/internal/notify"
	"printd/internal/policy"
	"printd/internal/registry"
)

// request carries one decoded IPP request through its handler.
type request struct {
	ctx  context.Context
	http *http.Request
	msg  *goipp.Message
	op   goipp.Op
	meta ippattr.Meta
	conn policy.Conn

	// user is the effective requesting user: the authenticated name when
	// credentials were presented, otherwise the sanitized
	// requesting-user-name.
	user string

	// body holds whatever followed the IPP message, i.e. document data.
	body *bytes.Buffer

	// respBody, when set by a handler, is streamed after the response.
	respBody io.ReadCloser
}

// exemptTarget lists the enumeration operations that need no printer-uri.
// Everything else must name a target, even the server-wide operations,
// which clients address as "ipp://host/".
var exemptTarget = map[goipp.Op]bool{
	goipp.OpCupsGetDefault:  true,
	goipp.OpCupsGetPrinters: true,
	goipp.OpCupsGetClasses:  true,
	goipp.OpCupsGetDevices:  true,
	goipp.OpCupsGetPpds:     true,
}

// Process validates the request envelope and dispatches it. The returned
// error is either an authError, which the HTTP layer turns into 401/403/426,
// or an internal failure.
func (s *Server) Process(r *http.Request, conn policy.Conn, msg *goipp.Message,
	body *bytes.Buffer) (*goipp.Message, io.ReadCloser, error) {

	// One pass at a time. Handlers touch Job fields directly, and so
	// does the scheduler sweep; the HTTP layer has already read the
	// request body, so uploads stay outside the lock.
	s.Jobs.LockQueue()
	defer s.Jobs.UnlockQueue()

	if re := ippattr.CheckHeader(msg); re != nil {
		return errorResponse(msg, re.Status, re.Reason), nil, nil
	}
	if re := ippattr.CheckGroupOrder(msg.Groups); re != nil {
		return errorResponse(msg, re.Status, re.Reason), nil, nil
	}

	op := goipp.Op(msg.Code)
	handler, ok := s.handlers[op]
	if !ok {
		return errorResponse(msg, goipp.StatusErrorOperationNotSupported,
			fmt.Sprintf("%s is not supported", op)), nil, nil
	}

	meta, re := ippattr.CheckMeta(msg, !exemptTarget[op])
	if re != nil {
		return errorResponse(msg, re.Status, re.Reason), nil, nil
	}
	user, re := ippattr.RequestingUser(msg, s.Config.StrictUserName)
	if re != nil {
		return errorResponse(msg, re.Status, re.Reason), nil, nil
	}
	if conn.User != "" {
		user = conn.User
	} else if strings.EqualFold(user, "root") && !conn.Local() && s.Config.RemoteRoot != "" {
		// An unauthenticated remote client does not get to claim root.
		user = s.Config.RemoteRoot
	}

	q := &request{
		ctx:  r.Context(),
		http: r,
		msg:  msg,
		op:   op,
		meta: meta,
		conn: conn,
		user: user,
		body: body,
	}
	resp, err := handler(q)
	if err != nil {
		if q.respBody != nil {
			q.respBody.Close()
			q.respBody = nil
		}
		var reqErr *ippattr.RequestError
		var ae *authError
		switch {
		case errors.As(err, &reqErr):
			return errorResponse(msg, reqErr.Status, reqErr.Reason), nil, nil
		case errors.As(err, &ae):
			return nil, nil, err
		}
		if status, ok := statusForError(err); ok {
			return errorResponse(msg, status, err.Error()), nil, nil
		}
		return nil, nil, err
	}
	return resp, q.respBody, nil
}

// statusForError maps the sentinel errors of the state packages onto IPP
// status codes so handlers can bubble them up unchanged.
func statusForError(err error) (goipp.Status, bool) {
	switch {
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, notify.ErrNotFound):
		return goipp.StatusErrorNotFound, true
	case errors.Is(err, jobs.ErrBadTransition):
		return goipp.StatusErrorNotPossible, true
	case errors.Is(err, jobs.ErrTooManyJobs):
		return goipp.StatusErrorTooManyJobs, true
	case errors.Is(err, jobs.ErrBadHoldValue):
		return goipp.StatusErrorAttributesOrValues, true
	case errors.Is(err, notify.ErrTooMany):
		return goipp.StatusErrorTooManySubscriptions, true
	case errors.Is(err, notify.ErrBadScheme):
		return goipp.StatusErrorURIScheme, true
	case errors.Is(err, registry.ErrExists),
		errors.Is(err, registry.ErrNestedClass),
		errors.Is(err, registry.ErrUnknownMember):
		return goipp.StatusErrorAttributesOrValues, true
	}
	return 0, false
}

func errorResponse(msg *goipp.Message, status goipp.Status, reason string) *goipp.Message {
	resp := goipp.NewResponse(msg.Version, status, msg.RequestID)
	addOperationDefaults(resp)
	if reason != "" {
		resp.Operation.Add(goipp.MakeAttribute("status-message",
			goipp.TagText, goipp.String(reason)))
	}
	return resp
}

func (q *request) okResponse() *goipp.Message {
	resp := goipp.NewResponse(q.msg.Version, goipp.StatusOk, q.msg.RequestID)
	addOperationDefaults(resp)
	return resp
}

func (q *request) errorf(status goipp.Status, format string, args ...any) (*goipp.Message, error) {
	return errorResponse(q.msg, status, fmt.Sprintf(format, args...)), nil
}

// checkPolicy runs the operation policy for this request. owner feeds the
// @OWNER principal of the matched rule.
func (s *Server) checkPolicy(q *request, owner string) error {
	switch v := s.Engine.Check(q.http.URL.Path, q.http.Method, int(q.op), q.conn, owner); v {
	case policy.OK:
		return nil
	case policy.Unauthorized:
		return &authError{verdict: v, reason: "authentication required"}
	case policy.UpgradeRequired:
		return &authError{verdict: v, reason: "encryption required"}
	default:
		return &authError{verdict: policy.Forbidden, reason: "forbidden by policy"}
	}
}

// requireAdmin admits system-group members and local connections.
func (s *Server) requireAdmin(q *request) error {
	if err := s.checkPolicy(q, ""); err != nil {
		return err
	}
	if s.Engine.IsAdmin(q.conn) || q.conn.Local() {
		return nil
	}
	if q.conn.User == "" {
		return &authError{verdict: policy.Unauthorized, reason: "authentication required"}
	}
	return &authError{verdict: policy.Forbidden, reason: "administrative access required"}
}

// requireOwnerOrAdmin admits the object owner and administrators. Without
// credentials the requesting-user-name is trusted, matching the default
// CUPS posture for open policies.
func (s *Server) requireOwnerOrAdmin(q *request, owner string) error {
	if err := s.checkPolicy(q, owner); err != nil {
		return err
	}
	if s.Engine.IsAdmin(q.conn) {
		return nil
	}
	claimed := q.conn.User
	if claimed == "" {
		claimed = q.user
	}
	if strings.EqualFold(claimed, owner) {
		return nil
	}
	return &authError{verdict: policy.Forbidden, reason: "not the owner"}
}

// destNameFromURI extracts a destination name from a printer-uri. An empty
// name means the server default.
func destNameFromURI(target string) (name string, isClassPath bool) {
	path := target
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	switch {
	case strings.HasPrefix(path, "printers/"):
		return strings.TrimPrefix(path, "printers/"), false
	case strings.HasPrefix(path, "classes/"):
		return strings.TrimPrefix(path, "classes/"), true
	}
	// "/", "/ipp/print" and friends address the default destination.
	return "", false
}

// resolveDest finds the destination a request addresses, falling back to
// the server default for bare endpoint URIs.
func (s *Server) resolveDest(q *request) (*registry.Destination, error) {
	name, _ := destNameFromURI(q.meta.Target)
	if name == "" {
		if d := s.Reg.Default(); d != nil {
			return d, nil
		}
		return nil, ippattr.Errorf(goipp.StatusErrorNotFound, "no default destination")
	}
	d, err := s.Reg.Get(name)
	if err != nil {
		return nil, ippattr.Errorf(goipp.StatusErrorNotFound, "destination %q not found", name)
	}
	return d, nil
}

// resolveJob finds the job a request addresses via job-id or job-uri.
func (s *Server) resolveJob(q *request) (*jobs.Job, error) {
	if id, ok := ippattr.Int(q.msg.Operation, "job-id"); ok {
		j := s.Jobs.Find(id)
		if j == nil {
			return nil, ippattr.Errorf(goipp.StatusErrorNotFound, "job %d not found", id)
		}
		return j, nil
	}
	if q.meta.TargetAttr == "job-uri" {
		id, ok := jobIDFromURI(q.meta.Target)
		if !ok {
			return nil, ippattr.Errorf(goipp.StatusErrorBadRequest,
				"bad job-uri %q", q.meta.Target)
		}
		j := s.Jobs.Find(id)
		if j == nil {
			return nil, ippattr.Errorf(goipp.StatusErrorNotFound, "job %d not found", id)
		}
		return j, nil
	}
	return nil, ippattr.Errorf(goipp.StatusErrorBadRequest, "missing job-id or job-uri")
}

func jobIDFromURI(target string) (int, bool) {
	path := target
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if !strings.HasPrefix(path, "jobs/") {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(path, "jobs/"))
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// uriHost picks the host:port clients should use in returned URIs.
func (q *request) uriHost() string {
	if q.http != nil && q.http.Host != "" {
		return q.http.Host
	}
	return "localhost:631"
}

func (q *request) printerURI(d registry.Snapshot) string {
	kind := "printers"
	if d.IsClass {
		kind = "classes"
	}
	return fmt.Sprintf("ipp://%s/%s/%s", q.uriHost(), kind, d.Name)
}

func (q *request) jobURI(id int) string {
	return fmt.Sprintf("ipp://%s/jobs/%d", q.uriHost(), id)
}
