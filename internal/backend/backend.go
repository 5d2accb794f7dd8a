// Package backend delivers spooled documents to output devices. The
// device-uri scheme selects the transport: file, socket (JetDirect), lpd,
// ipp/ipps forwarding, or an external helper program under the server
// binary directory for anything else.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Request carries everything a transport needs to deliver one document.
type Request struct {
	DeviceURI string
	DocPath   string
	Format    string

	JobID  int
	User   string
	Title  string
	Copies int

	// ServerBin is the directory holding helper transports for schemes
	// the daemon does not speak natively.
	ServerBin string
}

var (
	// ErrRetryable marks failures worth retrying (connection refused,
	// timeouts); fatal errors abort the job instead.
	ErrRetryable = errors.New("retryable backend failure")
	// ErrNoBackend means no transport claims the device-uri scheme.
	ErrNoBackend = errors.New("no backend for device uri")
)

// Retryable wraps err so the scheduler requeues the job.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Send delivers one document and blocks until the transport accepts it.
func Send(ctx context.Context, req Request) error {
	u, err := url.Parse(req.DeviceURI)
	if err != nil {
		return fmt.Errorf("bad device uri %q: %w", req.DeviceURI, err)
	}
	if req.Copies < 1 {
		req.Copies = 1
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return sendFile(req, u)
	case "socket":
		return sendSocket(ctx, req, u)
	case "lpd":
		return sendLPD(ctx, req, u)
	case "ipp", "ipps", "http", "https":
		return sendIPP(ctx, req)
	default:
		if req.ServerBin != "" {
			return sendHelper(ctx, req, u.Scheme)
		}
		return fmt.Errorf("%w: %q", ErrNoBackend, u.Scheme)
	}
}

// file:// appends the document to the target path, once per copy.
func sendFile(req Request, u *url.URL) error {
	target := u.Path
	if target == "" {
		target = u.Opaque
	}
	if target == "" {
		return fmt.Errorf("file device uri %q has no path", req.DeviceURI)
	}
	out, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	for i := 0; i < req.Copies; i++ {
		doc, err := os.Open(req.DocPath)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, doc)
		doc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// socket:// streams raw bytes to a JetDirect port.
func sendSocket(ctx context.Context, req Request, u *url.URL) error {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "9100")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return Retryable(err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Minute))
	}
	for i := 0; i < req.Copies; i++ {
		doc, err := os.Open(req.DocPath)
		if err != nil {
			return err
		}
		_, err = io.Copy(conn, doc)
		doc.Close()
		if err != nil {
			return Retryable(err)
		}
	}
	return nil
}
