package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// sendLPD speaks the RFC 1179 receive-job protocol: one control file
// describing the job, then the data file, each acknowledged with a zero
// byte.
func sendLPD(ctx context.Context, req Request, u *url.URL) error {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "515")
	}
	queue := strings.Trim(u.Path, "/")
	if queue == "" {
		queue = "lp"
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
	r := bufio.NewReader(conn)

	// Receive a printer job.
	if err := lpdCommand(conn, r, fmt.Sprintf("\x02%s\n", queue)); err != nil {
		return Retryable(err)
	}

	info, err := os.Stat(req.DocPath)
	if err != nil {
		return err
	}
	shortHost, _ := os.Hostname()
	if shortHost == "" {
		shortHost = "localhost"
	}
	seq := req.JobID % 1000
	dataName := fmt.Sprintf("dfA%03d%s", seq, shortHost)
	ctrlName := fmt.Sprintf("cfA%03d%s", seq, shortHost)

	user := req.User
	if user == "" {
		user = "anonymous"
	}
	title := req.Title
	if title == "" {
		title = "untitled"
	}
	var ctrl strings.Builder
	fmt.Fprintf(&ctrl, "H%s\n", shortHost)
	fmt.Fprintf(&ctrl, "P%s\n", user)
	fmt.Fprintf(&ctrl, "J%s\n", title)
	for i := 0; i < req.Copies; i++ {
		fmt.Fprintf(&ctrl, "l%s\n", dataName)
	}
	fmt.Fprintf(&ctrl, "U%s\n", dataName)
	fmt.Fprintf(&ctrl, "N%s\n", title)

	// Control file first; some printers require this ordering.
	if err := lpdCommand(conn, r, fmt.Sprintf("\x02%d %s\n", ctrl.Len(), ctrlName)); err != nil {
		return Retryable(err)
	}
	if err := lpdSend(conn, r, strings.NewReader(ctrl.String())); err != nil {
		return Retryable(err)
	}

	if err := lpdCommand(conn, r, fmt.Sprintf("\x03%d %s\n", info.Size(), dataName)); err != nil {
		return Retryable(err)
	}
	doc, err := os.Open(req.DocPath)
	if err != nil {
		return err
	}
	defer doc.Close()
	if err := lpdSend(conn, r, doc); err != nil {
		return Retryable(err)
	}
	return nil
}

func lpdCommand(w io.Writer, r *bufio.Reader, cmd string) error {
	if _, err := io.WriteString(w, cmd); err != nil {
		return err
	}
	return lpdAck(r)
}

func lpdSend(w io.Writer, r *bufio.Reader, body io.Reader) error {
	if _, err := io.Copy(w, body); err != nil {
		return err
	}
	// Zero byte terminates the file.
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return lpdAck(r)
}

func lpdAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0 {
		return fmt.Errorf("lpd peer rejected command (ack %#x)", b)
	}
	return nil
}
