// Command lpr submits files (or standard input) to a printd destination.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	flag "github.com/spf13/pflag"

	"printd/internal/ippclient"
)

func main() {
	var (
		dest      string
		copies    int
		title     string
		options   []string
		server    string
		user      string
		encrypt   bool
		hold      bool
		removeSrc bool
	)
	flag.StringVarP(&dest, "destination", "P", "", "destination queue")
	flag.IntVarP(&copies, "copies", "#", 1, "number of copies")
	flag.StringVarP(&title, "title", "T", "", "job title")
	flag.StringArrayVarP(&options, "option", "o", nil, "job option name=value")
	flag.StringVarP(&server, "server", "H", "", "server host[:port]")
	flag.StringVarP(&user, "username", "U", "", "requesting user name")
	flag.BoolVarP(&encrypt, "encrypt", "E", false, "connect over IPPS")
	flag.BoolVarP(&hold, "hold", "q", false, "hold the job indefinitely")
	flag.BoolVarP(&removeSrc, "remove", "r", false, "remove files after submission")
	flag.Parse()

	client := ippclient.New()
	client.Username = user
	base := serverBase(server, encrypt)

	if dest == "" {
		dest = destinationFromEnv()
	}
	if dest == "" {
		def, err := defaultDestination(client, base, requestingUser(user))
		if err != nil {
			fail(err)
		}
		dest = def
	}
	if dest == "" {
		fail(errors.New("no default destination available"))
	}

	jobOptions := map[string]string{}
	for _, raw := range options {
		name, value := splitOption(raw)
		if name != "" {
			jobOptions[name] = value
		}
	}
	if hold {
		jobOptions["job-hold-until"] = "indefinite"
	}

	files := flag.Args()
	if err := submit(client, base, dest, title, copies, jobOptions, files, requestingUser(user)); err != nil {
		fail(err)
	}
	if removeSrc {
		for _, f := range files {
			_ = os.Remove(f)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lpr:", err)
	os.Exit(1)
}

func submit(client *ippclient.Client, base, dest, title string, copies int,
	jobOptions map[string]string, files []string, user string) error {

	uri := printerURI(base, dest)
	if len(files) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		if title == "" {
			title = "(stdin)"
		}
		req := printJobRequest(uri, user, title, documentFormat(jobOptions, ""), copies, jobOptions)
		return send(client, uri, req, bytes.NewReader(data))
	}

	if len(files) == 1 {
		f, err := os.Open(files[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if title == "" {
			title = filepath.Base(files[0])
		}
		req := printJobRequest(uri, user, title, documentFormat(jobOptions, files[0]), copies, jobOptions)
		return send(client, uri, req, f)
	}

	// Multiple files ride in one job: Create-Job then one Send-Document
	// per file, the last one flagged.
	if title == "" {
		title = filepath.Base(files[0])
	}
	req := ippclient.NewRequest(goipp.OpCreateJob, requestID(), uri, user)
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(title)))
	addJobOptions(req, copies, jobOptions)
	resp, err := client.Do(context.Background(), uri, req, nil)
	if err != nil {
		return err
	}
	if err := ippclient.StatusErr(resp); err != nil {
		return err
	}
	jobID := responseJobID(resp)
	if jobID <= 0 {
		return errors.New("missing job-id in create-job response")
	}

	for i, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		sendReq := ippclient.NewRequest(goipp.OpSendDocument, requestID(), uri, user)
		sendReq.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
		sendReq.Operation.Add(goipp.MakeAttribute("document-name", goipp.TagName, goipp.String(filepath.Base(path))))
		sendReq.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType,
			goipp.String(documentFormat(jobOptions, path))))
		sendReq.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean,
			goipp.Boolean(i == len(files)-1)))
		sendErr := send(client, uri, sendReq, f)
		_ = f.Close()
		if sendErr != nil {
			return sendErr
		}
	}
	return nil
}

func send(client *ippclient.Client, uri string, req *goipp.Message, doc io.Reader) error {
	resp, err := client.Do(context.Background(), uri, req, doc)
	if err != nil {
		return err
	}
	return ippclient.StatusErr(resp)
}

func printJobRequest(uri, user, title, format string, copies int, jobOptions map[string]string) *goipp.Message {
	req := ippclient.NewRequest(goipp.OpPrintJob, requestID(), uri, user)
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(title)))
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))
	addJobOptions(req, copies, jobOptions)
	return req
}

func addJobOptions(req *goipp.Message, copies int, jobOptions map[string]string) {
	if copies > 1 {
		req.Job.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(copies)))
	}
	for name, value := range jobOptions {
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		switch name {
		case "copies", "raw", "document-format":
			continue
		case "job-priority":
			if n, err := parseInt(value); err == nil {
				req.Job.Add(goipp.MakeAttribute(name, goipp.TagInteger, goipp.Integer(n)))
			}
		default:
			req.Job.Add(goipp.MakeAttribute(name, goipp.TagKeyword, goipp.String(value)))
		}
	}
}

func parseInt(v string) (int, error) {
	n := 0
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

func documentFormat(jobOptions map[string]string, path string) string {
	if strings.EqualFold(jobOptions["raw"], "true") {
		return "application/octet-stream"
	}
	if v := strings.TrimSpace(jobOptions["document-format"]); v != "" {
		return v
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".ps":
		return "application/postscript"
	case ".txt", ".text":
		return "text/plain"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func splitOption(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if i := strings.Index(raw, "="); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	return raw, "true"
}

func destinationFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("LPDEST")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("PRINTER")); v != "" && !strings.EqualFold(v, "lp") {
		return v
	}
	return ""
}

func defaultDestination(client *ippclient.Client, base, user string) (string, error) {
	req := ippclient.NewRequest(goipp.OpCupsGetDefault, requestID(), "", user)
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, goipp.String("printer-name")))
	resp, err := client.Do(context.Background(), base+"/", req, nil)
	if err != nil {
		return "", err
	}
	if err := ippclient.StatusErr(resp); err != nil {
		return "", err
	}
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagPrinterGroup {
			continue
		}
		for _, a := range g.Attrs {
			if a.Name == "printer-name" && len(a.Values) > 0 {
				return a.Values[0].V.String(), nil
			}
		}
	}
	return "", errors.New("no default destination available")
}

func responseJobID(resp *goipp.Message) int {
	for _, g := range resp.Groups {
		for _, a := range g.Attrs {
			if a.Name == "job-id" && len(a.Values) > 0 {
				if n, ok := a.Values[0].V.(goipp.Integer); ok {
					return int(n)
				}
			}
		}
	}
	return 0
}

func requestingUser(flagUser string) string {
	if u := strings.TrimSpace(flagUser); u != "" {
		return u
	}
	for _, key := range []string{"PRINTD_USER", "USER", "USERNAME"} {
		if u := strings.TrimSpace(os.Getenv(key)); u != "" {
			return u
		}
	}
	return "anonymous"
}

func serverBase(server string, encrypt bool) string {
	if server == "" {
		server = strings.TrimSpace(os.Getenv("PRINTD_SERVER"))
	}
	if server == "" {
		server = "localhost:631"
	}
	scheme := "ipp"
	if encrypt {
		scheme = "ipps"
	}
	return scheme + "://" + server
}

func printerURI(base, dest string) string {
	return base + "/printers/" + url.PathEscape(strings.TrimSpace(dest))
}

func requestID() uint32 {
	return uint32(time.Now().UnixNano() & 0x7fffffff)
}
