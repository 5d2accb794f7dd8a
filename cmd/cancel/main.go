// Command cancel removes jobs from printd queues. Arguments are job ids,
// "destination-id" pairs, or destination names (which cancel the
// destination's current job).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	flag "github.com/spf13/pflag"

	"printd/internal/ippclient"
)

func main() {
	var (
		all     bool
		ofUser  string
		purge   bool
		server  string
		user    string
		encrypt bool
	)
	flag.BoolVarP(&all, "all", "a", false, "cancel all jobs")
	flag.StringVarP(&ofUser, "user", "u", "", "cancel jobs owned by this user")
	flag.BoolVarP(&purge, "purge", "x", false, "purge job files and history")
	flag.StringVarP(&server, "server", "H", "", "server host[:port]")
	flag.StringVarP(&user, "username", "U", "", "requesting user name")
	flag.BoolVarP(&encrypt, "encrypt", "E", false, "connect over IPPS")
	flag.Parse()

	client := ippclient.New()
	client.Username = user
	base := serverBase(server, encrypt)
	reqUser := requestingUser(user)

	var err error
	switch {
	case all:
		err = cancelAll(client, base, reqUser, flag.Args(), purge)
	case ofUser != "":
		err = cancelUserJobs(client, base, ofUser, purge)
	case len(flag.Args()) == 0:
		err = errors.New("missing job id or destination")
	default:
		for _, arg := range flag.Args() {
			dest, id := splitJobSpec(arg)
			if id == 0 {
				if id, err = currentJobID(client, base, dest, reqUser); err != nil {
					break
				}
			}
			if err = cancelOne(client, base, dest, id, reqUser, purge); err != nil {
				break
			}
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cancel:", err)
		os.Exit(1)
	}
}

func cancelAll(client *ippclient.Client, base, user string, dests []string, purge bool) error {
	if len(dests) == 0 {
		names, err := listDestinations(client, base, user)
		if err != nil {
			return err
		}
		dests = names
	}
	for _, dest := range dests {
		req := ippclient.NewRequest(goipp.OpCancelJobs, requestID(), printerURI(base, dest), user)
		if purge {
			req.Operation.Add(goipp.MakeAttribute("purge-jobs", goipp.TagBoolean, goipp.Boolean(true)))
		}
		if err := send(client, printerURI(base, dest), req); err != nil {
			return fmt.Errorf("%s: %w", dest, err)
		}
	}
	return nil
}

func cancelUserJobs(client *ippclient.Client, base, owner string, purge bool) error {
	req := ippclient.NewRequest(goipp.OpCancelMyJobs, requestID(), base+"/", owner)
	if purge {
		req.Operation.Add(goipp.MakeAttribute("purge-jobs", goipp.TagBoolean, goipp.Boolean(true)))
	}
	return send(client, base+"/", req)
}

func cancelOne(client *ippclient.Client, base, dest string, jobID int, user string, purge bool) error {
	uri := base + "/"
	req := ippclient.NewRequest(goipp.OpCancelJob, requestID(), "", user)
	if dest != "" {
		uri = printerURI(base, dest)
		req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	} else {
		req.Operation.Add(goipp.MakeAttribute("job-uri", goipp.TagURI,
			goipp.String(base+"/jobs/"+strconv.Itoa(jobID))))
	}
	req.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	if purge {
		req.Operation.Add(goipp.MakeAttribute("purge-job", goipp.TagBoolean, goipp.Boolean(true)))
	}
	return send(client, uri, req)
}

// currentJobID asks the destination for its oldest active job.
func currentJobID(client *ippclient.Client, base, dest, user string) (int, error) {
	uri := printerURI(base, dest)
	req := ippclient.NewRequest(goipp.OpGetJobs, requestID(), uri, user)
	req.Operation.Add(goipp.MakeAttribute("limit", goipp.TagInteger, goipp.Integer(1)))
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, goipp.String("job-id")))
	resp, err := client.Do(context.Background(), uri, req, nil)
	if err != nil {
		return 0, err
	}
	if err := ippclient.StatusErr(resp); err != nil {
		return 0, err
	}
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagJobGroup {
			continue
		}
		for _, a := range g.Attrs {
			if a.Name == "job-id" && len(a.Values) > 0 {
				if n, ok := a.Values[0].V.(goipp.Integer); ok {
					return int(n), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("%s has no active jobs", dest)
}

func listDestinations(client *ippclient.Client, base, user string) ([]string, error) {
	var names []string
	for _, op := range []goipp.Op{goipp.OpCupsGetPrinters, goipp.OpCupsGetClasses} {
		req := ippclient.NewRequest(op, requestID(), "", user)
		req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, goipp.String("printer-name")))
		resp, err := client.Do(context.Background(), base+"/", req, nil)
		if err != nil {
			return nil, err
		}
		if goipp.Status(resp.Code) == goipp.StatusErrorNotFound {
			continue
		}
		if err := ippclient.StatusErr(resp); err != nil {
			return nil, err
		}
		for _, g := range resp.Groups {
			if g.Tag != goipp.TagPrinterGroup {
				continue
			}
			for _, a := range g.Attrs {
				if a.Name == "printer-name" && len(a.Values) > 0 {
					names = append(names, a.Values[0].V.String())
				}
			}
		}
	}
	return names, nil
}

func send(client *ippclient.Client, uri string, req *goipp.Message) error {
	resp, err := client.Do(context.Background(), uri, req, nil)
	if err != nil {
		return err
	}
	return ippclient.StatusErr(resp)
}

// splitJobSpec accepts "123", "office-123" or "office" and returns the
// destination (possibly empty) and job id (possibly zero).
func splitJobSpec(value string) (string, int) {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return "", n
	}
	if idx := strings.LastIndex(value, "-"); idx > 0 && idx < len(value)-1 {
		if n, err := strconv.Atoi(value[idx+1:]); err == nil && n > 0 {
			return value[:idx], n
		}
	}
	return value, 0
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
