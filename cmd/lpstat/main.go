// Command lpstat reports the status of printd destinations and jobs.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	flag "github.com/spf13/pflag"

	"printd/internal/ippclient"
)

type destStatus struct {
	Name      string
	IsClass   bool
	State     int
	Message   string
	Accepting bool
	Location  string
	Info      string
	URI       string
	Members   []string
}

func main() {
	var (
		printers   string
		accepting  string
		outQueue   string
		classes    string
		defaultVal bool
		running    bool
		everything bool
		long       bool
		server     string
		user       string
		encrypt    bool
	)
	flag.StringVarP(&printers, "printers", "p", "", "show printer status")
	flag.StringVarP(&accepting, "accepting", "a", "", "show whether destinations accept jobs")
	flag.StringVarP(&outQueue, "output", "o", "", "show queued jobs")
	flag.StringVarP(&classes, "classes", "c", "", "show classes and their members")
	flag.BoolVarP(&defaultVal, "default", "d", false, "show the default destination")
	flag.BoolVarP(&running, "running", "r", false, "show whether the server is running")
	flag.BoolVarP(&everything, "total", "t", false, "show all status information")
	flag.BoolVarP(&long, "long", "l", false, "long listing")
	flag.StringVarP(&server, "server", "H", "", "server host[:port]")
	flag.StringVarP(&user, "username", "U", "", "requesting user name")
	flag.BoolVarP(&encrypt, "encrypt", "E", false, "connect over IPPS")
	for _, name := range []string{"printers", "accepting", "output", "classes"} {
		flag.Lookup(name).NoOptDefVal = "all"
	}
	flag.Parse()

	client := ippclient.New()
	client.Username = user
	base := serverBase(server, encrypt)
	reqUser := requestingUser(user)

	if everything {
		running = true
		defaultVal = true
		printers = "all"
		accepting = "all"
		classes = "all"
		outQueue = "all"
	}
	if !running && !defaultVal && printers == "" && accepting == "" && classes == "" && outQueue == "" {
		// Plain lpstat lists the invoking user's jobs.
		outQueue = "all"
	}

	if running {
		if _, err := fetchDefault(client, base, reqUser); err != nil {
			fmt.Printf("scheduler is not running\n")
		} else {
			fmt.Printf("scheduler is running\n")
		}
	}
	if defaultVal {
		def, err := fetchDefault(client, base, reqUser)
		if err != nil || def == "" {
			fmt.Printf("no system default destination\n")
		} else {
			fmt.Printf("system default destination: %s\n", def)
		}
	}

	var dests []destStatus
	if printers != "" || accepting != "" || classes != "" {
		var err error
		dests, err = fetchDestinations(client, base, reqUser)
		if err != nil {
			fail(err)
		}
	}
	if printers != "" {
		for _, d := range filterDests(dests, printers) {
			if d.IsClass {
				continue
			}
			fmt.Print(printerLine(d, long))
		}
	}
	if classes != "" {
		for _, d := range filterDests(dests, classes) {
			if !d.IsClass {
				continue
			}
			fmt.Printf("members of class %s:\n", d.Name)
			for _, m := range d.Members {
				fmt.Printf("\t%s\n", m)
			}
		}
	}
	if accepting != "" {
		for _, d := range filterDests(dests, accepting) {
			if d.Accepting {
				fmt.Printf("%s accepting requests since %s\n", d.Name, time.Now().Format(time.ANSIC))
			} else {
				msg := d.Message
				if msg == "" {
					msg = "reason unknown"
				}
				fmt.Printf("%s not accepting requests since %s -\n\t%s\n",
					d.Name, time.Now().Format(time.ANSIC), msg)
			}
		}
	}
	if outQueue != "" {
		dest := outQueue
		if dest == "all" {
			dest = ""
		}
		if err := showJobs(client, base, dest, reqUser, long); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lpstat:", err)
	os.Exit(1)
}

func printerLine(d destStatus, long bool) string {
	var state string
	switch d.State {
	case 4:
		state = "now printing"
	case 5:
		state = "disabled"
	default:
		state = "idle"
	}
	line := fmt.Sprintf("printer %s is %s.  enabled since %s\n",
		d.Name, state, time.Now().Format(time.ANSIC))
	if d.State == 5 {
		line = fmt.Sprintf("printer %s disabled since %s -\n\t%s\n",
			d.Name, time.Now().Format(time.ANSIC), orUnknown(d.Message))
	}
	if long {
		line += fmt.Sprintf("\tDescription: %s\n\tLocation: %s\n\tConnection: %s\n",
			d.Info, d.Location, d.URI)
	}
	return line
}

func orUnknown(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "reason unknown"
	}
	return msg
}

func filterDests(dests []destStatus, filter string) []destStatus {
	if filter == "" || filter == "all" {
		return dests
	}
	want := map[string]bool{}
	for _, name := range strings.Split(filter, ",") {
		want[strings.ToLower(strings.TrimSpace(name))] = true
	}
	out := make([]destStatus, 0, len(dests))
	for _, d := range dests {
		if want[strings.ToLower(d.Name)] {
			out = append(out, d)
		}
	}
	return out
}

func fetchDestinations(client *ippclient.Client, base, user string) ([]destStatus, error) {
	var out []destStatus
	for _, op := range []goipp.Op{goipp.OpCupsGetPrinters, goipp.OpCupsGetClasses} {
		req := ippclient.NewRequest(op, requestID(), "", user)
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
			d := destStatus{IsClass: op == goipp.OpCupsGetClasses, Accepting: true, State: 3}
			for _, a := range g.Attrs {
				if len(a.Values) == 0 {
					continue
				}
				v := a.Values[0].V
				switch a.Name {
				case "printer-name":
					d.Name = v.String()
				case "printer-state":
					if n, ok := v.(goipp.Integer); ok {
						d.State = int(n)
					}
				case "printer-state-message":
					d.Message = v.String()
				case "printer-is-accepting-jobs":
					if b, ok := v.(goipp.Boolean); ok {
						d.Accepting = bool(b)
					}
				case "printer-location":
					d.Location = v.String()
				case "printer-info":
					d.Info = v.String()
				case "printer-uri-supported":
					d.URI = v.String()
				case "member-names":
					for _, mv := range a.Values {
						d.Members = append(d.Members, mv.V.String())
					}
				}
			}
			if d.Name != "" {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func showJobs(client *ippclient.Client, base, dest, user string, long bool) error {
	uri := base + "/"
	if dest != "" {
		uri = printerURI(base, dest)
	}
	req := ippclient.NewRequest(goipp.OpGetJobs, requestID(), uri, user)
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword,
		goipp.String("job-id"), goipp.String("job-name"),
		goipp.String("job-originating-user-name"), goipp.String("job-k-octets"),
		goipp.String("job-printer-uri"), goipp.String("time-at-creation"),
		goipp.String("job-state")))
	resp, err := client.Do(context.Background(), uri, req, nil)
	if err != nil {
		return err
	}
	if err := ippclient.StatusErr(resp); err != nil {
		return err
	}
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagJobGroup {
			continue
		}
		var (
			id      int
			owner   string
			kOctets int
			jobURI  string
			created time.Time
		)
		for _, a := range g.Attrs {
			if len(a.Values) == 0 {
				continue
			}
			v := a.Values[0].V
			switch a.Name {
			case "job-id":
				if n, ok := v.(goipp.Integer); ok {
					id = int(n)
				}
			case "job-originating-user-name":
				owner = v.String()
			case "job-k-octets":
				if n, ok := v.(goipp.Integer); ok {
					kOctets = int(n)
				}
			case "job-printer-uri":
				jobURI = v.String()
			case "time-at-creation":
				if n, ok := v.(goipp.Integer); ok {
					created = time.Unix(int64(n), 0)
				}
			}
		}
		queue := dest
		if queue == "" {
			queue = queueFromURI(jobURI)
		}
		when := ""
		if !created.IsZero() {
			when = created.Format(time.ANSIC)
		}
		fmt.Printf("%s-%d%16s%12d   %s\n", queue, id, owner, kOctets*1024, when)
	}
	return nil
}

func queueFromURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func fetchDefault(client *ippclient.Client, base, user string) (string, error) {
	req := ippclient.NewRequest(goipp.OpCupsGetDefault, requestID(), "", user)
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, goipp.String("printer-name")))
	resp, err := client.Do(context.Background(), base+"/", req, nil)
	if err != nil {
		return "", err
	}
	if goipp.Status(resp.Code) == goipp.StatusErrorNotFound {
		return "", nil
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
	return "", nil
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
