package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"printd/internal/backend"
	"printd/internal/ippattr"
	"printd/internal/jobs"
	"printd/internal/notify"
	"printd/internal/registry"
)

func (s *Server) publishPrinter(kind notify.EventKind, name, text string) {
	state := registry.StateIdle
	if d, err := s.Reg.Get(name); err == nil {
		state = d.Snapshot().State
	}
	s.Bus.Publish(notify.Event{
		Kind:         kind,
		DestName:     name,
		PrinterState: state,
		Text:         text,
	})
}

func (s *Server) destChanged() {
	s.Reg.MarkDirty()
	if s.OnDestChange != nil {
		s.OnDestChange()
	}
}

func (s *Server) getPrinterAttributes(q *request) (*goipp.Message, error) {
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(q, ""); err != nil {
		return nil, err
	}
	snap := d.Snapshot()
	req := ippattr.ParseRequested(q.msg.Operation)

	resp := q.okResponse()
	resp.Printer = s.printerAttributes(q, snap, req)
	if req["marker-levels"] || req["marker-names"] {
		s.addSupplyAttributes(q, &resp.Printer, snap)
	}
	return resp, nil
}

// addSupplyAttributes queries the device over SNMP for marker levels. Only
// explicit requests pay the network round trip.
func (s *Server) addSupplyAttributes(q *request, attrs *goipp.Attributes, d registry.Snapshot) {
	if d.IsClass || d.DeviceURI == "" {
		return
	}
	ctx, cancel := context.WithTimeout(q.ctx, 2*time.Second)
	defer cancel()
	sup, err := backend.ProbeSupplies(ctx, d.DeviceURI)
	if err != nil {
		s.Log.Debugf("supply probe for %s failed: %v", d.Name, err)
		return
	}
	levels := goipp.Attribute{Name: "marker-levels"}
	names := goipp.Attribute{Name: "marker-names"}
	for _, item := range sup.Items {
		levels.Values.Add(goipp.TagInteger, goipp.Integer(item.Percent()))
		names.Values.Add(goipp.TagName, goipp.String(item.Description))
	}
	if len(levels.Values) > 0 {
		attrs.Add(levels)
		attrs.Add(names)
	}
	if reasons := sup.StateReasons(); len(reasons) > 0 {
		attrs.Add(keywordList("printer-supply-state-reasons", reasons))
	}
}

// destGroups renders a destination list as repeated printer groups.
func (s *Server) destGroups(q *request, dests []*registry.Destination) *goipp.Message {
	req := ippattr.ParseRequested(q.msg.Operation)
	limit, _ := ippattr.Int(q.msg.Operation, "limit")

	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	n := 0
	for _, d := range dests {
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagPrinterGroup,
			Attrs: s.printerAttributes(q, d.Snapshot(), req),
		})
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(goipp.StatusOk),
		q.msg.RequestID, groups)
}

func (s *Server) cupsGetPrinters(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, ""); err != nil {
		return nil, err
	}
	return s.destGroups(q, s.Reg.Printers()), nil
}

func (s *Server) cupsGetClasses(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, ""); err != nil {
		return nil, err
	}
	return s.destGroups(q, s.Reg.Classes()), nil
}

func (s *Server) cupsGetDefault(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, ""); err != nil {
		return nil, err
	}
	d := s.Reg.Default()
	if d == nil {
		return q.errorf(goipp.StatusErrorNotFound, "no default destination")
	}
	req := ippattr.ParseRequested(q.msg.Operation)
	resp := q.okResponse()
	resp.Printer = s.printerAttributes(q, d.Snapshot(), req)
	return resp, nil
}

func (s *Server) cupsSetDefault(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	name := d.Snapshot().Name
	if err := s.Reg.SetDefault(name); err != nil {
		return nil, err
	}
	s.Log.Infof("default destination set to %s by %s", name, q.user)
	return q.okResponse(), nil
}

func (s *Server) cupsGetDevices(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	timeout := 4 * time.Second
	if n, ok := ippattr.Int(q.msg.Operation, "timeout"); ok && n > 0 {
		timeout = time.Duration(n) * time.Second
	}
	devices := backend.Discover(q.ctx, timeout, s.Config.ServerBin)

	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	for _, dev := range devices {
		attrs := goipp.Attributes{}
		attrs.Add(goipp.MakeAttribute("device-uri", goipp.TagURI, goipp.String(dev.URI)))
		attrs.Add(goipp.MakeAttribute("device-class", goipp.TagKeyword, goipp.String(dev.Class)))
		attrs.Add(goipp.MakeAttribute("device-info", goipp.TagText, goipp.String(dev.Info)))
		attrs.Add(goipp.MakeAttribute("device-make-and-model", goipp.TagText,
			goipp.String(orDefault(dev.MakeModel, "Unknown"))))
		if dev.Location != "" {
			attrs.Add(goipp.MakeAttribute("device-location", goipp.TagText,
				goipp.String(dev.Location)))
		}
		if dev.ID != "" {
			attrs.Add(goipp.MakeAttribute("device-id", goipp.TagText, goipp.String(dev.ID)))
		}
		groups = append(groups, goipp.Group{Tag: goipp.TagPrinterGroup, Attrs: attrs})
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(goipp.StatusOk),
		q.msg.RequestID, groups), nil
}

// stockDrivers is the driver list handed to CUPS-Get-PPDs. Raw queues and
// IPP Everywhere cover the destinations this server actually drives.
var stockDrivers = []struct{ name, makeModel, language string }{
	{"everywhere", "IPP Everywhere", "en"},
	{"raw", "Generic Raw Queue", "en"},
	{"drv:///sample.drv/generpcl.ppd", "Generic PCL Laser Printer", "en"},
	{"drv:///sample.drv/generic.ppd", "Generic PostScript Printer", "en"},
}

func (s *Server) cupsGetPPDs(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, ""); err != nil {
		return nil, err
	}
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	for _, drv := range stockDrivers {
		attrs := goipp.Attributes{}
		attrs.Add(goipp.MakeAttribute("ppd-name", goipp.TagName, goipp.String(drv.name)))
		attrs.Add(goipp.MakeAttribute("ppd-make", goipp.TagText, goipp.String("Generic")))
		attrs.Add(goipp.MakeAttribute("ppd-make-and-model", goipp.TagText,
			goipp.String(drv.makeModel)))
		attrs.Add(goipp.MakeAttribute("ppd-natural-language", goipp.TagLanguage,
			goipp.String(drv.language)))
		groups = append(groups, goipp.Group{Tag: goipp.TagPrinterGroup, Attrs: attrs})
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(goipp.StatusOk),
		q.msg.RequestID, groups), nil
}

var deviceSchemes = map[string]bool{
	"file": true, "socket": true, "lpd": true, "ipp": true, "ipps": true,
	"http": true, "https": true,
}

func validateDeviceURI(uri string, serverBin string) error {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("bad device-uri %q", uri)
	}
	if deviceSchemes[u.Scheme] {
		return nil
	}
	for _, h := range backend.ListHelpers(serverBin) {
		if h == u.Scheme {
			return nil
		}
	}
	return fmt.Errorf("no backend for device-uri scheme %q", u.Scheme)
}

// requireNamedDest extracts the destination name the admin request
// addresses. The default-queue fallback does not apply here: creating or
// deleting a queue needs an explicit name.
func (q *request) requireNamedDest() (string, error) {
	name, _ := destNameFromURI(q.meta.Target)
	if name == "" {
		return "", ippattr.Errorf(goipp.StatusErrorBadRequest,
			"printer-uri must name a destination")
	}
	if err := registry.ValidateName(name); err != nil {
		return "", ippattr.Errorf(goipp.StatusErrorBadRequest, "%v", err)
	}
	return name, nil
}

// applyDestAttributes copies the settable printer attributes of the request
// onto the destination. Returns whether the device URI changed, which forces
// in-flight jobs back to pending.
func (s *Server) applyDestAttributes(q *request, d *registry.Destination) (deviceChanged bool, err error) {
	attrs := q.msg.Printer
	if len(attrs) == 0 {
		for _, g := range q.msg.Groups {
			if g.Tag == goipp.TagPrinterGroup {
				attrs = g.Attrs
				break
			}
		}
	}

	if uri, ok := ippattr.String(attrs, "device-uri"); ok {
		if err := validateDeviceURI(uri, s.Config.ServerBin); err != nil {
			return false, ippattr.Errorf(goipp.StatusErrorAttributesOrValues, "%v", err)
		}
		d.Update(func(dd *registry.Destination) {
			if dd.DeviceURI != uri {
				deviceChanged = true
				dd.DeviceURI = uri
			}
		})
	}

	d.Update(func(dd *registry.Destination) {
		if v, ok := ippattr.String(attrs, "printer-info"); ok {
			dd.Info = v
		}
		if v, ok := ippattr.String(attrs, "printer-location"); ok {
			dd.Location = v
		}
		if v, ok := ippattr.String(attrs, "printer-geo-location"); ok {
			dd.GeoLocation = v
		}
		if v, ok := ippattr.String(attrs, "printer-organization"); ok {
			dd.Organization = v
		}
		if v, ok := ippattr.String(attrs, "ppd-name"); ok {
			dd.PPDName = v
		}
		if v, ok := ippattr.Bool(attrs, "printer-is-shared"); ok {
			dd.Shared = v
		}
		if v, ok := ippattr.Bool(attrs, "printer-is-accepting-jobs"); ok {
			dd.Accepting = v
		}
		if v, ok := ippattr.String(attrs, "printer-error-policy"); ok {
			dd.ErrorPolicy = v
		}
		if v, ok := ippattr.String(attrs, "printer-op-policy"); ok {
			dd.OpPolicy = v
		}
		if v, ok := ippattr.String(attrs, "job-sheets-default"); ok {
			dd.JobSheets = v
		}
		if n, ok := ippattr.Int(attrs, "job-k-limit"); ok {
			dd.KLimit = n
		}
		if n, ok := ippattr.Int(attrs, "job-page-limit"); ok {
			dd.PageLimit = n
		}
		if n, ok := ippattr.Int(attrs, "job-quota-period"); ok {
			dd.QuotaPeriod = time.Duration(n) * time.Second
		}
		if users := ippattr.Strings(attrs, "requesting-user-name-allowed"); len(users) > 0 {
			dd.AllowUsers = users
			if len(users) == 1 && strings.EqualFold(users[0], "all") {
				dd.AllowUsers = nil
			}
		}
		if users := ippattr.Strings(attrs, "requesting-user-name-denied"); len(users) > 0 {
			dd.DenyUsers = users
			if len(users) == 1 && strings.EqualFold(users[0], "none") {
				dd.DenyUsers = nil
			}
		}
	})

	if st, ok := ippattr.Int(attrs, "printer-state"); ok {
		msg, _ := ippattr.String(attrs, "printer-state-message")
		switch st {
		case registry.StateIdle:
			d.SetState(registry.StateIdle, msg)
		case registry.StateStopped:
			d.SetState(registry.StateStopped, orDefault(msg, "Paused"))
		default:
			return deviceChanged, ippattr.Errorf(goipp.StatusErrorAttributesOrValues,
				"bad printer-state value %d", st)
		}
	}
	return deviceChanged, nil
}

// requeueProcessing forces jobs mid-flight on dest back to pending. Called
// when the backend or class membership changes under them.
func (s *Server) requeueProcessing(dest string) {
	for _, j := range s.Jobs.Active() {
		if j.State == jobs.StateProcessing && strings.EqualFold(j.Dest, dest) {
			s.Jobs.SetState(j, jobs.StatePending, false, "none")
		}
	}
}

func (s *Server) addModifyPrinter(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	name, err := q.requireNamedDest()
	if err != nil {
		return nil, err
	}

	d, err := s.Reg.Get(name)
	created := false
	if err != nil {
		d = &registry.Destination{Name: name, Accepting: true, Shared: true}
		if err := s.Reg.Add(d); err != nil {
			return nil, err
		}
		created = true
	} else if d.Snapshot().IsClass {
		return q.errorf(goipp.StatusErrorNotPossible, "%q is a class", name)
	}

	deviceChanged, err := s.applyDestAttributes(q, d)
	if err != nil {
		if created {
			s.Reg.Delete(name)
		}
		return nil, err
	}
	if deviceChanged {
		s.requeueProcessing(name)
	}

	kind := notify.EventPrinterModified
	verb := "modified"
	if created {
		kind = notify.EventPrinterAdded
		verb = "added"
	}
	s.publishPrinter(kind, name, fmt.Sprintf("Printer %q %s by %s.", name, verb, q.user))
	s.destChanged()
	s.Log.Infof("printer %s %s by %s", name, verb, q.user)
	return q.okResponse(), nil
}

func (s *Server) addModifyClass(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	name, err := q.requireNamedDest()
	if err != nil {
		return nil, err
	}

	d, err := s.Reg.Get(name)
	created := false
	if err != nil {
		d = &registry.Destination{Name: name, IsClass: true, Accepting: true, Shared: true}
		if err := s.Reg.Add(d); err != nil {
			return nil, err
		}
		created = true
	} else if !d.Snapshot().IsClass {
		return q.errorf(goipp.StatusErrorNotPossible, "%q is a printer", name)
	}

	if _, err := s.applyDestAttributes(q, d); err != nil {
		if created {
			s.Reg.Delete(name)
		}
		return nil, err
	}

	if uris := ippattr.Strings(q.msg.Printer, "member-uris"); len(uris) > 0 {
		members := make([]string, 0, len(uris))
		for _, u := range uris {
			member, _ := destNameFromURI(u)
			if member == "" {
				return q.errorf(goipp.StatusErrorBadRequest, "bad member-uri %q", u)
			}
			members = append(members, member)
		}
		if err := s.Reg.SetMembers(d, members); err != nil {
			if created {
				s.Reg.Delete(name)
			}
			return nil, err
		}
		// Membership changed under any in-flight job on this class.
		s.requeueProcessing(name)
	}

	kind := notify.EventPrinterModified
	verb := "modified"
	if created {
		kind = notify.EventPrinterAdded
		verb = "added"
	}
	s.publishPrinter(kind, name, fmt.Sprintf("Class %q %s by %s.", name, verb, q.user))
	s.destChanged()
	return q.okResponse(), nil
}

// deleteDest removes a destination and everything hanging off it: its jobs
// are canceled and purged, its subscriptions dropped, its advertisement
// withdrawn.
func (s *Server) deleteDest(q *request, wantClass bool) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	name, err := q.requireNamedDest()
	if err != nil {
		return nil, err
	}
	d, err := s.Reg.Get(name)
	if err != nil {
		return q.errorf(goipp.StatusErrorNotFound, "destination %q not found", name)
	}
	if d.Snapshot().IsClass != wantClass {
		kind := "printer"
		if wantClass {
			kind = "class"
		}
		return q.errorf(goipp.StatusErrorNotPossible, "%q is not a %s", name, kind)
	}

	s.cancelScope(name, "", true)
	for _, j := range s.Jobs.All() {
		if strings.EqualFold(j.Dest, name) && j.State.Terminal() {
			s.Jobs.SetState(j, j.State, true, "")
			s.Spool.Remove(j.ID)
		}
	}
	s.Bus.DropDest(name)
	if err := s.Reg.Delete(name); err != nil {
		return nil, err
	}
	s.publishPrinter(notify.EventPrinterDeleted, name,
		fmt.Sprintf("Destination %q deleted by %s.", name, q.user))
	s.destChanged()
	s.Log.Infof("destination %s deleted by %s", name, q.user)
	return q.okResponse(), nil
}

func (s *Server) deletePrinter(q *request) (*goipp.Message, error) {
	return s.deleteDest(q, false)
}

func (s *Server) deleteClass(q *request) (*goipp.Message, error) {
	return s.deleteDest(q, true)
}

// createLocalPrinter registers a temporary queue for a discovered device.
// The device probe runs in the background and posts its findings through
// the destination's own methods, keeping the registry single-writer.
func (s *Server) createLocalPrinter(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}
	attrs := q.msg.Printer
	name, ok := ippattr.String(attrs, "printer-name")
	if !ok {
		return q.errorf(goipp.StatusErrorBadRequest, "missing printer-name")
	}
	uri, ok := ippattr.String(attrs, "device-uri")
	if !ok {
		return q.errorf(goipp.StatusErrorBadRequest, "missing device-uri")
	}
	if err := registry.ValidateName(name); err != nil {
		return q.errorf(goipp.StatusErrorAttributesOrValues, "%v", err)
	}
	if err := validateDeviceURI(uri, s.Config.ServerBin); err != nil {
		return q.errorf(goipp.StatusErrorAttributesOrValues, "%v", err)
	}

	d, err := s.Reg.Get(name)
	if err != nil {
		info, _ := ippattr.String(attrs, "printer-info")
		d = &registry.Destination{
			Name:      name,
			DeviceURI: uri,
			Info:      info,
			Accepting: true,
			Temporary: true,
		}
		if err := s.Reg.Add(d); err != nil {
			return nil, err
		}
		s.publishPrinter(notify.EventPrinterAdded, name,
			fmt.Sprintf("Temporary printer %q added by %s.", name, q.user))
		s.destChanged()
		go s.probeLocalPrinter(name, uri)
	}

	req := ippattr.ParseRequested(q.msg.Operation)
	resp := q.okResponse()
	resp.Printer = s.printerAttributes(q, d.Snapshot(), req)
	return resp, nil
}

// probeLocalPrinter fills in make/model data for a temporary queue. Results
// are applied through Update so the probe never races request handlers.
func (s *Server) probeLocalPrinter(name, uri string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup, err := backend.ProbeSupplies(ctx, uri)
	if err != nil {
		s.Log.Debugf("probe of %s failed: %v", uri, err)
		return
	}
	d, err := s.Reg.Get(name)
	if err != nil {
		return
	}
	d.Update(func(dd *registry.Destination) {
		if dd.Info == "" {
			dd.Info = sup.Description
		}
		if dd.Location == "" {
			dd.Location = sup.Location
		}
	})
	s.Reg.MarkDirty()
}

func (s *Server) setPrinterAttributes(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	name := d.Snapshot().Name
	deviceChanged, err := s.applyDestAttributes(q, d)
	if err != nil {
		return nil, err
	}
	if deviceChanged {
		s.requeueProcessing(name)
	}
	s.publishPrinter(notify.EventPrinterConfigChanged, name,
		fmt.Sprintf("Printer %q configuration changed by %s.", name, q.user))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) pausePrinter(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	msg, _ := ippattr.String(q.msg.Operation, "printer-state-message")
	d.SetState(registry.StateStopped, orDefault(msg, fmt.Sprintf("Paused by %s", q.user)))
	name := d.Snapshot().Name
	s.publishPrinter(notify.EventPrinterStopped, name,
		fmt.Sprintf("Printer %q paused by %s.", name, q.user))
	s.destChanged()
	return q.okResponse(), nil
}

// pausePrinterAfterCurrentJob lets the in-flight job finish before the
// queue stops. The job-change hook applies the stop once that job leaves
// the processing state.
func (s *Server) pausePrinterAfterCurrentJob(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	name := d.Snapshot().Name
	if s.Jobs.Printing(name) == nil {
		d.SetState(registry.StateStopped, fmt.Sprintf("Paused by %s", q.user))
		s.publishPrinter(notify.EventPrinterStopped, name,
			fmt.Sprintf("Printer %q paused by %s.", name, q.user))
	} else {
		d.AddReason("moving-to-paused")
		s.publishPrinter(notify.EventPrinterStateChanged, name,
			fmt.Sprintf("Printer %q will pause after the current job.", name))
	}
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) resumePrinter(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	d.RemoveReason("moving-to-paused")
	d.SetState(registry.StateIdle, "")
	name := d.Snapshot().Name
	s.publishPrinter(notify.EventPrinterStateChanged, name,
		fmt.Sprintf("Printer %q resumed by %s.", name, q.user))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) acceptJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	d.SetAccepting(true, "")
	name := d.Snapshot().Name
	s.publishPrinter(notify.EventPrinterConfigChanged, name,
		fmt.Sprintf("Printer %q now accepting jobs.", name))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) rejectJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	msg, _ := ippattr.String(q.msg.Operation, "printer-state-message")
	d.SetAccepting(false, orDefault(msg, fmt.Sprintf("Rejecting jobs per %s", q.user)))
	name := d.Snapshot().Name
	s.publishPrinter(notify.EventPrinterConfigChanged, name,
		fmt.Sprintf("Printer %q rejecting jobs.", name))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) holdNewJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	d.AddReason("hold-new-jobs")
	name := d.Snapshot().Name
	s.publishPrinter(notify.EventPrinterConfigChanged, name,
		fmt.Sprintf("Printer %q holding new jobs.", name))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) releaseHeldNewJobs(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	d, err := s.resolveDest(q)
	if err != nil {
		return nil, err
	}
	d.RemoveReason("hold-new-jobs")
	name := d.Snapshot().Name
	for _, j := range s.Jobs.Active() {
		if j.State != jobs.StateHeld || !strings.EqualFold(j.Dest, name) {
			continue
		}
		if !j.DocDeadline.IsZero() {
			continue
		}
		// Queue-imposed holds are indefinite without a matching client
		// job-hold-until request; those release here, client holds stay.
		if j.HoldUntil != "indefinite" {
			continue
		}
		if v, ok := ippattr.String(j.Attrs, "job-hold-until"); ok && v == "indefinite" {
			continue
		}
		s.Jobs.SetHoldUntil(j, "no-hold", false)
		s.Jobs.SetState(j, jobs.StatePending, false, "none")
	}
	s.publishPrinter(notify.EventPrinterConfigChanged, name,
		fmt.Sprintf("Printer %q released held jobs.", name))
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) pauseAllPrinters(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	for _, d := range s.Reg.Printers() {
		d.SetState(registry.StateStopped, fmt.Sprintf("Paused by %s", q.user))
		name := d.Snapshot().Name
		s.publishPrinter(notify.EventPrinterStopped, name,
			fmt.Sprintf("Printer %q paused by %s.", name, q.user))
	}
	s.destChanged()
	return q.okResponse(), nil
}

func (s *Server) resumeAllPrinters(q *request) (*goipp.Message, error) {
	if err := s.requireAdmin(q); err != nil {
		return nil, err
	}
	for _, d := range s.Reg.Printers() {
		d.RemoveReason("moving-to-paused")
		d.SetState(registry.StateIdle, "")
		name := d.Snapshot().Name
		s.publishPrinter(notify.EventPrinterStateChanged, name,
			fmt.Sprintf("Printer %q resumed by %s.", name, q.user))
	}
	s.destChanged()
	return q.okResponse(), nil
}
