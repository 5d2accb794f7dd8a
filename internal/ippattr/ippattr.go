// Package ippattr holds the attribute plumbing shared by every operation
// handler: typed accessors over goipp attribute lists, request preamble
// validation, and requested-attributes filtering.
package ippattr

import (
	"fmt"
	"strings"

	"github.com/OpenPrinting/goipp"
)

// RequestError is a protocol-level failure that maps directly to an IPP
// status code in the response.
type RequestError struct {
	Status goipp.Status
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

// Errorf builds a RequestError with a formatted reason.
func Errorf(status goipp.Status, format string, args ...any) *RequestError {
	return &RequestError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// Find returns the named attribute from a list.
func Find(attrs goipp.Attributes, name string) (goipp.Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

// String returns the first value of the named attribute as a string. Works
// for any of the textual syntaxes (keyword, name, text, uri, charset...).
func String(attrs goipp.Attributes, name string) (string, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return "", false
	}
	switch v := a.Values[0].V.(type) {
	case goipp.String:
		return string(v), true
	case goipp.TextWithLang:
		return v.Text, true
	}
	return "", false
}

// Int returns the first value of the named attribute as an int.
func Int(attrs goipp.Attributes, name string) (int, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return 0, false
	}
	if v, ok := a.Values[0].V.(goipp.Integer); ok {
		return int(v), true
	}
	return 0, false
}

// Bool returns the first value of the named attribute as a bool.
func Bool(attrs goipp.Attributes, name string) (bool, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return false, false
	}
	if v, ok := a.Values[0].V.(goipp.Boolean); ok {
		return bool(v), true
	}
	return false, false
}

// Strings returns every value of the named attribute as strings.
func Strings(attrs goipp.Attributes, name string) []string {
	a, ok := Find(attrs, name)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range a.Values {
		switch s := v.V.(type) {
		case goipp.String:
			out = append(out, string(s))
		case goipp.TextWithLang:
			out = append(out, s.Text)
		}
	}
	return out
}

// Ints returns every integer value of the named attribute.
func Ints(attrs goipp.Attributes, name string) []int {
	a, ok := Find(attrs, name)
	if !ok {
		return nil
	}
	var out []int
	for _, v := range a.Values {
		if n, ok := v.V.(goipp.Integer); ok {
			out = append(out, int(n))
		}
	}
	return out
}

// ValueTag returns the syntax tag of the named attribute's first value.
func ValueTag(attrs goipp.Attributes, name string) (goipp.Tag, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return 0, false
	}
	return a.Values[0].T, true
}

// SetString replaces or appends a single-valued string attribute.
func SetString(attrs *goipp.Attributes, name string, tag goipp.Tag, value string) {
	for i := range *attrs {
		if (*attrs)[i].Name == name {
			(*attrs)[i] = goipp.MakeAttribute(name, tag, goipp.String(value))
			return
		}
	}
	attrs.Add(goipp.MakeAttribute(name, tag, goipp.String(value)))
}

// SetInt replaces or appends a single-valued integer attribute.
func SetInt(attrs *goipp.Attributes, name string, tag goipp.Tag, value int) {
	for i := range *attrs {
		if (*attrs)[i].Name == name {
			(*attrs)[i] = goipp.MakeAttribute(name, tag, goipp.Integer(value))
			return
		}
	}
	attrs.Add(goipp.MakeAttribute(name, tag, goipp.Integer(value)))
}

// Remove drops the named attribute from a list, reporting whether it was
// present.
func Remove(attrs *goipp.Attributes, name string) bool {
	for i := range *attrs {
		if (*attrs)[i].Name == name {
			*attrs = append((*attrs)[:i], (*attrs)[i+1:]...)
			return true
		}
	}
	return false
}

// CheckHeader enforces the request envelope rules: version 1.x or 2.x,
// request-id at least 1, and a non-empty attribute set.
func CheckHeader(msg *goipp.Message) *RequestError {
	if major := msg.Version.Major(); major != 1 && major != 2 {
		return Errorf(goipp.StatusErrorVersionNotSupported,
			"bad request version %d.%d", msg.Version.Major(), msg.Version.Minor())
	}
	if msg.RequestID < 1 {
		return Errorf(goipp.StatusErrorBadRequest, "bad request-id %d", msg.RequestID)
	}
	total := 0
	for _, g := range msg.Groups {
		total += len(g.Attrs)
	}
	if total == 0 {
		return Errorf(goipp.StatusErrorBadRequest, "no attributes in request")
	}
	return nil
}

// CheckGroupOrder rejects requests whose delimiter tags go backwards. Equal
// tags are fine: a request may carry several groups of the same kind.
func CheckGroupOrder(groups goipp.Groups) *RequestError {
	prev := goipp.Tag(0)
	for _, g := range groups {
		if g.Tag < prev {
			return Errorf(goipp.StatusErrorBadRequest,
				"attribute groups out of order (%s after %s)", g.Tag, prev)
		}
		prev = g.Tag
	}
	return nil
}

// Meta is the validated request preamble every handler relies on.
type Meta struct {
	Charset  string
	Language string
	// Target is the object URI (or driver name) the request addresses,
	// with TargetAttr naming which attribute supplied it.
	Target     string
	TargetAttr string
}

// CheckMeta validates the fixed leading attributes: attributes-charset
// first, attributes-natural-language second, both in the first operation
// group, followed by a target URI when the operation requires one.
func CheckMeta(msg *goipp.Message, needTarget bool) (Meta, *RequestError) {
	var meta Meta
	var op goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == goipp.TagOperationGroup {
			op = g.Attrs
			break
		}
	}
	if len(op) == 0 {
		return meta, Errorf(goipp.StatusErrorBadRequest, "missing operation attributes group")
	}
	first := op[0]
	if first.Name != "attributes-charset" || len(first.Values) == 0 ||
		first.Values[0].T != goipp.TagCharset {
		return meta, Errorf(goipp.StatusErrorBadRequest,
			"attributes-charset must be the first operation attribute")
	}
	if s, ok := first.Values[0].V.(goipp.String); ok {
		meta.Charset = strings.ToLower(string(s))
	}
	if meta.Charset != "utf-8" && meta.Charset != "us-ascii" {
		return meta, Errorf(goipp.StatusErrorCharset,
			"unsupported attributes-charset %q", meta.Charset)
	}
	if len(op) < 2 {
		return meta, Errorf(goipp.StatusErrorBadRequest,
			"missing attributes-natural-language")
	}
	second := op[1]
	if second.Name != "attributes-natural-language" || len(second.Values) == 0 ||
		second.Values[0].T != goipp.TagLanguage {
		return meta, Errorf(goipp.StatusErrorBadRequest,
			"attributes-natural-language must be the second operation attribute")
	}
	if s, ok := second.Values[0].V.(goipp.String); ok {
		meta.Language = string(s)
	}
	for _, name := range []string{"printer-uri", "job-uri", "ppd-name"} {
		if v, ok := String(op, name); ok {
			meta.Target = v
			meta.TargetAttr = name
			break
		}
	}
	if needTarget && meta.Target == "" {
		return meta, Errorf(goipp.StatusErrorBadRequest,
			"missing printer-uri, job-uri or ppd-name")
	}
	return meta, nil
}

// RequestingUser extracts requesting-user-name from the operation group.
// Missing yields "anonymous". Wrong syntax is rejected in strict mode and
// coerced to "anonymous" otherwise.
func RequestingUser(msg *goipp.Message, strict bool) (string, *RequestError) {
	a, ok := Find(msg.Operation, "requesting-user-name")
	if !ok {
		return "anonymous", nil
	}
	bad := len(a.Values) == 0 ||
		(a.Values[0].T != goipp.TagName && a.Values[0].T != goipp.TagNameLang)
	if !bad {
		switch v := a.Values[0].V.(type) {
		case goipp.String:
			if string(v) != "" {
				return string(v), nil
			}
		case goipp.TextWithLang:
			if v.Text != "" {
				return v.Text, nil
			}
		}
		bad = true
	}
	if strict {
		return "", Errorf(goipp.StatusErrorBadRequest, "malformed requesting-user-name")
	}
	return "anonymous", nil
}

// requestedGroups expands the group keywords accepted in
// requested-attributes.
var requestedGroups = map[string][]string{
	"job-template": {
		"copies", "finishings", "job-hold-until", "job-priority", "job-sheets",
		"media", "number-up", "orientation-requested", "output-bin",
		"print-color-mode", "print-quality", "printer-resolution", "sides",
	},
	"job-description": {
		"job-id", "job-impressions", "job-impressions-completed",
		"job-k-octets", "job-media-sheets", "job-name", "job-originating-user-name",
		"job-printer-uri", "job-state", "job-state-message", "job-state-reasons",
		"job-uri", "time-at-creation", "time-at-completed", "time-at-processing",
	},
	"printer-description": {
		"printer-info", "printer-is-accepting-jobs", "printer-location",
		"printer-make-and-model", "printer-more-info", "printer-name",
		"printer-state", "printer-state-message", "printer-state-reasons",
		"printer-type", "printer-up-time", "printer-uri-supported", "queued-job-count",
	},
	"subscription-description": {
		"notify-job-id", "notify-lease-expiration-time", "notify-printer-uri",
		"notify-sequence-number", "notify-subscriber-user-name", "notify-subscription-id",
	},
	"subscription-template": {
		"notify-charset", "notify-events", "notify-lease-duration",
		"notify-natural-language", "notify-pull-method", "notify-recipient-uri",
		"notify-time-interval", "notify-user-data",
	},
}

// Requested is the parsed requested-attributes filter. A nil Requested, or
// one containing "all", admits everything.
type Requested map[string]bool

// ParseRequested builds the filter from the request's operation attributes.
func ParseRequested(attrs goipp.Attributes) Requested {
	names := Strings(attrs, "requested-attributes")
	if len(names) == 0 {
		return nil
	}
	req := make(Requested, len(names))
	for _, n := range names {
		if expansion, ok := requestedGroups[n]; ok {
			for _, e := range expansion {
				req[e] = true
			}
			continue
		}
		req[n] = true
	}
	return req
}

// Want reports whether the filter admits the named attribute.
func (r Requested) Want(name string) bool {
	if r == nil || r["all"] {
		return true
	}
	return r[name]
}

// CopyFiltered appends src attributes admitted by req and not excluded to
// dst. Exclusions come from the policy engine's private-attribute list.
func CopyFiltered(dst *goipp.Attributes, src goipp.Attributes, req Requested, exclude map[string]bool) {
	for _, a := range src {
		if !req.Want(a.Name) {
			continue
		}
		if exclude != nil && exclude[a.Name] {
			continue
		}
		dst.Add(a)
	}
}
