// Package policy decides whether a request may perform an operation. Rules
// come from cupsd.conf-style Location blocks plus named operation policies;
// the most specific matching rule wins and its auth and address constraints
// are evaluated against the connection.
package policy

import (
	"net"
	"strings"
)

// Verdict is the outcome of a policy check, mapped by the HTTP layer to
// 401, 403 or 426.
type Verdict int

const (
	OK Verdict = iota
	Unauthorized
	Forbidden
	UpgradeRequired
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case UpgradeRequired:
		return "upgrade-required"
	}
	return "unknown"
}

// AuthType is the required authentication mechanism.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBasic
)

// AuthLevel is the required principal level.
type AuthLevel int

const (
	LevelAnonymous AuthLevel = iota
	LevelUser
	LevelGroup
)

// Rule is one Location or operation rule.
type Rule struct {
	Prefix  string
	Methods map[string]bool

	AuthType  AuthType
	AuthLevel AuthLevel
	// Require lists the admitted principals: plain user names, @group
	// names, @SYSTEM for the configured admin groups, and @OWNER for the
	// resource owner.
	Require []string

	// Order is "allow,deny" (deny wins) or "deny,allow" (allow wins).
	Order      string
	Allow      []string
	Deny       []string
	SatisfyAny bool

	RequireTLS bool
}

// Matches reports whether the rule covers the request path and method.
func (r *Rule) Matches(path, method string) bool {
	if r.Prefix != "/" && r.Prefix != "" {
		if path != r.Prefix && !strings.HasPrefix(path, r.Prefix+"/") {
			return false
		}
	}
	if len(r.Methods) > 0 && !r.Methods[strings.ToUpper(method)] {
		return false
	}
	return true
}

// Conn is what the policy engine knows about one request's connection.
type Conn struct {
	RemoteIP net.IP
	Host     string
	User     string
	Groups   []string
	TLS      bool
}

// Local reports whether the peer is a loopback client.
func (c Conn) Local() bool {
	return c.RemoteIP != nil && c.RemoteIP.IsLoopback()
}

// Engine evaluates access rules. Read-only at request time.
type Engine struct {
	Locations []*Rule
	// OpRules maps an IPP operation id to a rule consulted when no
	// location rule matches the request path.
	OpRules map[int]*Rule
	Default *Rule

	// SystemGroups are the groups that satisfy @SYSTEM.
	SystemGroups []string

	// PrivateJobAttrs are redacted from job responses for principals who
	// are neither the job owner nor an admin. JobPrivateAccess widens the
	// allowed set beyond owner and @SYSTEM.
	PrivateJobAttrs  []string
	PrivateSubAttrs  []string
	JobPrivateAccess []string
}

// DefaultPrivateJobAttrs is the stock redaction list.
var DefaultPrivateJobAttrs = []string{
	"job-name", "job-originating-host-name", "job-originating-user-name", "phone",
}

// DefaultPrivateSubAttrs is the stock redaction list for subscriptions.
var DefaultPrivateSubAttrs = []string{"notify-events", "notify-pull-method", "notify-recipient-uri", "notify-subscriber-user-name", "notify-user-data"}

// NewEngine returns an engine that admits everything until rules are added.
func NewEngine(systemGroups ...string) *Engine {
	if len(systemGroups) == 0 {
		systemGroups = []string{"admin", "lpadmin", "root", "sys"}
	}
	return &Engine{
		OpRules:          map[int]*Rule{},
		Default:          &Rule{Prefix: "/"},
		SystemGroups:     systemGroups,
		PrivateJobAttrs:  DefaultPrivateJobAttrs,
		PrivateSubAttrs:  DefaultPrivateSubAttrs,
		JobPrivateAccess: []string{"@OWNER", "@SYSTEM"},
	}
}

// Resolve picks the governing rule: the longest-prefix location match for
// the path and method, else the operation rule, else the default.
func (e *Engine) Resolve(path, method string, op int) *Rule {
	var best *Rule
	for _, r := range e.Locations {
		if !r.Matches(path, method) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best != nil {
		return best
	}
	if r, ok := e.OpRules[op]; ok {
		return r
	}
	return e.Default
}

// Check evaluates the governing rule against the connection. owner is the
// resource owner for self-service operations, or empty.
func (e *Engine) Check(path, method string, op int, c Conn, owner string) Verdict {
	rule := e.Resolve(path, method, op)
	if rule == nil {
		return OK
	}
	if rule.RequireTLS && !c.TLS && !c.Local() {
		return UpgradeRequired
	}

	addrOK := e.addrAllowed(rule, c)
	authNeeded := rule.AuthType != AuthNone || rule.AuthLevel != LevelAnonymous

	if !authNeeded {
		if !addrOK {
			return Forbidden
		}
		return OK
	}

	authOK := OK
	if c.User == "" {
		authOK = Unauthorized
	} else if !e.principalAllowed(rule, c, owner) {
		authOK = Forbidden
	}

	if rule.SatisfyAny {
		if addrOK || authOK == OK {
			return OK
		}
		if authOK != OK {
			return authOK
		}
		return Forbidden
	}
	if !addrOK {
		return Forbidden
	}
	return authOK
}

func (e *Engine) principalAllowed(rule *Rule, c Conn, owner string) bool {
	if rule.AuthLevel == LevelAnonymous && len(rule.Require) == 0 {
		return true
	}
	if len(rule.Require) == 0 {
		// Any authenticated user (or for group level, any system group
		// member) is acceptable.
		if rule.AuthLevel == LevelGroup {
			return e.inSystemGroup(c)
		}
		return true
	}
	for _, req := range rule.Require {
		switch {
		case strings.EqualFold(req, "@OWNER"):
			if owner != "" && strings.EqualFold(c.User, owner) {
				return true
			}
		case strings.EqualFold(req, "@SYSTEM"):
			if e.inSystemGroup(c) {
				return true
			}
		case strings.HasPrefix(req, "@"):
			for _, g := range c.Groups {
				if strings.EqualFold(g, req[1:]) {
					return true
				}
			}
		default:
			if strings.EqualFold(c.User, req) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) inSystemGroup(c Conn) bool {
	for _, g := range c.Groups {
		for _, sys := range e.SystemGroups {
			if strings.EqualFold(g, sys) {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the connection's user belongs to a system group.
func (e *Engine) IsAdmin(c Conn) bool { return c.User != "" && e.inSystemGroup(c) }

func (e *Engine) addrAllowed(rule *Rule, c Conn) bool {
	if len(rule.Allow) == 0 && len(rule.Deny) == 0 {
		return true
	}
	allowed := matchAddrList(rule.Allow, c)
	denied := matchAddrList(rule.Deny, c)
	if rule.Order == "deny,allow" {
		// Allow wins. Default deny only when a deny list exists.
		if allowed {
			return true
		}
		if denied {
			return false
		}
		return len(rule.Deny) == 0
	}
	// allow,deny: deny wins.
	if denied {
		return false
	}
	if len(rule.Allow) == 0 {
		return true
	}
	return allowed
}

func matchAddrList(list []string, c Conn) bool {
	for _, entry := range list {
		if matchAddr(entry, c) {
			return true
		}
	}
	return false
}

func matchAddr(entry string, c Conn) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	switch entry {
	case "":
		return false
	case "all":
		return true
	case "localhost", "@local":
		return c.Local()
	case "none":
		return false
	}
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return c.RemoteIP != nil && ipnet.Contains(c.RemoteIP)
	}
	if ip := net.ParseIP(entry); ip != nil {
		return c.RemoteIP != nil && ip.Equal(c.RemoteIP)
	}
	// Hostname, possibly with a leading dot for domain suffix matches.
	host := strings.ToLower(c.Host)
	if host == "" {
		return false
	}
	if strings.HasPrefix(entry, ".") {
		return strings.HasSuffix(host, entry)
	}
	return host == entry
}

// PrivateAttrs returns the attribute names to redact from a job or
// subscription response for this connection, or nil when the principal may
// see everything.
func (e *Engine) PrivateAttrs(c Conn, owner string, subscription bool) map[string]bool {
	for _, req := range e.JobPrivateAccess {
		switch {
		case strings.EqualFold(req, "@OWNER"):
			if owner != "" && strings.EqualFold(c.User, owner) {
				return nil
			}
		case strings.EqualFold(req, "@SYSTEM"):
			if e.inSystemGroup(c) {
				return nil
			}
		case strings.HasPrefix(req, "@"):
			for _, g := range c.Groups {
				if strings.EqualFold(g, req[1:]) {
					return nil
				}
			}
		case strings.EqualFold(req, "all"):
			return nil
		default:
			if strings.EqualFold(c.User, req) {
				return nil
			}
		}
	}
	src := e.PrivateJobAttrs
	if subscription {
		src = e.PrivateSubAttrs
	}
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]bool, len(src))
	for _, name := range src {
		out[name] = true
	}
	return out
}
