package policy

import (
	"net"
	"testing"
)

func localConn(user string, groups ...string) Conn {
	return Conn{RemoteIP: net.ParseIP("127.0.0.1"), User: user, Groups: groups}
}

func remoteConn(user string, groups ...string) Conn {
	return Conn{RemoteIP: net.ParseIP("192.168.1.50"), Host: "desk.example.com", User: user, Groups: groups}
}

func TestResolveLongestPrefix(t *testing.T) {
	e := NewEngine()
	root := &Rule{Prefix: "/"}
	admin := &Rule{Prefix: "/admin", AuthType: AuthBasic, AuthLevel: LevelGroup}
	conf := &Rule{Prefix: "/admin/conf", AuthType: AuthBasic, AuthLevel: LevelGroup, RequireTLS: true}
	e.Locations = []*Rule{root, admin, conf}

	if got := e.Resolve("/printers/office", "POST", 0); got != root {
		t.Fatalf("resolved %+v, want root rule", got)
	}
	if got := e.Resolve("/admin", "POST", 0); got != admin {
		t.Fatalf("resolved %+v, want admin rule", got)
	}
	if got := e.Resolve("/admin/conf/cupsd.conf", "GET", 0); got != conf {
		t.Fatalf("resolved %+v, want conf rule", got)
	}
	// Prefix match is segment-wise, not substring.
	if got := e.Resolve("/administrator", "POST", 0); got != root {
		t.Fatalf("resolved %+v for /administrator, want root rule", got)
	}
}

func TestOpRuleConsultedWithoutLocationMatch(t *testing.T) {
	e := NewEngine()
	e.Locations = []*Rule{{Prefix: "/admin", AuthType: AuthBasic}}
	opRule := &Rule{AuthType: AuthBasic, AuthLevel: LevelUser}
	e.OpRules[0x0008] = opRule
	if got := e.Resolve("/printers/office", "POST", 0x0008); got != opRule {
		t.Fatalf("resolved %+v, want operation rule", got)
	}
}

func TestCheckAuthRequired(t *testing.T) {
	e := NewEngine()
	e.Locations = []*Rule{{Prefix: "/admin", AuthType: AuthBasic, AuthLevel: LevelGroup, Require: []string{"@SYSTEM"}}}

	if v := e.Check("/admin", "POST", 0, remoteConn(""), ""); v != Unauthorized {
		t.Fatalf("anonymous verdict = %v, want unauthorized", v)
	}
	if v := e.Check("/admin", "POST", 0, remoteConn("joe", "staff"), ""); v != Forbidden {
		t.Fatalf("non-admin verdict = %v, want forbidden", v)
	}
	if v := e.Check("/admin", "POST", 0, remoteConn("root", "lpadmin"), ""); v != OK {
		t.Fatalf("admin verdict = %v, want ok", v)
	}
}

func TestCheckOwnerSelfService(t *testing.T) {
	e := NewEngine()
	e.Locations = []*Rule{{Prefix: "/jobs", AuthType: AuthBasic, AuthLevel: LevelUser, Require: []string{"@OWNER", "@SYSTEM"}}}

	if v := e.Check("/jobs", "POST", 0, remoteConn("alice"), "alice"); v != OK {
		t.Fatalf("owner verdict = %v, want ok", v)
	}
	if v := e.Check("/jobs", "POST", 0, remoteConn("mallory"), "alice"); v != Forbidden {
		t.Fatalf("non-owner verdict = %v, want forbidden", v)
	}
	if v := e.Check("/jobs", "POST", 0, remoteConn("root", "lpadmin"), "alice"); v != OK {
		t.Fatalf("admin verdict = %v, want ok", v)
	}
}

func TestUpgradeRequiredForRemotePlaintext(t *testing.T) {
	e := NewEngine()
	e.Locations = []*Rule{{Prefix: "/admin", RequireTLS: true, AuthType: AuthBasic, Require: []string{"@SYSTEM"}}}

	if v := e.Check("/admin", "POST", 0, remoteConn("root", "lpadmin"), ""); v != UpgradeRequired {
		t.Fatalf("remote plaintext verdict = %v, want upgrade-required", v)
	}
	tls := remoteConn("root", "lpadmin")
	tls.TLS = true
	if v := e.Check("/admin", "POST", 0, tls, ""); v != OK {
		t.Fatalf("remote TLS verdict = %v, want ok", v)
	}
	// Loopback connections are exempt from the encryption requirement.
	if v := e.Check("/admin", "POST", 0, localConn("root", "lpadmin"), ""); v != OK {
		t.Fatalf("loopback verdict = %v, want ok", v)
	}
}

func TestAddrOrderSemantics(t *testing.T) {
	allowDeny := &Rule{Prefix: "/", Order: "allow,deny", Allow: []string{"192.168.1.0/24"}, Deny: []string{"192.168.1.50"}}
	denyAllow := &Rule{Prefix: "/", Order: "deny,allow", Deny: []string{"all"}, Allow: []string{"localhost"}}

	e := NewEngine()
	e.Locations = []*Rule{allowDeny}
	if v := e.Check("/", "POST", 0, remoteConn(""), ""); v != Forbidden {
		t.Fatalf("deny-listed host verdict = %v, want forbidden", v)
	}
	other := Conn{RemoteIP: net.ParseIP("192.168.1.51")}
	if v := e.Check("/", "POST", 0, other, ""); v != OK {
		t.Fatalf("allowed subnet verdict = %v, want ok", v)
	}
	outside := Conn{RemoteIP: net.ParseIP("10.0.0.1")}
	if v := e.Check("/", "POST", 0, outside, ""); v != Forbidden {
		t.Fatalf("outside subnet verdict = %v, want forbidden", v)
	}

	e.Locations = []*Rule{denyAllow}
	if v := e.Check("/", "POST", 0, localConn(""), ""); v != OK {
		t.Fatalf("localhost verdict = %v, want ok", v)
	}
	if v := e.Check("/", "POST", 0, remoteConn(""), ""); v != Forbidden {
		t.Fatalf("remote verdict = %v, want forbidden", v)
	}
}

func TestHostnameMatching(t *testing.T) {
	rule := &Rule{Prefix: "/", Order: "allow,deny", Allow: []string{".example.com"}}
	e := NewEngine()
	e.Locations = []*Rule{rule}
	if v := e.Check("/", "POST", 0, remoteConn(""), ""); v != OK {
		t.Fatalf("domain suffix verdict = %v, want ok", v)
	}
	stranger := Conn{RemoteIP: net.ParseIP("10.1.1.1"), Host: "evil.test"}
	if v := e.Check("/", "POST", 0, stranger, ""); v != Forbidden {
		t.Fatalf("stranger verdict = %v, want forbidden", v)
	}
}

func TestSatisfyAny(t *testing.T) {
	rule := &Rule{
		Prefix: "/", AuthType: AuthBasic, AuthLevel: LevelUser,
		Order: "allow,deny", Allow: []string{"localhost"}, SatisfyAny: true,
	}
	e := NewEngine()
	e.Locations = []*Rule{rule}
	// Local connections skip auth entirely.
	if v := e.Check("/", "POST", 0, localConn(""), ""); v != OK {
		t.Fatalf("local anonymous verdict = %v, want ok", v)
	}
	// Remote connections must authenticate instead.
	if v := e.Check("/", "POST", 0, remoteConn(""), ""); v != Unauthorized {
		t.Fatalf("remote anonymous verdict = %v, want unauthorized", v)
	}
	if v := e.Check("/", "POST", 0, remoteConn("alice"), ""); v != OK {
		t.Fatalf("remote authenticated verdict = %v, want ok", v)
	}
}

func TestPrivateAttrs(t *testing.T) {
	e := NewEngine()
	if got := e.PrivateAttrs(remoteConn("alice"), "alice", false); got != nil {
		t.Fatalf("owner redactions = %v, want nil", got)
	}
	if got := e.PrivateAttrs(remoteConn("root", "lpadmin"), "alice", false); got != nil {
		t.Fatalf("admin redactions = %v, want nil", got)
	}
	got := e.PrivateAttrs(remoteConn("mallory"), "alice", false)
	if got == nil || !got["job-name"] || !got["job-originating-user-name"] {
		t.Fatalf("stranger redactions = %v", got)
	}
	sub := e.PrivateAttrs(remoteConn("mallory"), "alice", true)
	if sub == nil || !sub["notify-recipient-uri"] {
		t.Fatalf("subscription redactions = %v", sub)
	}
}
