package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPrinting/goipp"

	"printd/internal/policy"
)

// opIDs maps <Limit> operation names to IPP operation ids.
var opIDs = map[string]int{
	"print-job":                    int(goipp.OpPrintJob),
	"validate-job":                 int(goipp.OpValidateJob),
	"create-job":                   int(goipp.OpCreateJob),
	"send-document":                int(goipp.OpSendDocument),
	"cancel-job":                   int(goipp.OpCancelJob),
	"get-job-attributes":           int(goipp.OpGetJobAttributes),
	"get-jobs":                     int(goipp.OpGetJobs),
	"get-printer-attributes":       int(goipp.OpGetPrinterAttributes),
	"hold-job":                     int(goipp.OpHoldJob),
	"release-job":                  int(goipp.OpReleaseJob),
	"restart-job":                  int(goipp.OpRestartJob),
	"purge-jobs":                   int(goipp.OpPurgeJobs),
	"set-job-attributes":           int(goipp.OpSetJobAttributes),
	"set-printer-attributes":       int(goipp.OpSetPrinterAttributes),
	"pause-printer":                int(goipp.OpPausePrinter),
	"resume-printer":               int(goipp.OpResumePrinter),
	"enable-printer":               int(goipp.OpEnablePrinter),
	"disable-printer":              int(goipp.OpDisablePrinter),
	"cancel-jobs":                  int(goipp.OpCancelJobs),
	"cancel-my-jobs":               int(goipp.OpCancelMyJobs),
	"close-job":                    int(goipp.OpCloseJob),
	"cups-get-default":             int(goipp.OpCupsGetDefault),
	"cups-get-printers":            int(goipp.OpCupsGetPrinters),
	"cups-add-modify-printer":      int(goipp.OpCupsAddModifyPrinter),
	"cups-delete-printer":          int(goipp.OpCupsDeletePrinter),
	"cups-get-classes":             int(goipp.OpCupsGetClasses),
	"cups-add-modify-class":        int(goipp.OpCupsAddModifyClass),
	"cups-delete-class":            int(goipp.OpCupsDeleteClass),
	"cups-accept-jobs":             int(goipp.OpCupsAcceptJobs),
	"cups-reject-jobs":             int(goipp.OpCupsRejectJobs),
	"cups-set-default":             int(goipp.OpCupsSetDefault),
	"cups-get-devices":             int(goipp.OpCupsGetDevices),
	"cups-get-ppds":                int(goipp.OpCupsGetPpds),
	"cups-move-job":                int(goipp.OpCupsMoveJob),
	"cups-authenticate-job":        int(goipp.OpCupsAuthenticateJob),
	"cups-get-document":            int(goipp.OpCupsGetDocument),
	"create-printer-subscriptions": int(goipp.OpCreatePrinterSubscriptions),
	"create-job-subscriptions":     int(goipp.OpCreateJobSubscriptions),
	"get-subscription-attributes":  int(goipp.OpGetSubscriptionAttributes),
	"get-subscriptions":            int(goipp.OpGetSubscriptions),
	"renew-subscription":           int(goipp.OpRenewSubscription),
	"cancel-subscription":          int(goipp.OpCancelSubscription),
	"get-notifications":            int(goipp.OpGetNotifications),
}

// LoadPolicy builds the access-control engine from printd.conf's Location
// and Policy blocks. Missing file yields a permissive engine with the
// stock admin-area rules.
func LoadPolicy(cfg Config) *policy.Engine {
	eng := policy.NewEngine(cfg.SystemGroups...)
	path := filepath.Join(cfg.ConfDir, "printd.conf")
	f, err := os.Open(path)
	if err != nil {
		eng.Locations = defaultLocations(cfg)
		return eng
	}
	defer f.Close()

	var cur *policy.Rule
	var curOps []int
	inPolicy := false
	policyName := ""

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "<Policy "):
			policyName = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "<Policy "), ">"))
			inPolicy = true
			continue
		case line == "</Policy>":
			inPolicy = false
			policyName = ""
			continue
		case strings.HasPrefix(line, "<Location "):
			p := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "<Location "), ">"))
			cur = &policy.Rule{Prefix: p}
			continue
		case line == "</Location>":
			if cur != nil {
				eng.Locations = append(eng.Locations, cur)
			}
			cur = nil
			continue
		case strings.HasPrefix(line, "<Limit "):
			args := strings.Fields(strings.TrimSuffix(strings.TrimPrefix(line, "<Limit "), ">"))
			if inPolicy {
				// Operation names inside a Policy block.
				curOps = nil
				for _, op := range args {
					if op == "All" {
						curOps = append(curOps, -1)
						continue
					}
					if id, ok := opIDs[strings.ToLower(op)]; ok {
						curOps = append(curOps, id)
					}
				}
				cur = &policy.Rule{}
			} else if cur != nil {
				// HTTP methods inside a Location block.
				if cur.Methods == nil {
					cur.Methods = map[string]bool{}
				}
				for _, m := range args {
					cur.Methods[strings.ToUpper(m)] = true
				}
			}
			continue
		case line == "</Limit>":
			if inPolicy && cur != nil {
				applyPolicyRule(eng, cfg, policyName, curOps, cur)
				cur = nil
				curOps = nil
			}
			continue
		}
		if cur == nil {
			continue
		}
		applyDirective(cur, line)
	}
	if len(eng.Locations) == 0 {
		eng.Locations = defaultLocations(cfg)
	}
	return eng
}

func applyPolicyRule(eng *policy.Engine, cfg Config, name string, ops []int, rule *policy.Rule) {
	if name != "" && cfg.DefaultPolicy != "" && !strings.EqualFold(name, cfg.DefaultPolicy) {
		return
	}
	for _, op := range ops {
		if op == -1 {
			eng.Default = rule
			continue
		}
		eng.OpRules[op] = rule
	}
}

func applyDirective(rule *policy.Rule, line string) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return
	}
	switch parts[0] {
	case "AuthType":
		switch strings.ToLower(parts[1]) {
		case "none":
			rule.AuthType = policy.AuthNone
		case "basic", "default":
			rule.AuthType = policy.AuthBasic
		}
	case "Require":
		switch strings.ToLower(parts[1]) {
		case "valid-user", "user":
			if rule.AuthLevel < policy.LevelUser {
				rule.AuthLevel = policy.LevelUser
			}
			rule.Require = append(rule.Require, parts[2:]...)
		case "group":
			rule.AuthLevel = policy.LevelGroup
			for _, g := range parts[2:] {
				rule.Require = append(rule.Require, "@"+strings.TrimPrefix(g, "@"))
			}
		}
	case "Order":
		rule.Order = strings.ToLower(strings.Join(parts[1:], ""))
	case "Allow":
		rule.Allow = append(rule.Allow, trimFrom(parts[1:])...)
	case "Deny":
		rule.Deny = append(rule.Deny, trimFrom(parts[1:])...)
	case "Satisfy":
		rule.SatisfyAny = strings.EqualFold(parts[1], "any")
	case "Encryption":
		rule.RequireTLS = strings.EqualFold(parts[1], "required")
	}
}

func trimFrom(args []string) []string {
	if len(args) > 0 && strings.EqualFold(args[0], "from") {
		args = args[1:]
	}
	return args
}

// defaultLocations is the stock rule set used when no configuration file
// is present: everyone may reach the IPP endpoints, the admin area needs a
// system-group login.
func defaultLocations(cfg Config) []*policy.Rule {
	authType := policy.AuthBasic
	if strings.EqualFold(cfg.DefaultAuthType, "none") {
		authType = policy.AuthNone
	}
	return []*policy.Rule{
		{Prefix: "/"},
		{
			Prefix:    "/admin",
			AuthType:  authType,
			AuthLevel: policy.LevelGroup,
			Require:   []string{"@SYSTEM"},
		},
	}
}
