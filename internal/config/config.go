// Package config loads the daemon configuration from the environment and
// from printd.conf / printd-files.conf under the configuration directory.
// File directives follow the cupsd.conf vocabulary where one exists.
package config

import (
	"bufio"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	ListenHTTP  []string
	ListenHTTPS []string

	TLSEnabled      bool
	TLSOnly         bool
	TLSCertPath     string
	TLSKeyPath      string
	TLSAutoGenerate bool

	DataDir   string
	ConfDir   string
	SpoolDir  string
	StateDir  string
	CacheDir  string
	DBPath    string
	ServerBin string

	ServerName  string
	ServerAlias []string

	LogLevel      string
	MaxLogSize    int64
	ErrorLogPath  string
	AccessLogPath string
	PageLogPath   string

	MaxRequestSize int64

	MaxJobs           int
	MaxJobsPerPrinter int
	MaxJobsPerUser    int
	JobKLimit         int
	JobPageLimit      int
	JobQuotaPeriod    int

	// PreserveJobHistory and PreserveJobFiles are retention windows in
	// seconds once a job reaches a terminal state.
	PreserveJobHistory int
	PreserveJobFiles   int

	MultipleOperationTimeout int
	MaxJobTime               int
	JobRetryLimit            int
	JobRetryInterval         int

	DefaultPolicy   string
	DefaultAuthType string
	ErrorPolicy     string
	SystemGroups    []string

	// StrictUserName rejects malformed requesting-user-name values
	// instead of coercing them to "anonymous".
	StrictUserName bool
	// HostNameLookups resolves client addresses to names so @NAME
	// policy rules can match on hostnames.
	HostNameLookups bool
	// RemoteRoot replaces "root" claimed by unauthenticated remote
	// clients.
	RemoteRoot string

	Browsing          bool
	DNSSDHostName     string
	DNSSDComputerName string

	// DocumentFormats lists the accepted document MIME types when a
	// mime.types file is present; empty means the built-in set.
	DocumentFormats []string
}

type overrides struct {
	confDir  bool
	dataDir  bool
	spoolDir bool
	dbPath   bool
	listen   bool
	tlsCert  bool
	tlsKey   bool
	srvName  bool
}

func Load() Config {
	ov := overrides{}

	dataDir := getenv("PRINTD_DATA_DIR", "data")
	confDir := getenv("PRINTD_CONF_DIR", filepath.Join(dataDir, "conf"))

	cfg := Config{
		ListenAddr:      getenv("PRINTD_LISTEN_ADDR", ":631"),
		TLSEnabled:      getenvBool("PRINTD_TLS_ENABLED", true),
		TLSOnly:         getenvBool("PRINTD_TLS_ONLY", false),
		TLSAutoGenerate: getenvBool("PRINTD_TLS_AUTOGEN", true),
		DataDir:         dataDir,
		ConfDir:         confDir,
		ServerName:      getenv("PRINTD_SERVER_NAME", hostname()),
		LogLevel:        "info",
		MaxJobs:         500,

		MultipleOperationTimeout: 300,
		MaxJobTime:               3 * 60 * 60,
		JobRetryLimit:            5,
		JobRetryInterval:         30,
		PreserveJobHistory:       24 * 60 * 60,
		PreserveJobFiles:         60 * 60,
		JobQuotaPeriod:           24 * 60 * 60,

		RemoteRoot:   "remroot",
		SystemGroups: []string{"admin", "lpadmin", "root", "sys"},
		Browsing:     true,
	}

	markEnvOverrides(&ov)
	parseFilesConf(filepath.Join(cfg.ConfDir, "printd-files.conf"), &cfg, &ov)
	parseMainConf(filepath.Join(cfg.ConfDir, "printd.conf"), &cfg, &ov)
	applyEnvOverrides(&cfg, &ov)
	applyDerivedDefaults(&cfg, &ov)
	cfg.DocumentFormats = parseMimeTypes(filepath.Join(cfg.ConfDir, "mime.types"))

	if cfg.TLSOnly {
		cfg.TLSEnabled = true
	}
	if len(cfg.ListenHTTP) == 0 && len(cfg.ListenHTTPS) == 0 && strings.TrimSpace(cfg.ListenAddr) != "" {
		cfg.ListenHTTP = []string{ensurePort(strings.TrimSpace(cfg.ListenAddr), "631")}
	}
	return cfg
}

// QuotaPeriod returns the rolling quota window as a duration.
func (c Config) QuotaPeriod() time.Duration {
	return time.Duration(c.JobQuotaPeriod) * time.Second
}

// DocTimeout returns the Create-Job awaiting-documents deadline.
func (c Config) DocTimeout() time.Duration {
	return time.Duration(c.MultipleOperationTimeout) * time.Second
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func markEnvOverrides(ov *overrides) {
	if _, ok := os.LookupEnv("PRINTD_CONF_DIR"); ok {
		ov.confDir = true
	}
	if _, ok := os.LookupEnv("PRINTD_DATA_DIR"); ok {
		ov.dataDir = true
	}
	if _, ok := os.LookupEnv("PRINTD_SPOOL_DIR"); ok {
		ov.spoolDir = true
	}
	if _, ok := os.LookupEnv("PRINTD_DB_PATH"); ok {
		ov.dbPath = true
	}
	if _, ok := os.LookupEnv("PRINTD_LISTEN_ADDR"); ok {
		ov.listen = true
	}
	if _, ok := os.LookupEnv("PRINTD_TLS_CERT"); ok {
		ov.tlsCert = true
	}
	if _, ok := os.LookupEnv("PRINTD_TLS_KEY"); ok {
		ov.tlsKey = true
	}
	if _, ok := os.LookupEnv("PRINTD_SERVER_NAME"); ok {
		ov.srvName = true
	}
}

func applyEnvOverrides(cfg *Config, ov *overrides) {
	if v, ok := os.LookupEnv("PRINTD_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("PRINTD_CONF_DIR"); ok {
		cfg.ConfDir = v
	}
	if v, ok := os.LookupEnv("PRINTD_SPOOL_DIR"); ok {
		cfg.SpoolDir = v
	}
	if v, ok := os.LookupEnv("PRINTD_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("PRINTD_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("PRINTD_TLS_CERT"); ok {
		cfg.TLSCertPath = v
	}
	if v, ok := os.LookupEnv("PRINTD_TLS_KEY"); ok {
		cfg.TLSKeyPath = v
	}
	if v, ok := os.LookupEnv("PRINTD_SERVER_NAME"); ok {
		cfg.ServerName = v
	}
	if v, ok := os.LookupEnv("PRINTD_MULTIPLE_OPERATION_TIMEOUT"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.MultipleOperationTimeout = n
		}
	}
	cfg.TLSEnabled = getenvBool("PRINTD_TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSOnly = getenvBool("PRINTD_TLS_ONLY", cfg.TLSOnly)
	cfg.TLSAutoGenerate = getenvBool("PRINTD_TLS_AUTOGEN", cfg.TLSAutoGenerate)
	cfg.StrictUserName = getenvBool("PRINTD_STRICT_USER_NAME", cfg.StrictUserName)
}

func applyDerivedDefaults(cfg *Config, ov *overrides) {
	if !ov.dbPath {
		cfg.DBPath = filepath.Join(cfg.DataDir, "printd.db")
	}
	if !ov.spoolDir && cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}
	if !ov.tlsCert && cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.ConfDir, "printd.crt")
	}
	if !ov.tlsKey && cfg.TLSKeyPath == "" {
		cfg.TLSKeyPath = filepath.Join(cfg.ConfDir, "printd.key")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.DataDir, "state")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.ErrorLogPath == "" {
		cfg.ErrorLogPath = filepath.Join(cfg.DataDir, "log", "error_log")
	}
	if cfg.AccessLogPath == "" {
		cfg.AccessLogPath = filepath.Join(cfg.DataDir, "log", "access_log")
	}
	if cfg.PageLogPath == "" {
		cfg.PageLogPath = filepath.Join(cfg.DataDir, "log", "page_log")
	}
}

func parseFilesConf(path string, cfg *Config, ov *overrides) {
	forEachDirective(path, func(key, value string, parts []string) {
		switch key {
		case "ServerRoot":
			if !ov.confDir && value != "" {
				cfg.ConfDir = resolvePath(cfg.ConfDir, value)
			}
		case "DataDir":
			if !ov.dataDir && value != "" {
				cfg.DataDir = resolvePath(cfg.ConfDir, value)
			}
		case "RequestRoot":
			if !ov.spoolDir && value != "" {
				cfg.SpoolDir = resolvePath(cfg.ConfDir, value)
				ov.spoolDir = true
			}
		case "StateDir":
			cfg.StateDir = resolvePath(cfg.ConfDir, value)
		case "CacheDir":
			cfg.CacheDir = resolvePath(cfg.ConfDir, value)
		case "ServerBin":
			cfg.ServerBin = resolvePath(cfg.ConfDir, value)
		case "AccessLog":
			cfg.AccessLogPath = resolvePath(cfg.ConfDir, value)
		case "ErrorLog":
			cfg.ErrorLogPath = resolvePath(cfg.ConfDir, value)
		case "PageLog":
			cfg.PageLogPath = resolvePath(cfg.ConfDir, value)
		case "SystemGroup":
			if len(parts) > 1 {
				cfg.SystemGroups = appendUniqueList(nil, parts[1:]...)
			}
		}
	})
}

func parseMainConf(path string, cfg *Config, ov *overrides) {
	forEachDirective(path, func(key, value string, parts []string) {
		switch key {
		case "Listen":
			if ov.listen {
				return
			}
			lower := strings.ToLower(value)
			tls := strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ipps://")
			addListen(cfg, value, tls)
		case "Port":
			if ov.listen {
				return
			}
			for _, p := range parts[1:] {
				addListen(cfg, ":"+p, false)
			}
		case "ServerName":
			if !ov.srvName {
				cfg.ServerName = value
			}
		case "ServerAlias":
			cfg.ServerAlias = appendUniqueList(cfg.ServerAlias, parts[1:]...)
		case "LogLevel":
			cfg.LogLevel = value
		case "MaxLogSize":
			if v, ok := parseSize(value); ok {
				cfg.MaxLogSize = v
			}
		case "MaxRequestSize", "LimitRequestBody":
			if v, ok := parseSize(value); ok {
				cfg.MaxRequestSize = v
			}
		case "MaxJobs":
			if n, ok := parseInt(value); ok {
				cfg.MaxJobs = n
			}
		case "MaxJobsPerPrinter":
			if n, ok := parseInt(value); ok {
				cfg.MaxJobsPerPrinter = n
			}
		case "MaxJobsPerUser":
			if n, ok := parseInt(value); ok {
				cfg.MaxJobsPerUser = n
			}
		case "JobKLimit":
			if n, ok := parseInt(value); ok {
				cfg.JobKLimit = n
			}
		case "JobPageLimit":
			if n, ok := parseInt(value); ok {
				cfg.JobPageLimit = n
			}
		case "JobQuotaPeriod":
			if n, ok := parseTimeSeconds(value); ok {
				cfg.JobQuotaPeriod = n
			}
		case "PreserveJobHistory":
			if n, ok := parseRetention(value); ok {
				cfg.PreserveJobHistory = n
			}
		case "PreserveJobFiles":
			if n, ok := parseRetention(value); ok {
				cfg.PreserveJobFiles = n
			}
		case "MultipleOperationTimeout":
			if n, ok := parseInt(value); ok {
				cfg.MultipleOperationTimeout = n
			}
		case "MaxJobTime":
			if n, ok := parseTimeSeconds(value); ok {
				cfg.MaxJobTime = n
			}
		case "JobRetryLimit":
			if n, ok := parseInt(value); ok {
				cfg.JobRetryLimit = n
			}
		case "JobRetryInterval":
			if n, ok := parseInt(value); ok {
				cfg.JobRetryInterval = n
			}
		case "DefaultPolicy":
			cfg.DefaultPolicy = value
		case "DefaultAuthType":
			cfg.DefaultAuthType = value
		case "ErrorPolicy":
			cfg.ErrorPolicy = value
		case "StrictUserName":
			if v, ok := parseBool(value); ok {
				cfg.StrictUserName = v
			}
		case "HostNameLookups":
			if v, ok := parseBool(value); ok {
				cfg.HostNameLookups = v
			}
		case "RemoteRoot":
			if value != "" {
				cfg.RemoteRoot = value
			}
		case "Browsing":
			if v, ok := parseBool(value); ok {
				cfg.Browsing = v
			}
		case "DNSSDHostName":
			cfg.DNSSDHostName = value
		case "DNSSDComputerName":
			cfg.DNSSDComputerName = value
		case "DefaultEncryption":
			switch strings.ToLower(value) {
			case "never":
				cfg.TLSEnabled = false
				cfg.TLSOnly = false
			case "required":
				cfg.TLSEnabled = true
				cfg.TLSOnly = true
			case "ifrequested":
				cfg.TLSEnabled = true
				cfg.TLSOnly = false
			}
		}
	})
}

// forEachDirective walks top-level key/value directives in a conf file,
// skipping <...> blocks (LoadPolicy parses those separately).
func forEachDirective(path string, fn func(key, value string, parts []string)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	depth := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "<") {
			if strings.HasPrefix(line, "</") {
				if depth > 0 {
					depth--
				}
			} else {
				depth++
			}
			continue
		}
		if depth > 0 {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := parts[0]
		fn(key, strings.TrimSpace(line[len(key):]), parts)
	}
}

// parseRetention handles Yes/No plus the usual time suffixes: No disables
// retention, Yes means keep forever.
// parseMimeTypes reads a mime.types file, one MIME type per line with
// optional extensions after it. A missing file leaves the built-in set.
func parseMimeTypes(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mt := strings.ToLower(strings.Fields(line)[0])
		if !strings.Contains(mt, "/") {
			continue
		}
		out = appendUnique(out, mt)
	}
	return out
}

func parseRetention(value string) (int, bool) {
	if v, ok := parseBool(value); ok {
		if v {
			return 1<<31 - 1, true
		}
		return 0, true
	}
	return parseTimeSeconds(value)
}

func addListen(cfg *Config, addr string, tls bool) {
	normalized := normalizeListenAddr(addr)
	if normalized == "" {
		return
	}
	if tls {
		cfg.ListenHTTPS = appendUnique(cfg.ListenHTTPS, normalized)
		return
	}
	cfg.ListenHTTP = appendUnique(cfg.ListenHTTP, normalized)
}

func normalizeListenAddr(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	low := strings.ToLower(v)
	if strings.HasPrefix(low, "unix:") || strings.HasPrefix(low, "/") {
		return ""
	}
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			v = u.Host
		}
	}
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	return ensurePort(v, "631")
}

func ensurePort(addr string, defaultPort string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "[") {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr
		}
		if strings.HasSuffix(addr, "]") {
			return addr + ":" + defaultPort
		}
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}
	if strings.Count(addr, ":") > 1 {
		return net.JoinHostPort(addr, defaultPort)
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

func appendUnique(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func appendUniqueList(list []string, values ...string) []string {
	for _, v := range values {
		list = appendUnique(list, v)
	}
	return list
}

func resolvePath(root, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.EqualFold(value, "syslog") {
		return value
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(root, value)
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseSize(value string) (int64, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1024
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		v = v[:len(v)-1]
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || num < 0 {
		return 0, false
	}
	return int64(num * float64(mult)), true
}

func parseInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseTimeSeconds(value string) (int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := 1
	switch v[len(v)-1] {
	case 's', 'S':
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 60
		v = v[:len(v)-1]
	case 'h', 'H':
		mult = 60 * 60
		v = v[:len(v)-1]
	case 'd', 'D':
		mult = 24 * 60 * 60
		v = v[:len(v)-1]
	case 'w', 'W':
		mult = 7 * 24 * 60 * 60
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n * mult, true
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes" || v == "on"
	}
	return fallback
}
