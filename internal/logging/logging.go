// Package logging provides the daemon's three log streams: the error log
// (leveled, CUPS error_log format), the HTTP access log and the per-page
// accounting log. A Manager is constructed once and injected; there is no
// package-level state.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level filters error-log lines.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "debug2":
		return LevelDebug
	case "", "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "crit", "alert", "emerg":
		return LevelError
	case "none":
		return LevelNone
	}
	return LevelInfo
}

var levelMarks = map[Level]string{
	LevelDebug: "D",
	LevelInfo:  "I",
	LevelWarn:  "W",
	LevelError: "E",
}

// Manager owns the daemon's log streams.
type Manager struct {
	mu       sync.RWMutex
	level    Level
	errorLog *RotatingFile
	access   *RotatingFile
	pages    *RotatingFile
}

// New builds a manager writing to the three configured paths. A path of
// "stderr", "stdout", "none" or "" selects the obvious non-file target.
func New(level, errorPath, accessPath, pagePath string, maxSize int64) *Manager {
	return &Manager{
		level:    ParseLevel(level),
		errorLog: NewRotatingFile(errorPath, maxSize),
		access:   NewRotatingFile(accessPath, maxSize),
		pages:    NewRotatingFile(pagePath, maxSize),
	}
}

// Discard returns a manager that drops everything, for tests.
func Discard() *Manager {
	return &Manager{level: LevelNone}
}

// SetLevel changes the error-log threshold at runtime.
func (m *Manager) SetLevel(level Level) {
	m.mu.Lock()
	m.level = level
	m.mu.Unlock()
}

// ErrorWriter exposes the error log as an io.Writer for the standard
// library logger.
func (m *Manager) ErrorWriter() io.Writer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.errorLog.Enabled() {
		return m.errorLog
	}
	return os.Stderr
}

func (m *Manager) logf(level Level, format string, args ...any) {
	m.mu.RLock()
	threshold := m.level
	dst := m.errorLog
	m.mu.RUnlock()
	if level < threshold || threshold == LevelNone {
		return
	}
	line := fmt.Sprintf("%s [%s] %s",
		levelMarks[level],
		time.Now().Format("02/Jan/2006:15:04:05 -0700"),
		fmt.Sprintf(format, args...))
	if dst.Enabled() {
		_ = dst.WriteLine(line)
		return
	}
	fmt.Fprintln(os.Stderr, line)
}

func (m *Manager) Debugf(format string, args ...any) { m.logf(LevelDebug, format, args...) }
func (m *Manager) Infof(format string, args ...any)  { m.logf(LevelInfo, format, args...) }
func (m *Manager) Warnf(format string, args ...any)  { m.logf(LevelWarn, format, args...) }
func (m *Manager) Errorf(format string, args ...any) { m.logf(LevelError, format, args...) }

// JobDebugf prefixes the job id the way cupsd tags per-job lines.
func (m *Manager) JobDebugf(jobID int, format string, args ...any) {
	m.Debugf("[Job %d] %s", jobID, fmt.Sprintf(format, args...))
}

func (m *Manager) JobInfof(jobID int, format string, args ...any) {
	m.Infof("[Job %d] %s", jobID, fmt.Sprintf(format, args...))
}

func (m *Manager) JobErrorf(jobID int, format string, args ...any) {
	m.Errorf("[Job %d] %s", jobID, fmt.Sprintf(format, args...))
}

// Access writes one access-log line.
func (m *Manager) Access(line string) {
	m.mu.RLock()
	dst := m.access
	m.mu.RUnlock()
	if dst != nil {
		_ = dst.WriteLine(line)
	}
}

// Page writes one page-log accounting line.
func (m *Manager) Page(line string) {
	m.mu.RLock()
	dst := m.pages
	m.mu.RUnlock()
	if dst != nil {
		_ = dst.WriteLine(line)
	}
}
