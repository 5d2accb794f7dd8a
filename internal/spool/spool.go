// Package spool manages the request-root directory holding job document
// files, named d<job>-<doc> the way cupsd lays out its spool.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrDiskFull is returned when writing a document would leave less free
// space than the configured reserve.
var ErrDiskFull = errors.New("spool disk full")

type Spool struct {
	Dir string
	// ReserveBytes is the minimum free space to keep on the spool
	// filesystem; zero disables the check.
	ReserveBytes int64
}

func (s Spool) Ensure() error {
	return os.MkdirAll(s.Dir, 0o755)
}

// DocPath returns the canonical path of one document file.
func (s Spool) DocPath(jobID, docNum int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("d%05d-%03d", jobID, docNum))
}

// Save streams a document body into the spool and returns its path and
// size. The write goes to a temp name first and is renamed into place so a
// crashed transfer never leaves a plausible-looking document file.
func (s Spool) Save(jobID, docNum int, r io.Reader) (string, int64, error) {
	if err := s.Ensure(); err != nil {
		return "", 0, err
	}
	if s.ReserveBytes > 0 {
		free, err := freeSpace(s.Dir)
		if err == nil && free < uint64(s.ReserveBytes) {
			return "", 0, ErrDiskFull
		}
	}
	path := s.DocPath(jobID, docNum)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return path, n, nil
}

// Remove deletes every document file belonging to a job.
func (s Spool) Remove(jobID int) error {
	matches, err := filepath.Glob(filepath.Join(s.Dir, fmt.Sprintf("d%05d-*", jobID)))
	if err != nil {
		return err
	}
	var first error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open returns a reader over one stored document.
func (s Spool) Open(path string) (*os.File, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Clean(s.Dir)+string(filepath.Separator)) {
		return nil, fmt.Errorf("document path %q outside spool", path)
	}
	return os.Open(clean)
}

// FreeSpace reports the free bytes on the spool filesystem.
func (s Spool) FreeSpace() (uint64, error) {
	return freeSpace(s.Dir)
}
