package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// sendHelper hands the job to an external transport program named after
// the uri scheme, using the classic backend argv convention:
// job-id user title copies options [file]. The device uri rides in the
// environment.
func sendHelper(ctx context.Context, req Request, scheme string) error {
	prog := filepath.Join(req.ServerBin, "backend", scheme)
	if _, err := os.Stat(prog); err != nil {
		return fmt.Errorf("%w: %q", ErrNoBackend, scheme)
	}
	cmd := exec.CommandContext(ctx, prog,
		strconv.Itoa(req.JobID),
		req.User,
		req.Title,
		strconv.Itoa(req.Copies),
		"",
		req.DocPath,
	)
	cmd.Env = append(os.Environ(),
		"DEVICE_URI="+req.DeviceURI,
		"CONTENT_TYPE="+req.Format,
		"PRINTD_SERVERBIN="+req.ServerBin,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("backend %s: %s: %w", scheme, detail, err)
		}
		return fmt.Errorf("backend %s: %w", scheme, err)
	}
	return nil
}

// ListHelpers enumerates the helper transports installed under the server
// binary directory, for merging into device/scheme discovery.
func ListHelpers(serverBin string) []string {
	if serverBin == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(serverBin, "backend"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil && info.Mode()&0o111 != 0 {
			out = append(out, e.Name())
		}
	}
	return out
}
