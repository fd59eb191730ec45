// Package sysfs implements the control filesystem adapter: reading
// and writing attribute files under a root tree, and submitting
// management commands with verification against
// last_sysfs_mgmt_res. The filesystem is abstracted behind afero.Fs so
// tests can run against an in-memory tree instead of a real SCST mount,
// wrapped behind small, swappable collaborators rather than talking to
// the real filesystem directly.
package sysfs

import (
	"bytes"
	"context"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

const (
	mgmtFile   = "mgmt"
	resultFile = "last_sysfs_mgmt_res"
)

// Adapter reads and writes attributes under Root, and submits
// management commands, polling for completion up to Timeout.
type Adapter struct {
	Fs      afero.Fs
	Root    string
	Timeout time.Duration
	Poll    time.Duration
}

// New returns an Adapter rooted at root, backed by fs.
func New(fs afero.Fs, root string, timeout time.Duration) *Adapter {
	return &Adapter{Fs: fs, Root: root, Timeout: timeout, Poll: 20 * time.Millisecond}
}

func (a *Adapter) abs(rel string) string {
	return path.Join(a.Root, rel)
}

// ReadAttribute reads and trims one attribute file's content. A
// missing file is reported as a PreconditionError: the caller asked
// about a path that doesn't exist in the live tree.
func (a *Adapter) ReadAttribute(rel string) (string, error) {
	v, _, err := a.ReadAttributeTagged(rel)
	return v, err
}

// keyTag is the marker the subsystem appends to a single-line
// attribute value to flag it as holding a non-default setting
// (the marker convention). ReadAttributeTagged strips exactly one trailing
// occurrence; a second occurrence is literal text (the marker convention).
const keyTag = "[key]"

// ReadAttributeTagged reads one attribute file and reports whether its
// value carries the subsystem's non-default "[key]" marker, stripping
// it from the returned value.
func (a *Adapter) ReadAttributeTagged(rel string) (value string, tagged bool, err error) {
	data, err := afero.ReadFile(a.Fs, a.abs(rel))
	if err != nil {
		return "", false, &scsterr.PreconditionError{Msg: "cannot read attribute " + rel, Err: err}
	}
	v := strings.TrimSpace(string(data))
	if strings.HasSuffix(v, keyTag) {
		return strings.TrimSpace(strings.TrimSuffix(v, keyTag)), true, nil
	}
	return v, false, nil
}

// Exists reports whether rel exists in the tree (a directory or file).
func (a *Adapter) Exists(rel string) bool {
	ok, _ := afero.Exists(a.Fs, a.abs(rel))
	return ok
}

// IsDir reports whether rel exists and is a directory.
func (a *Adapter) IsDir(rel string) bool {
	info, err := a.Fs.Stat(a.abs(rel))
	return err == nil && info.IsDir()
}

// ListDir returns the names of entries under rel, or nil if rel does
// not exist or is not a directory.
func (a *Adapter) ListDir(rel string) []string {
	entries, err := afero.ReadDir(a.Fs, a.abs(rel))
	if err != nil {
		return nil
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

// WriteAttribute writes value to the attribute file at rel. A write
// to an attribute file is fire-and-forget at the VFS layer: the
// kernel validates synchronously and a failing write
// returns a non-nil error from the write(2) itself, surfaced here as
// an OperationError.
func (a *Adapter) WriteAttribute(ctx context.Context, rel, value string) error {
	f, err := a.Fs.OpenFile(a.abs(rel), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return &scsterr.OperationError{Path: rel, Verb: "write", Reason: "open", Err: err}
	}
	defer f.Close()

	if _, err := f.Write([]byte(value)); err != nil {
		return &scsterr.OperationError{Path: rel, Verb: "write", Reason: "write " + value, Err: err}
	}
	return nil
}

// SubmitManagement writes cmd to the mgmt file under dirRel and waits
// for last_sysfs_mgmt_res to report completion, per the
// management-command protocol: the kernel processes the command
// asynchronously and records 0 (success) or a negative errno in the
// result file.
func (a *Adapter) SubmitManagement(ctx context.Context, dirRel, cmd string) error {
	mgmtRel := path.Join(dirRel, mgmtFile)
	resRel := path.Join(dirRel, resultFile)

	log.Debug().Str("path", mgmtRel).Str("cmd", cmd).Msg("submitting management command")
	if err := a.WriteAttribute(ctx, mgmtRel, cmd); err != nil {
		return err
	}

	deadline := time.Now().Add(a.Timeout)
	for {
		res, err := a.ReadAttribute(resRel)
		if err == nil {
			n := parseResult(res)
			if n == 0 {
				return nil
			}
			if n < 0 {
				return &scsterr.OperationError{
					Path: mgmtRel, Verb: "submit", Reason: "command " + cmd,
					Err: &errnoError{n: n},
				}
			}
			// n > 0 or unparsed: command still pending, keep polling.
		}
		if time.Now().After(deadline) {
			return &scsterr.OperationError{
				Path: mgmtRel, Verb: "submit", Reason: "command " + cmd,
				Err: context.DeadlineExceeded,
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.Poll):
		}
	}
}

func parseResult(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 // not yet written: treat as pending
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 1
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}

type errnoError struct{ n int }

func (e *errnoError) Error() string {
	var b bytes.Buffer
	b.WriteString("sysfs command failed with result ")
	b.WriteString(strconv.Itoa(e.n))
	return b.String()
}
