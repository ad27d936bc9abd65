// Package resolvconf manages the host's resolution-endpoint file, driving it
// from whatever state it is in to the managed, locked target state.
package resolvconf

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"tailscale.com/net/dns/resolvconffile"
)

// DefaultPath is the host resolution-endpoint file.
const DefaultPath = "/etc/resolv.conf"

// marker identifies content written by dnsfwd.
const marker = "# Generated by dnsfwd"

// backupSuffix is appended to the path when backing up a pre-existing file.
const backupSuffix = ".dnsfwd.bak"

// State describes the resolution-endpoint file's current condition.
type State int

const (
	// StateUnmanaged is a pre-existing regular file not written by dnsfwd.
	StateUnmanaged State = iota
	// StateSymlinked is a symbolic link, typically into a resolver manager's
	// runtime directory.
	StateSymlinked
	// StateRewritten is dnsfwd content, not yet protected against writes.
	StateRewritten
	// StateLocked is dnsfwd content protected by the immutable attribute.
	StateLocked
	// StateMissing means the file does not exist.
	StateMissing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnmanaged:
		return "unmanaged"
	case StateSymlinked:
		return "symlinked"
	case StateRewritten:
		return "rewritten"
	case StateLocked:
		return "locked"
	case StateMissing:
		return "missing"
	}
	return "unknown"
}

// Locker protects a file against modification. The real implementation uses
// the filesystem immutable attribute.
type Locker interface {
	Lock(path string) error
	Unlock(path string) error
	IsLocked(path string) (bool, error)
}

// ChattrLocker sets and clears the immutable attribute via chattr/lsattr.
type ChattrLocker struct{}

// Lock makes path immutable.
func (ChattrLocker) Lock(path string) error {
	if out, err := exec.Command("chattr", "+i", path).CombinedOutput(); err != nil {
		return fmt.Errorf("chattr +i %s: %s: %w", path, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Unlock clears the immutable attribute of path.
func (ChattrLocker) Unlock(path string) error {
	if out, err := exec.Command("chattr", "-i", path).CombinedOutput(); err != nil {
		return fmt.Errorf("chattr -i %s: %s: %w", path, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// IsLocked reports whether path carries the immutable attribute.
func (ChattrLocker) IsLocked(path string) (bool, error) {
	out, err := exec.Command("lsattr", "-d", path).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("lsattr %s: %s: %w", path, strings.TrimSpace(string(out)), err)
	}
	attrs, _, found := strings.Cut(strings.TrimSpace(string(out)), " ")
	if !found {
		return false, fmt.Errorf("lsattr %s: unexpected output %q", path, out)
	}
	return strings.ContainsRune(attrs, 'i'), nil
}

// File is a managed resolution-endpoint file.
type File struct {
	Path   string
	Locker Locker
}

// New returns a File for path using the immutable-attribute locker.
func New(path string) *File {
	return &File{Path: path, Locker: ChattrLocker{}}
}

// State detects the file's current state.
func (f *File) State() (State, error) {
	fi, err := os.Lstat(f.Path)
	if os.IsNotExist(err) {
		return StateMissing, nil
	}
	if err != nil {
		return StateUnmanaged, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return StateSymlinked, nil
	}
	buf, err := os.ReadFile(f.Path)
	if err != nil {
		return StateUnmanaged, err
	}
	if !strings.HasPrefix(string(buf), marker) {
		return StateUnmanaged, nil
	}
	locked, err := f.Locker.IsLocked(f.Path)
	if err != nil {
		// Attribute state unknown, report the content state.
		return StateRewritten, nil
	}
	if locked {
		return StateLocked, nil
	}
	return StateRewritten, nil
}

// Rewrite drives the file to the target content:
//
//   - a locked file is unlocked first
//   - a symbolic link is removed, never followed
//   - a pre-existing regular file is backed up beside the original
//   - the new content is written to a temp file and renamed into place, so
//     there is no window where the file is empty
//
// Locking back is the caller's job via Lock, so a lock failure can be treated
// as degraded rather than undoing the rewrite.
func (f *File) Rewrite(content string) error {
	state, err := f.State()
	if err != nil {
		return fmt.Errorf("detecting %s state: %w", f.Path, err)
	}
	switch state {
	case StateLocked:
		if err := f.Locker.Unlock(f.Path); err != nil {
			return fmt.Errorf("unlocking %s: %w", f.Path, err)
		}
	case StateSymlinked:
		if err := os.Remove(f.Path); err != nil {
			return fmt.Errorf("removing symlink %s: %w", f.Path, err)
		}
	case StateUnmanaged:
		buf, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("reading %s for backup: %w", f.Path, err)
		}
		if err := os.WriteFile(f.Path+backupSuffix, buf, 0644); err != nil {
			return fmt.Errorf("backing up %s: %w", f.Path, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpName, f.Path, err)
	}
	return nil
}

// Lock protects the file against further writes.
func (f *File) Lock() error {
	return f.Locker.Lock(f.Path)
}

// Content renders the target resolution-endpoint file content.
func Content(nameservers []string, searchDomain string) string {
	var sb strings.Builder
	sb.WriteString(marker)
	sb.WriteString(". Do not edit; changes are overwritten on setup.\n")
	for _, ns := range nameservers {
		fmt.Fprintf(&sb, "nameserver %s\n", ns)
	}
	if searchDomain != "" {
		fmt.Fprintf(&sb, "search %s\n", searchDomain)
	}
	return sb.String()
}

// Nameservers returns the nameserver addresses currently configured in path.
func Nameservers(path string) []string {
	c, err := resolvconffile.ParseFile(path)
	if err != nil {
		return nil
	}
	ns := make([]string, 0, len(c.Nameservers))
	for _, nameserver := range c.Nameservers {
		ns = append(ns, nameserver.String())
	}
	return ns
}
