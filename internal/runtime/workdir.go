package runtime

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var imageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Workdirs lays out the data directory:
//
//	<root>/images/<os>.qcow2   read-only base disks
//	<root>/vms/<id>/           per-VM working state
type Workdirs struct {
	root string
}

func NewWorkdirs(root string) *Workdirs {
	return &Workdirs{root: root}
}

func (w *Workdirs) Root() string { return w.root }

func (w *Workdirs) VMDir(id string) string {
	return filepath.Join(w.root, "vms", id)
}

func (w *Workdirs) BaseImage(name string) string {
	return filepath.Join(w.root, "images", name+workingDiskExt)
}

// HasImage reports whether a base disk exists for name. Keys that could
// escape the images directory never match.
func (w *Workdirs) HasImage(name string) bool {
	if !imageNamePattern.MatchString(name) {
		return false
	}
	info, err := os.Stat(w.BaseImage(name))
	return err == nil && info.Mode().IsRegular()
}

func (w *Workdirs) EnsureVMDir(id string) (string, error) {
	dir := w.VMDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create vm dir: %w", err)
	}
	return dir, nil
}

// EnsureDisk copies the base image for os into the VM's working copy the
// first time and returns the copy's path. Later calls reuse the copy.
func (w *Workdirs) EnsureDisk(id, osName string) (string, error) {
	dir, err := w.EnsureVMDir(id)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "data"+workingDiskExt)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	src, err := os.Open(w.BaseImage(osName))
	if err != nil {
		return "", fmt.Errorf("open base image: %w", err)
	}
	defer src.Close()

	staging := dest + ".tmp"
	_ = os.Remove(staging)
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create staging disk: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(staging)
		return "", fmt.Errorf("copy base image: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(staging)
		return "", fmt.Errorf("sync staging disk: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(staging)
		return "", fmt.Errorf("close staging disk: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		_ = os.Remove(staging)
		return "", fmt.Errorf("rename staging disk: %w", err)
	}
	return dest, nil
}

func (w *Workdirs) Remove(id string) error {
	return os.RemoveAll(w.VMDir(id))
}
