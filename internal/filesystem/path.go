package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapesBase is returned when a requested save path resolves
// outside its bundle's base directory.
var ErrPathEscapesBase = fmt.Errorf("path escapes base directory")

// PathResolver maps a bundle's logical save requests onto real filesystem
// paths confined to a per-bundle base directory, following the donor's
// category-folder collision handling in spirit (findAvailablePath) but
// generalized to the spec's base-dir confinement and atomic-rename contract.
type PathResolver struct {
	root string // process-wide base directory; bundle subdirectories live under it
}

func NewPathResolver(root string) *PathResolver {
	return &PathResolver{root: root}
}

// Root returns the process-wide base directory, e.g. for disk-usage queries
// that need a volume to inspect rather than a specific bundle path.
func (r *PathResolver) Root() string { return r.root }

// Resolve returns the absolute save path for (bundle, filename), guaranteeing
// the result is inside root/bundle. It rejects any filename containing path
// components that would escape that directory.
func (r *PathResolver) Resolve(bundle, filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." {
		return "", fmt.Errorf("%w: empty or reserved filename", ErrPathEscapesBase)
	}
	base := filepath.Join(r.root, sanitizeBundle(bundle))
	candidate := filepath.Join(base, filename)

	baseClean := filepath.Clean(base) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(candidate)+string(os.PathSeparator), baseClean) {
		return "", ErrPathEscapesBase
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("create base dir: %w", err)
	}
	return candidate, nil
}

// TempPath returns the ".tmp" in-progress path for a resolved save path.
func TempPath(savePath string) string {
	return savePath + ".tmp"
}

// CommitTemp atomically renames the ".tmp" file onto its final save path.
// Called once, after the Transfer Engine flushes and syncs the file.
func CommitTemp(tempPath, savePath string) error {
	return os.Rename(tempPath, savePath)
}

// DiscardTemp removes a ".tmp" file; used when a task is Stopped or Removed
// mid-transfer.
func DiscardTemp(tempPath string) error {
	err := os.Remove(tempPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CheckOverwrite enforces the overwrite=false rule: a pre-existing
// non-empty file at savePath is a FileIO condition.
func CheckOverwrite(savePath string, overwrite bool) error {
	if overwrite {
		return nil
	}
	info, err := os.Stat(savePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		return fmt.Errorf("file exists and overwrite disabled: %s", savePath)
	}
	return nil
}

func sanitizeBundle(bundle string) string {
	if bundle == "" {
		return "default"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(bundle)
}
