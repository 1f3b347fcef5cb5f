package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	markerSuffix = ".staged"
	lockSuffix   = ".lock"
)

// Artifact is one unit of staging work: a resolved remote file and where it installs.
type Artifact struct {
	Kind       Kind
	RemoteName string
	InstallDir string
	Spec       Spec
	Mode       Mode
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.RemoteName)
}

// IsPattern reports whether RemoteName must be matched against a listing of the build.
func (a *Artifact) IsPattern() bool {
	return strings.ContainsAny(a.RemoteName, "*?[")
}

// LocalName is the file name the fetched object is written to inside InstallDir.
func (a *Artifact) LocalName(remote string) string {
	return path.Base(remote)
}

// LockPath is the per-artifact lock file guarding fetch and install.
func (a *Artifact) LockPath() string {
	return filepath.Join(a.InstallDir, "."+fileKey(a.Kind)+lockSuffix)
}

func (a *Artifact) markerPath() string {
	return filepath.Join(a.InstallDir, "."+fileKey(a.Kind)+markerSuffix)
}

// Staged reports whether a previous install completed and its files are still present.
func (a *Artifact) Staged() bool {
	files, err := a.readMarker()
	if err != nil {
		return false
	}
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(a.InstallDir, filepath.FromSlash(f))); err != nil {
			return false
		}
	}
	return true
}

func (a *Artifact) readMarker() ([]string, error) {
	data, err := os.ReadFile(a.markerPath())
	if err != nil {
		return nil, err
	}
	var files []string
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode marker %s: %w", a.markerPath(), err)
	}
	return files, nil
}

// Install unpacks or keeps the fetched file at localPath and records the installed files.
// It returns the installed paths relative to InstallDir.
func (a *Artifact) Install(localPath string) ([]string, error) {
	var files []string
	if a.Spec.Format == FormatNone {
		rel, err := filepath.Rel(a.InstallDir, localPath)
		if err != nil {
			return nil, fmt.Errorf("relative path for %q: %w", localPath, err)
		}
		files = []string{filepath.ToSlash(rel)}
	} else {
		dest := a.InstallDir
		if a.Spec.Subdir != "" {
			joined, err := safeJoin(a.InstallDir, a.Spec.Subdir)
			if err != nil {
				return nil, err
			}
			dest = joined
		}
		extracted, err := Unpack(localPath, a.Spec.Format, dest, a.Spec.Extract)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", a.Kind, err)
		}
		if len(extracted) == 0 {
			return nil, fmt.Errorf("unpack %s: no matching members in %s", a.Kind, filepath.Base(localPath))
		}
		for _, f := range extracted {
			rel := f
			if a.Spec.Subdir != "" {
				rel = path.Join(filepath.ToSlash(a.Spec.Subdir), f)
			}
			files = append(files, rel)
		}
		if a.Spec.KeepArchive {
			files = append(files, filepath.Base(localPath))
		} else if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove archive: %w", err)
		}
	}

	if err := a.writeMarker(files); err != nil {
		return nil, err
	}
	return files, nil
}

func (a *Artifact) writeMarker(files []string) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	tmp := a.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, a.markerPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func fileKey(k Kind) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(string(k))
}
