package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"buildstage/services/staging/artifact"
)

// LocalOptions extend Options for builds staged from a local directory.
type LocalOptions struct {
	Options
	// DeleteSource moves files out of the source directory instead of linking or copying.
	DeleteSource bool
}

// NewLocalDownloader stages a ChromeOS build from sourcePath, whose last two components
// are board and version.
func NewLocalDownloader(staticDir, sourcePath string, opts LocalOptions) (*Downloader, error) {
	abs, err := filepath.Abs(strings.TrimSpace(sourcePath))
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", abs)
	}

	build, err := artifact.ParseChromeOSBuild(filepath.Base(filepath.Dir(abs)) + "/" + filepath.Base(abs))
	if err != nil {
		return nil, err
	}
	return New(staticDir, build, &localSource{root: abs, deleteSource: opts.DeleteSource}, opts.Options)
}

type localSource struct {
	root         string
	deleteSource bool
}

func (s *localSource) Describe() string { return s.root }

func (s *localSource) Fetch(_ context.Context, remoteName, localPath string) error {
	src, err := securejoin.SecureJoin(s.root, filepath.FromSlash(remoteName))
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	if s.deleteSource {
		if err := os.Rename(src, localPath); err == nil {
			return nil
		}
		if err := copyFile(src, localPath); err != nil {
			return err
		}
		return os.Remove(src)
	}

	if err := os.Link(src, localPath); err == nil {
		return nil
	}
	return copyFile(src, localPath)
}

func (s *localSource) List(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.root)
		}
		return nil, err
	}
	return names, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, in)
}
