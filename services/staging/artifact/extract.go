package artifact

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsafePath reports an archive member that would land outside its install dir.
var ErrUnsafePath = errors.New("path escapes install directory")

// Unpack extracts archive into dest and returns the extracted paths relative to dest, in
// slash form. When members is non-empty only entries equal to, or below, one of them are
// extracted.
func Unpack(archive string, format Format, dest string, members []string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}

	switch format {
	case FormatZip:
		return unpackZip(archive, dest, members)
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarZst:
		file, err := os.Open(archive)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		r, closeFn, err := decompress(file, format)
		if err != nil {
			return nil, err
		}
		defer closeFn()
		return unpackTar(tar.NewReader(r), dest, members)
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}

func decompress(r io.Reader, format Format) (io.Reader, func(), error) {
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case FormatTarBz2:
		return bzip2.NewReader(r), func() {}, nil
	case FormatTarZst:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder, decoder.Close, nil
	default:
		return r, func() {}, nil
	}
}

func unpackTar(tr *tar.Reader, dest string, members []string) ([]string, error) {
	var files []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		name, err := memberName(header.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || !wanted(name, members) {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %q: %w", name, err)
			}
			continue
		case tar.TypeReg:
			if err := writeFile(target, tr, header.FileInfo().Mode()); err != nil {
				return nil, fmt.Errorf("extract %q: %w", name, err)
			}
		case tar.TypeSymlink:
			if err := linkWithin(dest, target, header.Linkname); err != nil {
				return nil, fmt.Errorf("symlink %q: %w", name, err)
			}
		case tar.TypeLink:
			oldName, err := memberName(header.Linkname)
			if err != nil {
				return nil, err
			}
			old, err := safeJoin(dest, oldName)
			if err != nil {
				return nil, err
			}
			// A hard link to a symlink copies its relative target to a new directory.
			if info, err := os.Lstat(old); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return nil, fmt.Errorf("%w: hardlink %q to symlink %q", ErrUnsafePath, name, oldName)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			os.Remove(target)
			if err := os.Link(old, target); err != nil {
				return nil, fmt.Errorf("hardlink %q: %w", name, err)
			}
		default:
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

func unpackZip(archive, dest string, members []string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var files []string
	for _, f := range zr.File {
		name, err := memberName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || !wanted(name, members) {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %q: %w", name, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		err = writeFile(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extract %q: %w", name, err)
		}
		files = append(files, name)
	}
	return files, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// linkWithin plants a symlink at target after checking linkname stays under root. Parent
// references are only accepted as a prefix: below them a link can only descend, through
// real directories or through links that passed this same check.
func linkWithin(root, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute link %s", ErrUnsafePath, linkname)
	}
	base := filepath.Dir(target)
	descended := false
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
		case "..":
			if descended {
				return fmt.Errorf("%w: link %s climbs after descending", ErrUnsafePath, linkname)
			}
			base = filepath.Dir(base)
			if !within(root, base) {
				return fmt.Errorf("%w: %s", ErrUnsafePath, linkname)
			}
		default:
			descended = true
		}
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	if !within(root, resolved) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	return os.Symlink(linkname, target)
}

// memberName normalises an archive member name and rejects ones climbing out of the root.
func memberName(raw string) (string, error) {
	name := path.Clean(strings.TrimPrefix(filepath.ToSlash(raw), "./"))
	switch {
	case name == ".":
		return "", nil
	case path.IsAbs(name), name == "..", strings.HasPrefix(name, "../"):
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, raw)
	}
	return name, nil
}

func wanted(name string, members []string) bool {
	if len(members) == 0 {
		return true
	}
	for _, m := range members {
		m = strings.TrimSuffix(m, "/")
		if name == m || strings.HasPrefix(name, m+"/") {
			return true
		}
	}
	return false
}

// safeJoin joins name below root, rejecting lexical escapes. Symlinks already present in
// the parent directories are resolved within root; the final element is left as is.
func safeJoin(root, name string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	dir, err := securejoin.SecureJoin(root, filepath.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(rel)), nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
