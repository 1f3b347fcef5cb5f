package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"

	"buildstage/services/staging/artifact"
)

// ObjectStore reads objects from a bucketed store. pkg/gcs and pkg/s3 implement it.
// Missing objects report fs.ErrNotExist.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// ArchiveURL is a parsed gs:// or s3:// build archive location.
type ArchiveURL struct {
	Scheme string
	Bucket string
	// Prefix is the object prefix of the build, without leading or trailing slashes.
	Prefix string
}

func (u ArchiveURL) String() string {
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Prefix)
}

// ParseArchiveURL accepts gs://bucket/path/to/board/version and the s3:// equivalent.
func ParseArchiveURL(raw string) (ArchiveURL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ArchiveURL{}, fmt.Errorf("parse archive url: %w", err)
	}
	switch parsed.Scheme {
	case "gs", "s3":
	default:
		return ArchiveURL{}, fmt.Errorf("archive url %q: unsupported scheme %q", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return ArchiveURL{}, fmt.Errorf("archive url %q: missing bucket", raw)
	}
	prefix := strings.Trim(parsed.Path, "/")
	if prefix == "" {
		return ArchiveURL{}, fmt.Errorf("archive url %q: missing build path", raw)
	}
	return ArchiveURL{Scheme: parsed.Scheme, Bucket: parsed.Host, Prefix: prefix}, nil
}

// GetBuildIDFromArchiveURL returns the last two path components of an archive URL,
// e.g. gs://chromeos-image-archive/eve-release/R99-14469.0.0 gives
// eve-release/R99-14469.0.0.
func GetBuildIDFromArchiveURL(archiveURL string) (string, error) {
	u, err := ParseArchiveURL(archiveURL)
	if err != nil {
		return "", err
	}
	parts := strings.Split(u.Prefix, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("archive url %q: want .../board/version", archiveURL)
	}
	return strings.Join(parts[len(parts)-2:], "/"), nil
}

// NewGoogleStorageDownloader stages a ChromeOS build archived at archiveURL.
func NewGoogleStorageDownloader(staticDir, archiveURL string, store ObjectStore, opts Options) (*Downloader, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	u, err := ParseArchiveURL(archiveURL)
	if err != nil {
		return nil, err
	}
	id, err := GetBuildIDFromArchiveURL(archiveURL)
	if err != nil {
		return nil, err
	}
	build, err := artifact.ParseChromeOSBuild(id)
	if err != nil {
		return nil, err
	}
	return New(staticDir, build, &objectSource{store: store, url: u}, opts)
}

// NewGoogleStorageDownloaderForBuild stages board/version found under archivePrefix, e.g.
// gs://chromeos-image-archive.
func NewGoogleStorageDownloaderForBuild(staticDir, archivePrefix, board, version string, store ObjectStore, opts Options) (*Downloader, error) {
	archivePrefix = strings.TrimRight(strings.TrimSpace(archivePrefix), "/")
	if archivePrefix == "" {
		return nil, errors.New("archive prefix is required")
	}
	return NewGoogleStorageDownloader(staticDir, archivePrefix+"/"+board+"/"+version, store, opts)
}

type objectSource struct {
	store ObjectStore
	url   ArchiveURL
}

func (s *objectSource) Describe() string { return s.url.String() }

func (s *objectSource) Fetch(ctx context.Context, remoteName, localPath string) error {
	key := s.url.Prefix + "/" + strings.TrimLeft(remoteName, "/")
	r, err := s.store.Open(ctx, s.url.Bucket, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s://%s/%s", ErrNotFound, s.url.Scheme, s.url.Bucket, key)
		}
		return err
	}
	defer r.Close()
	return writeFile(localPath, r)
}

func (s *objectSource) List(ctx context.Context) ([]string, error) {
	prefix := s.url.Prefix + "/"
	keys, err := s.store.List(ctx, s.url.Bucket, prefix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.url)
		}
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if name := strings.TrimPrefix(key, prefix); name != "" && name != key {
			names = append(names, name)
		}
	}
	return names, nil
}
