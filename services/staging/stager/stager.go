package stager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"buildstage/pkg/gcs"
	gos3 "buildstage/pkg/s3"
	"buildstage/services/staging/artifact"
	"buildstage/services/staging/downloader"
)

const (
	PlatformChromeOS = "chromeos"
	PlatformAndroid  = "android"
	PlatformLocal    = "local"
)

// ErrBadRequest marks request validation failures.
var ErrBadRequest = errors.New("bad request")

// Request names a build and the artifacts wanted from it.
type Request struct {
	Platform   string   `json:"platform,omitempty"`
	ArchiveURL string   `json:"archive_url,omitempty"`
	Board      string   `json:"board,omitempty"`
	Version    string   `json:"version,omitempty"`
	Branch     string   `json:"branch,omitempty"`
	Target     string   `json:"target,omitempty"`
	BuildID    string   `json:"build_id,omitempty"`
	LocalPath  string   `json:"local_path,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// RequestFromQuery reads a Request from URL query parameters. artifacts and files are
// comma separated.
func RequestFromQuery(q url.Values) Request {
	return Request{
		Platform:   strings.TrimSpace(q.Get("platform")),
		ArchiveURL: strings.TrimSpace(q.Get("archive_url")),
		Board:      strings.TrimSpace(q.Get("board")),
		Version:    strings.TrimSpace(q.Get("version")),
		Branch:     strings.TrimSpace(q.Get("branch")),
		Target:     strings.TrimSpace(q.Get("target")),
		BuildID:    strings.TrimSpace(q.Get("build_id")),
		LocalPath:  strings.TrimSpace(q.Get("local_path")),
		Artifacts:  artifact.SplitList(q.Get("artifacts")),
		Files:      artifact.SplitList(q.Get("files")),
	}
}

// StoreOpener returns the object store serving a URL scheme.
type StoreOpener func(ctx context.Context, scheme string) (downloader.ObjectStore, error)

// OpenStore opens the GCS client for gs:// and the S3 mirror client for s3://.
func OpenStore(ctx context.Context, scheme string) (downloader.ObjectStore, error) {
	switch scheme {
	case "gs":
		return gcs.NewClient(ctx)
	case "s3":
		return gos3.NewClientFromEnv()
	default:
		return nil, fmt.Errorf("no object store for scheme %q", scheme)
	}
}

// Config wires a Stager.
type Config struct {
	StaticDir     string
	ArchivePrefix string
	Options       downloader.Options
	// OpenStore defaults to OpenStore.
	OpenStore StoreOpener
	// Android is required only for android requests.
	Android *downloader.AndroidBuildClient
	// AllowLocal permits local_path requests.
	AllowLocal bool
	// MaxDownloaders caps the cached downloaders. Idle ones are evicted past the cap.
	MaxDownloaders int
	Logger         *zap.Logger
}

const DefaultMaxDownloaders = 256

// Stager resolves requests to downloaders, reusing one downloader per build and source so
// that Wait covers every background batch it started.
type Stager struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	stores      map[string]downloader.ObjectStore
	downloaders map[string]*cached
}

// cached is a downloader plus the Stage calls currently using it.
type cached struct {
	d      *downloader.Downloader
	active int
}

func New(cfg Config) (*Stager, error) {
	if strings.TrimSpace(cfg.StaticDir) == "" {
		return nil, errors.New("static dir is required")
	}
	if cfg.OpenStore == nil {
		cfg.OpenStore = OpenStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = cfg.Logger
	}
	if cfg.MaxDownloaders <= 0 {
		cfg.MaxDownloaders = DefaultMaxDownloaders
	}
	return &Stager{
		cfg:         cfg,
		logger:      cfg.Logger,
		stores:      map[string]downloader.ObjectStore{},
		downloaders: map[string]*cached{},
	}, nil
}

// Downloader returns the downloader serving req.
func (s *Stager) Downloader(ctx context.Context, req Request) (*downloader.Downloader, error) {
	d, _, err := s.lookup(ctx, req, false)
	return d, err
}

// lookup returns the cached downloader for req, creating it if needed. With hold set the
// entry is pinned against eviction until release is called.
func (s *Stager) lookup(ctx context.Context, req Request, hold bool) (*downloader.Downloader, func(), error) {
	if s == nil {
		return nil, nil, errors.New("nil stager")
	}
	key, err := s.key(req)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.downloaders[key]
	if !ok {
		d, err := s.newDownloader(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		c = &cached{d: d}
		s.downloaders[key] = c
		s.evictIdle(key)
	}

	release := func() {}
	if hold {
		c.active++
		release = func() {
			s.mu.Lock()
			c.active--
			s.mu.Unlock()
		}
	}
	return c.d, release, nil
}

// evictIdle drops downloaders with no Stage call and no background batch in flight until
// the cache is back under its cap. keep is never evicted. Must be called with s.mu held.
func (s *Stager) evictIdle(keep string) {
	for key, c := range s.downloaders {
		if len(s.downloaders) <= s.cfg.MaxDownloaders {
			return
		}
		if key == keep || c.active > 0 || !c.d.Idle() {
			continue
		}
		delete(s.downloaders, key)
		s.logger.Debug("evicted idle downloader", zap.String("build", c.d.GetBuild().ID()))
	}
}

func (s *Stager) key(req Request) (string, error) {
	switch platformOf(req) {
	case PlatformChromeOS:
		u, err := s.archiveURL(req)
		if err != nil {
			return "", err
		}
		return PlatformChromeOS + "|" + u, nil
	case PlatformAndroid:
		return PlatformAndroid + "|" + path.Join(req.Branch, req.Target, req.BuildID), nil
	case PlatformLocal:
		if !s.cfg.AllowLocal {
			return "", fmt.Errorf("%w: local staging is disabled", ErrBadRequest)
		}
		if req.LocalPath == "" {
			return "", fmt.Errorf("%w: local_path is required", ErrBadRequest)
		}
		return PlatformLocal + "|" + filepath.Clean(req.LocalPath), nil
	default:
		return "", fmt.Errorf("%w: unknown platform %q", ErrBadRequest, req.Platform)
	}
}

func (s *Stager) archiveURL(req Request) (string, error) {
	if req.ArchiveURL != "" {
		return strings.TrimRight(req.ArchiveURL, "/"), nil
	}
	if req.Board == "" || req.Version == "" {
		return "", fmt.Errorf("%w: archive_url or board and version are required", ErrBadRequest)
	}
	if s.cfg.ArchivePrefix == "" {
		return "", fmt.Errorf("%w: archive_url is required when no archive prefix is configured", ErrBadRequest)
	}
	return strings.TrimRight(s.cfg.ArchivePrefix, "/") + "/" + req.Board + "/" + req.Version, nil
}

func (s *Stager) newDownloader(ctx context.Context, req Request) (*downloader.Downloader, error) {
	opts := s.cfg.Options
	switch platformOf(req) {
	case PlatformChromeOS:
		archiveURL, err := s.archiveURL(req)
		if err != nil {
			return nil, err
		}
		parsed, err := downloader.ParseArchiveURL(archiveURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		store, err := s.store(ctx, parsed.Scheme)
		if err != nil {
			return nil, err
		}
		d, err := downloader.NewGoogleStorageDownloader(s.cfg.StaticDir, archiveURL, store, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return d, nil
	case PlatformAndroid:
		if s.cfg.Android == nil {
			return nil, fmt.Errorf("%w: android builds are not configured", ErrBadRequest)
		}
		d, err := downloader.NewAndroidBuildDownloader(s.cfg.StaticDir, req.Branch, req.Target, req.BuildID, s.cfg.Android, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return d, nil
	default:
		d, err := downloader.NewLocalDownloader(s.cfg.StaticDir, req.LocalPath, downloader.LocalOptions{Options: opts})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return d, nil
	}
}

// store must be called with s.mu held.
func (s *Stager) store(ctx context.Context, scheme string) (downloader.ObjectStore, error) {
	if st, ok := s.stores[scheme]; ok {
		return st, nil
	}
	st, err := s.cfg.OpenStore(ctx, scheme)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", scheme, err)
	}
	s.stores[scheme] = st
	return st, nil
}

// Stage downloads req's artifacts and returns the downloader that staged them.
func (s *Stager) Stage(ctx context.Context, req Request) (*downloader.Downloader, error) {
	if len(req.Artifacts) == 0 && len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: artifacts or files are required", ErrBadRequest)
	}
	d, release, err := s.lookup(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer release()

	factory, err := d.NewFactory(req.Artifacts, req.Files)
	if err != nil {
		return nil, err
	}
	if err := d.Download(ctx, factory); err != nil {
		return d, err
	}
	return d, nil
}

// Factory returns the downloader for req and a factory for its artifacts.
func (s *Stager) Factory(ctx context.Context, req Request) (*downloader.Downloader, *artifact.Factory, error) {
	d, err := s.Downloader(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	factory, err := d.NewFactory(req.Artifacts, req.Files)
	if err != nil {
		return nil, nil, err
	}
	return d, factory, nil
}

// StaticDir is the directory every build directory lives under.
func (s *Stager) StaticDir() string {
	if s == nil {
		return ""
	}
	return s.cfg.StaticDir
}

// Wait blocks until every background batch started through this stager has finished.
func (s *Stager) Wait() {
	if s == nil {
		return
	}
	s.mu.Lock()
	ds := make([]*downloader.Downloader, 0, len(s.downloaders))
	for _, c := range s.downloaders {
		ds = append(ds, c.d)
	}
	s.mu.Unlock()

	for _, d := range ds {
		d.Wait()
	}
}

// Close releases the object store clients that need closing.
func (s *Stager) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	for scheme, st := range s.stores {
		if c, ok := st.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s store: %w", scheme, err))
			}
		}
	}
	s.stores = map[string]downloader.ObjectStore{}
	return result.ErrorOrNil()
}

func platformOf(req Request) string {
	switch p := strings.ToLower(strings.TrimSpace(req.Platform)); p {
	case "":
		if req.LocalPath != "" {
			return PlatformLocal
		}
		if req.Branch != "" || req.Target != "" || req.BuildID != "" {
			return PlatformAndroid
		}
		return PlatformChromeOS
	default:
		return p
	}
}
