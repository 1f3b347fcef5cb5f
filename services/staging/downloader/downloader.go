package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"buildstage/services/staging/artifact"
)

// TimestampFile is touched in the build directory after every successful serial stage.
const TimestampFile = "staged.timestamp"

// ErrNotFound reports a remote artifact that does not exist in the source.
var ErrNotFound = errors.New("artifact not found")

var tracer trace.Tracer = otel.Tracer("buildstage/downloader")

// Source fetches the files of one build from a backing store.
type Source interface {
	// Describe names the source in logs and errors, e.g. gs://bucket/board/version.
	Describe() string
	// Fetch writes remoteName to localPath, which must not exist yet. Missing objects
	// report ErrNotFound.
	Fetch(ctx context.Context, remoteName, localPath string) error
	// List returns the names of every file of the build, relative to the build root.
	List(ctx context.Context) ([]string, error)
}

// Options tune fetching. Zero values take the defaults below.
type Options struct {
	// Retries is the number of retries after a failed fetch. ErrNotFound is never retried.
	Retries int
	// InitialBackoff is the first retry delay; later delays double.
	InitialBackoff time.Duration
	// FetchTimeout bounds a single fetch attempt.
	FetchTimeout time.Duration
	// WaitTimeout is how long a glob name may wait for a matching object to appear.
	WaitTimeout time.Duration
	// PollInterval spaces listings while waiting for a glob match.
	PollInterval time.Duration
	// BackgroundConcurrency bounds parallel background fetches of one Download call.
	BackgroundConcurrency int
	// NoRetry disables retries entirely, overriding Retries.
	NoRetry bool

	Logger   *zap.Logger
	Observer Observer
}

const (
	DefaultRetries               = 3
	DefaultInitialBackoff        = time.Second
	DefaultFetchTimeout          = 10 * time.Minute
	DefaultPollInterval          = 5 * time.Second
	DefaultBackgroundConcurrency = 2
)

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.NoRetry {
		o.Retries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.WaitTimeout < 0 {
		o.WaitTimeout = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BackgroundConcurrency <= 0 {
		o.BackgroundConcurrency = DefaultBackgroundConcurrency
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Downloader stages the artifacts of one build from a Source into
// <staticDir>/<build id>.
type Downloader struct {
	staticDir string
	build     artifact.Build
	buildDir  string
	source    Source
	opts      Options
	logger    *zap.Logger

	background sync.WaitGroup
	inflight   atomic.Int64
}

// New creates a Downloader for build backed by source.
func New(staticDir string, build artifact.Build, source Source, opts Options) (*Downloader, error) {
	if strings.TrimSpace(staticDir) == "" {
		return nil, errors.New("static dir is required")
	}
	if build == nil {
		return nil, errors.New("build is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	abs, err := filepath.Abs(staticDir)
	if err != nil {
		return nil, fmt.Errorf("resolve static dir: %w", err)
	}
	opts = opts.withDefaults()
	return &Downloader{
		staticDir: abs,
		build:     build,
		buildDir:  filepath.Join(abs, filepath.FromSlash(build.ID())),
		source:    source,
		opts:      opts,
		logger: opts.Logger.With(
			zap.String("build", build.ID()),
			zap.String("source", source.Describe()),
		),
	}, nil
}

// GetBuildDir returns the build directory, creating it if needed.
func (d *Downloader) GetBuildDir() (string, error) {
	if d == nil {
		return "", errors.New("nil downloader")
	}
	if err := os.MkdirAll(d.buildDir, 0o755); err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}
	return d.buildDir, nil
}

func (d *Downloader) GetBuild() artifact.Build {
	if d == nil {
		return nil
	}
	return d.build
}

func (d *Downloader) Source() Source {
	if d == nil {
		return nil
	}
	return d.source
}

// NewFactory returns a factory for this downloader's build and build directory. The
// directory is not created until Download runs.
func (d *Downloader) NewFactory(artifacts, files []string) (*artifact.Factory, error) {
	if d == nil {
		return nil, errors.New("nil downloader")
	}
	return artifact.NewFactory(d.buildDir, artifacts, files, d.build), nil
}

// Download stages every serial artifact of factory before returning, then dispatches the
// prefetch artifacts to the background and touches the timestamp file. Background
// failures are logged and observed, never returned.
func (d *Downloader) Download(ctx context.Context, factory *artifact.Factory) (err error) {
	if d == nil {
		return errors.New("nil downloader")
	}
	if factory == nil {
		return errors.New("nil factory")
	}
	if filepath.Clean(factory.BuildDir()) != d.buildDir {
		return fmt.Errorf("factory build dir %s does not match %s", factory.BuildDir(), d.buildDir)
	}

	ctx, span := tracer.Start(ctx, "downloader.Download", trace.WithAttributes(
		attribute.String("build", d.build.ID()),
		attribute.String("source", d.source.Describe()),
	))
	defer span.End()

	id := uuid.NewString()
	serial, background := factory.Partition()
	start := time.Now()
	d.emit(ctx, Event{Type: EventDownloadStarted, DownloadID: id, Artifacts: names(factory.Artifacts())})

	defer func() {
		ev := Event{Type: EventDownloadFinished, DownloadID: id, Duration: time.Since(start)}
		if err != nil {
			ev.Type = EventDownloadFailed
			ev.Err = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		d.emit(ctx, ev)
	}()

	_, statErr := os.Stat(d.buildDir)
	created := errors.Is(statErr, fs.ErrNotExist)
	if _, err := d.GetBuildDir(); err != nil {
		return err
	}

	if err := d.downloadSerially(ctx, id, serial); err != nil {
		if created {
			d.removeIfEmpty()
		}
		return err
	}

	if len(background) > 0 {
		d.downloadInBackground(ctx, id, background)
	}

	if len(serial) > 0 {
		if err := touch(filepath.Join(d.buildDir, TimestampFile)); err != nil {
			return fmt.Errorf("touch timestamp: %w", err)
		}
	}
	return nil
}

func (d *Downloader) downloadSerially(ctx context.Context, id string, arts []*artifact.Artifact) error {
	for _, a := range arts {
		if err := d.stage(ctx, id, a); err != nil {
			return fmt.Errorf("stage %s: %w", a.Kind, err)
		}
	}
	return nil
}

// downloadInBackground returns immediately. The batch runs on its own goroutine with a
// context that outlives the caller's.
func (d *Downloader) downloadInBackground(ctx context.Context, id string, arts []*artifact.Artifact) {
	bgCtx := context.WithoutCancel(ctx)
	batch := names(arts)
	d.emit(bgCtx, Event{Type: EventBackgroundDispatched, DownloadID: id, Mode: string(artifact.ModeBackground), Artifacts: batch})
	d.logger.Info("background staging dispatched", zap.String("download_id", id), zap.Strings("artifacts", batch))

	d.background.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.background.Done()
		defer d.inflight.Add(-1)
		start := time.Now()

		var (
			mu     sync.Mutex
			result *multierror.Error
			g      errgroup.Group
		)
		g.SetLimit(d.opts.BackgroundConcurrency)
		for _, a := range arts {
			g.Go(func() error {
				if err := d.stage(bgCtx, id, a); err != nil {
					mu.Lock()
					result = multierror.Append(result, fmt.Errorf("stage %s: %w", a.Kind, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		ev := Event{
			Type:       EventBackgroundFinished,
			DownloadID: id,
			Mode:       string(artifact.ModeBackground),
			Artifacts:  batch,
			Duration:   time.Since(start),
		}
		if err := result.ErrorOrNil(); err != nil {
			ev.Err = err.Error()
			d.logger.Error("background staging failed", zap.String("download_id", id), zap.Error(err))
		} else {
			d.logger.Info("background staging finished", zap.String("download_id", id), zap.Duration("duration", ev.Duration))
		}
		d.emit(bgCtx, ev)
	}()
}

// Wait blocks until every background batch dispatched by this downloader has finished.
func (d *Downloader) Wait() {
	if d == nil {
		return
	}
	d.background.Wait()
}

// Idle reports whether no background batch of this downloader is running.
func (d *Downloader) Idle() bool {
	return d == nil || d.inflight.Load() == 0
}

// IsStaged reports whether every required artifact of factory is already staged.
func (d *Downloader) IsStaged(factory *artifact.Factory) bool {
	if d == nil || factory == nil {
		return false
	}
	for _, a := range factory.RequiredArtifacts() {
		if !a.Staged() {
			return false
		}
	}
	return true
}

// ListBuildDir returns the files in the build directory relative to it, sorted. Lock and
// marker files are omitted.
func (d *Downloader) ListBuildDir() ([]string, error) {
	if d == nil {
		return nil, errors.New("nil downloader")
	}
	var files []string
	err := filepath.WalkDir(d.buildDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || isBookkeeping(entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(d.buildDir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.buildDir, err)
	}
	sort.Strings(files)
	return files, nil
}

func (d *Downloader) emit(ctx context.Context, ev Event) {
	if d.opts.Observer == nil {
		return
	}
	ev.Build = d.build.ID()
	ev.Source = d.source.Describe()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	d.opts.Observer.Observe(ctx, ev)
}

// removeIfEmpty drops a build dir left with nothing but lock files.
func (d *Downloader) removeIfEmpty() {
	entries, err := os.ReadDir(d.buildDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			return
		}
	}
	if err := os.RemoveAll(d.buildDir); err != nil {
		d.logger.Warn("remove empty build dir", zap.Error(err))
	}
}

func isBookkeeping(name string) bool {
	return strings.HasPrefix(name, ".") &&
		(strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".staged") || strings.Contains(name, ".partial-"))
}

func touch(path string) error {
	now := time.Now()
	err := os.Chtimes(path, now, now)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func names(arts []*artifact.Artifact) []string {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, string(a.Kind))
	}
	return out
}
