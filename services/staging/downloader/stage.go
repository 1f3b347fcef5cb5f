package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"buildstage/services/staging/artifact"
)

const lockRetryDelay = 200 * time.Millisecond

// stage fetches and installs one artifact under its lock. An artifact that is already
// staged is left alone.
func (d *Downloader) stage(ctx context.Context, id string, a *artifact.Artifact) (err error) {
	ctx, span := tracer.Start(ctx, "downloader.stage", trace.WithAttributes(
		attribute.String("kind", string(a.Kind)),
		attribute.String("mode", string(a.Mode)),
	))
	defer span.End()

	log := d.logger.With(zap.String("download_id", id), zap.String("kind", string(a.Kind)), zap.String("mode", string(a.Mode)))
	start := time.Now()
	defer func() {
		ev := Event{
			Type:       EventArtifactStaged,
			DownloadID: id,
			Kind:       string(a.Kind),
			Mode:       string(a.Mode),
			Duration:   time.Since(start),
		}
		if err != nil {
			ev.Type = EventArtifactFailed
			ev.Err = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("artifact staging failed", zap.Error(err))
		}
		d.emit(ctx, ev)
	}()

	if err := os.MkdirAll(a.InstallDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	lock := flock.New(a.LockPath())
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", a.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", a.LockPath())
	}
	defer lock.Unlock()

	if a.Staged() {
		log.Debug("artifact already staged")
		return nil
	}

	remote, err := d.resolve(ctx, a)
	if err != nil {
		return err
	}

	localName := a.LocalName(remote)
	tmp := filepath.Join(a.InstallDir, "."+localName+".partial-"+uuid.NewString()[:8])
	if err := d.fetch(ctx, remote, tmp); err != nil {
		return err
	}

	// Archives that are not kept are unpacked straight from the temporary file.
	local := tmp
	if a.Spec.Format == artifact.FormatNone || a.Spec.KeepArchive {
		local = filepath.Join(a.InstallDir, localName)
		if err := os.Rename(tmp, local); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("install %s: %w", localName, err)
		}
	}

	files, err := a.Install(local)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	log.Info("artifact staged", zap.String("remote", remote), zap.Int("files", len(files)), zap.Duration("duration", time.Since(start)))
	return nil
}

// resolve maps a glob name to the first matching file in the source, polling until
// WaitTimeout for one to appear.
func (d *Downloader) resolve(ctx context.Context, a *artifact.Artifact) (string, error) {
	if !a.IsPattern() {
		return a.RemoteName, nil
	}

	deadline := time.Now().Add(d.opts.WaitTimeout)
	for {
		listing, err := d.source.List(ctx)
		if err != nil {
			return "", fmt.Errorf("list %s: %w", d.source.Describe(), err)
		}
		if match := firstMatch(a.RemoteName, listing); match != "" {
			return match, nil
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: nothing matches %s in %s", ErrNotFound, a.RemoteName, d.source.Describe())
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}
}

func firstMatch(pattern string, listing []string) string {
	sorted := append([]string(nil), listing...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if ok, _ := path.Match(pattern, name); ok {
			return name
		}
	}
	return ""
}

// fetch downloads remote to localPath, retrying transient failures with exponential
// backoff. Each attempt is bounded by FetchTimeout.
func (d *Downloader) fetch(ctx context.Context, remote, localPath string) error {
	backoff := retry.WithMaxRetries(uint64(d.opts.Retries), retry.NewExponential(d.opts.InitialBackoff))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
		defer cancel()

		err := d.source.Fetch(attemptCtx, remote, localPath)
		if err == nil {
			return nil
		}
		os.Remove(localPath)
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		d.logger.Warn("fetch failed",
			zap.String("remote", remote),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return retry.RetryableError(fmt.Errorf("fetch %s: %w", remote, err))
	})
}

// writeFile copies r into a new file at localPath. The file is removed when the copy fails.
func writeFile(localPath string, r io.Reader) error {
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return err
	}
	return nil
}
