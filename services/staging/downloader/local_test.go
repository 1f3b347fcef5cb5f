package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localBuild(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "eve-release", "R99-14469.0.0")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "stateful.tgz"), []byte("stateful"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "chromeos_R99_eve_full_dev.bin"), []byte("payload"), 0o644))
	return src
}

func TestLocalDownloaderStagesFromDirectory(t *testing.T) {
	src := localBuild(t)
	d, err := NewLocalDownloader(t.TempDir(), src, LocalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "eve-release/R99-14469.0.0", d.GetBuild().ID())

	factory, err := d.NewFactory([]string{"stateful", "full_payload"}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Download(context.Background(), factory))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "stateful.tgz"))
	assert.FileExists(t, filepath.Join(dir, "chromeos_R99_eve_full_dev.bin"))
	assert.FileExists(t, filepath.Join(src, "stateful.tgz"), "source is left in place")
}

func TestLocalDownloaderDeleteSource(t *testing.T) {
	src := localBuild(t)
	d, err := NewLocalDownloader(t.TempDir(), src, LocalOptions{DeleteSource: true})
	require.NoError(t, err)

	factory, err := d.NewFactory([]string{"stateful"}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Download(context.Background(), factory))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "stateful.tgz"))
	assert.NoFileExists(t, filepath.Join(src, "stateful.tgz"))
}

func TestLocalDownloaderMissingFile(t *testing.T) {
	d, err := NewLocalDownloader(t.TempDir(), localBuild(t), LocalOptions{})
	require.NoError(t, err)

	factory, err := d.NewFactory([]string{"symbols"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Download(context.Background(), factory), ErrNotFound)
}

func TestLocalDownloaderRejectsMissingSource(t *testing.T) {
	_, err := NewLocalDownloader(t.TempDir(), filepath.Join(t.TempDir(), "nope", "R99"), LocalOptions{})
	assert.Error(t, err)
}
