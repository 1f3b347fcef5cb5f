package downloader

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"buildstage/services/staging/artifact"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memSource serves files from memory and can inject failures or hold fetches.
type memSource struct {
	mu      sync.Mutex
	files   map[string][]byte
	fails   map[string]int
	gates   map[string]chan struct{}
	fetches map[string]int
}

func newMemSource() *memSource {
	return &memSource{
		files:   map[string][]byte{},
		fails:   map[string]int{},
		gates:   map[string]chan struct{}{},
		fetches: map[string]int{},
	}
}

func (s *memSource) Describe() string { return "mem://build" }

func (s *memSource) Fetch(ctx context.Context, remoteName, localPath string) error {
	s.mu.Lock()
	s.fetches[remoteName]++
	gate := s.gates[remoteName]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails[remoteName] > 0 {
		s.fails[remoteName]--
		return errors.New("connection reset by peer")
	}
	data, ok := s.files[remoteName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, remoteName)
	}
	return writeFile(localPath, bytes.NewReader(data))
}

func (s *memSource) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names, nil
}

func (s *memSource) fetchCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[name]
}

// recorder collects observed events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func tgzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(tarOf(t, files))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// chromeOSSource holds every file a test_suites request touches.
func chromeOSSource(t *testing.T) *memSource {
	t.Helper()
	suites, err := os.ReadFile(filepath.Join("testdata", "test_suites.tar.bz2"))
	require.NoError(t, err)

	src := newMemSource()
	src.files["test_suites.tar.bz2"] = suites
	src.files["control_files.tar"] = tarOf(t, map[string]string{"autotest/server/site_tests/dummy/control": "NAME = 'dummy'"})
	src.files["autotest_packages.tar"] = tarOf(t, map[string]string{"autotest/packages/client-autotest.tar.bz2": "pkg"})
	src.files["debug.tgz"] = tgzOf(t, map[string]string{
		"debug/breakpad/chrome/ABC/chrome.sym": "MODULE Linux x86_64 ABC chrome",
		"debug/chrome.debug":                   "dwarf",
	})
	return src
}

func newTestDownloader(t *testing.T, src Source, obs Observer) *Downloader {
	t.Helper()
	d, err := New(t.TempDir(), artifact.ChromeOSBuild{Board: "eve-release", Version: "R99-14469.0.0"}, src, Options{
		InitialBackoff: time.Millisecond,
		PollInterval:   time.Millisecond,
		Logger:         zaptest.NewLogger(t),
		Observer:       obs,
	})
	require.NoError(t, err)
	t.Cleanup(d.Wait)
	return d
}

func download(t *testing.T, ctx context.Context, d *Downloader, artifacts ...string) error {
	t.Helper()
	factory, err := d.NewFactory(artifacts, nil)
	require.NoError(t, err)
	return d.Download(ctx, factory)
}

func staged(t *testing.T, d *Downloader, kind artifact.Kind) bool {
	t.Helper()
	factory, err := d.NewFactory([]string{string(kind)}, nil)
	require.NoError(t, err)
	return d.IsStaged(factory)
}

func TestDownloadTestSuitesPrefetchesAutotestPackages(t *testing.T) {
	src := chromeOSSource(t)
	rec := &recorder{}
	d := newTestDownloader(t, src, rec)

	require.NoError(t, download(t, context.Background(), d, "test_suites"))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, TimestampFile))
	assert.FileExists(t, filepath.Join(dir, "autotest", "test_suites", "suite_to_control_file_map"))
	assert.FileExists(t, filepath.Join(dir, "autotest", "server", "site_tests", "dummy", "control"))

	dispatched := rec.ofType(EventBackgroundDispatched)
	require.Len(t, dispatched, 1)
	assert.Equal(t, []string{"autotest_packages"}, dispatched[0].Artifacts)

	d.Wait()
	assert.True(t, staged(t, d, artifact.AutotestPackages))
	assert.FileExists(t, filepath.Join(dir, "autotest", "packages", "client-autotest.tar.bz2"))

	serialKinds := map[string]bool{}
	for _, ev := range rec.ofType(EventArtifactStaged) {
		if ev.Mode == string(artifact.ModeSerial) {
			serialKinds[ev.Kind] = true
		}
	}
	assert.Equal(t, map[string]bool{"test_suites": true, "control_files": true}, serialKinds)
	assert.Len(t, rec.ofType(EventDownloadFinished), 1)
}

func TestSerialFailureSkipsTimestamp(t *testing.T) {
	src := chromeOSSource(t)
	delete(src.files, "control_files.tar")
	rec := &recorder{}
	d := newTestDownloader(t, src, rec)

	err := download(t, context.Background(), d, "test_suites")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "control_files")

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, TimestampFile))
	assert.Equal(t, 1, src.fetchCount("control_files.tar"), "missing objects are not retried")
	assert.Empty(t, rec.ofType(EventBackgroundDispatched))
	assert.Len(t, rec.ofType(EventDownloadFailed), 1)
}

func TestSymbolsOnlyNeverGoesToBackground(t *testing.T) {
	src := chromeOSSource(t)
	rec := &recorder{}
	d := newTestDownloader(t, src, rec)

	require.NoError(t, download(t, context.Background(), d, "symbols"))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.Empty(t, rec.ofType(EventBackgroundDispatched))
	assert.FileExists(t, filepath.Join(dir, "debug", "breakpad", "chrome", "ABC", "chrome.sym"))
	assert.NoFileExists(t, filepath.Join(dir, "debug", "chrome.debug"))
	assert.NoFileExists(t, filepath.Join(dir, "debug.tgz"))
	assert.FileExists(t, filepath.Join(dir, TimestampFile))
}

func TestBackgroundFailureIsNotReturned(t *testing.T) {
	src := chromeOSSource(t)
	delete(src.files, "autotest_packages.tar")
	rec := &recorder{}
	d := newTestDownloader(t, src, rec)

	require.NoError(t, download(t, context.Background(), d, "test_suites"))
	d.Wait()

	failed := rec.ofType(EventArtifactFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "autotest_packages", failed[0].Kind)
	assert.Equal(t, string(artifact.ModeBackground), failed[0].Mode)

	finished := rec.ofType(EventBackgroundFinished)
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0].Err, "autotest_packages")
	assert.False(t, staged(t, d, artifact.AutotestPackages))
}

func TestBackgroundOutlivesCallerContext(t *testing.T) {
	src := chromeOSSource(t)
	gate := make(chan struct{})
	src.gates["autotest_packages.tar"] = gate
	d := newTestDownloader(t, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, download(t, ctx, d, "test_suites"))
	cancel()

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, TimestampFile), "timestamp is written before background work finishes")
	assert.False(t, staged(t, d, artifact.AutotestPackages))
	assert.False(t, d.Idle())

	close(gate)
	d.Wait()

	assert.True(t, staged(t, d, artifact.AutotestPackages))
	assert.True(t, d.Idle())
}

func TestConcurrentDownloadsFetchOnce(t *testing.T) {
	src := chromeOSSource(t)
	d := newTestDownloader(t, src, nil)

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			factory, err := d.NewFactory([]string{"symbols"}, nil)
			if err == nil {
				err = d.Download(context.Background(), factory)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, src.fetchCount("debug.tgz"))
	assert.True(t, staged(t, d, artifact.Symbols))
}

func TestSerialRequestWaitsForBackgroundFetch(t *testing.T) {
	src := chromeOSSource(t)
	gate := make(chan struct{})
	src.gates["autotest_packages.tar"] = gate
	d := newTestDownloader(t, src, nil)

	require.NoError(t, download(t, context.Background(), d, "test_suites"))
	require.Eventually(t, func() bool {
		return src.fetchCount("autotest_packages.tar") == 1
	}, 5*time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		factory, err := d.NewFactory([]string{"autotest_packages"}, nil)
		if err == nil {
			err = d.Download(context.Background(), factory)
		}
		done <- err
	}()

	close(gate)
	require.NoError(t, <-done)
	d.Wait()

	assert.Equal(t, 1, src.fetchCount("autotest_packages.tar"))
	assert.True(t, staged(t, d, artifact.AutotestPackages))
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  bool
		attempts int
	}{
		{name: "transient failures recover", failures: 2, attempts: 3},
		{name: "gives up after retries", failures: 10, wantErr: true, attempts: DefaultRetries + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := chromeOSSource(t)
			src.fails["debug.tgz"] = tt.failures
			d := newTestDownloader(t, src, nil)

			err := download(t, context.Background(), d, "symbols")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.attempts, src.fetchCount("debug.tgz"))
		})
	}
}

func TestStagedArtifactsAreSkipped(t *testing.T) {
	src := chromeOSSource(t)
	d := newTestDownloader(t, src, nil)

	require.NoError(t, download(t, context.Background(), d, "symbols"))
	require.NoError(t, download(t, context.Background(), d, "symbols"))
	assert.Equal(t, 1, src.fetchCount("debug.tgz"))
}

func TestTimestampIsBumped(t *testing.T) {
	src := chromeOSSource(t)
	d := newTestDownloader(t, src, nil)
	require.NoError(t, download(t, context.Background(), d, "symbols"))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	stamp := filepath.Join(dir, TimestampFile)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stamp, old, old))

	require.NoError(t, download(t, context.Background(), d, "symbols"))
	info, err := os.Stat(stamp)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(old.Add(time.Minute)))
}

func TestGlobNamesResolveAgainstListing(t *testing.T) {
	src := newMemSource()
	src.files["chromeos_R99-14469.0.0_eve_full_dev.bin"] = []byte("payload")
	d := newTestDownloader(t, src, nil)

	require.NoError(t, download(t, context.Background(), d, "full_payload"))
	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "chromeos_R99-14469.0.0_eve_full_dev.bin"))
}

func TestGlobWithoutMatchIsNotFound(t *testing.T) {
	d := newTestDownloader(t, newMemSource(), nil)
	err := download(t, context.Background(), d, "full_payload")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailedDownloadRemovesNewEmptyBuildDir(t *testing.T) {
	d := newTestDownloader(t, newMemSource(), nil)
	require.Error(t, download(t, context.Background(), d, "symbols"))

	_, err := os.Stat(d.buildDir)
	assert.True(t, os.IsNotExist(err), "build dir should be removed, stat err = %v", err)
}

func TestUnknownArtifactFailsAtFetch(t *testing.T) {
	src := chromeOSSource(t)
	d := newTestDownloader(t, src, nil)

	factory, err := d.NewFactory([]string{"no_such_artifact.bin"}, nil)
	require.NoError(t, err)
	require.Len(t, factory.Artifacts(), 1)

	err = d.Download(context.Background(), factory)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsStagedAndListBuildDir(t *testing.T) {
	src := chromeOSSource(t)
	src.files["metadata.json"] = []byte(`{"version":"R99"}`)
	d := newTestDownloader(t, src, nil)

	factory, err := d.NewFactory([]string{"symbols"}, []string{"metadata.json"})
	require.NoError(t, err)
	assert.False(t, d.IsStaged(factory))

	require.NoError(t, d.Download(context.Background(), factory))
	assert.True(t, d.IsStaged(factory))

	files, err := d.ListBuildDir()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"debug/breakpad/chrome/ABC/chrome.sym",
		"metadata.json",
		TimestampFile,
	}, files)
}

func TestDownloadRejectsForeignFactory(t *testing.T) {
	d := newTestDownloader(t, newMemSource(), nil)
	factory := artifact.NewFactory(t.TempDir(), []string{"symbols"}, nil, d.GetBuild())
	assert.Error(t, d.Download(context.Background(), factory))
}

func TestNewValidatesArguments(t *testing.T) {
	build := artifact.ChromeOSBuild{Board: "eve-release", Version: "R99"}
	_, err := New("", build, newMemSource(), Options{})
	assert.Error(t, err)
	_, err = New(t.TempDir(), nil, newMemSource(), Options{})
	assert.Error(t, err)
	_, err = New(t.TempDir(), build, nil, Options{})
	assert.Error(t, err)
}
