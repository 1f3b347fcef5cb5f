package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(arts []*Artifact) []Kind {
	var out []Kind
	for _, a := range arts {
		out = append(out, a.Kind)
	}
	return out
}

func chromeOSFactory(t *testing.T, artifacts ...string) *Factory {
	t.Helper()
	build, err := ParseChromeOSBuild("eve-release/R99-14469.0.0")
	require.NoError(t, err)
	return NewChromeOSFactory(t.TempDir(), artifacts, nil, build)
}

func androidFactory(t *testing.T, artifacts ...string) *Factory {
	t.Helper()
	build, err := NewAndroidBuild("git_main", "shamu-userdebug", "2457013")
	require.NoError(t, err)
	return NewAndroidFactory(t.TempDir(), artifacts, nil, build)
}

func TestChromeOSTestSuitesExpansion(t *testing.T) {
	f := chromeOSFactory(t, "test_suites")

	assert.Equal(t, []Kind{TestSuites}, kinds(f.RequiredArtifacts()))
	assert.Equal(t, []Kind{ControlFiles, AutotestPackages}, kinds(f.OptionalArtifacts()))

	serial, background := f.Partition()
	assert.Equal(t, []Kind{TestSuites, ControlFiles}, kinds(serial))
	assert.Equal(t, []Kind{AutotestPackages}, kinds(background))
}

func TestAndroidTestSuitesSkipsAutotestPackages(t *testing.T) {
	f := androidFactory(t, "test_suites")

	all := kinds(f.Artifacts())
	assert.Contains(t, all, ControlFiles)
	assert.NotContains(t, all, AutotestPackages)

	serial, background := f.Partition()
	assert.Equal(t, []Kind{TestSuites, ControlFiles}, kinds(serial))
	assert.Empty(t, background)
}

func TestExplicitRequestWinsOverExpansion(t *testing.T) {
	tests := []struct {
		name       string
		requested  []string
		serial     []Kind
		background []Kind
	}{
		{
			name:       "dependent also requested",
			requested:  []string{"test_suites", "control_files"},
			serial:     []Kind{TestSuites, ControlFiles},
			background: []Kind{AutotestPackages},
		},
		{
			name:      "prefetch kind requested explicitly is serial",
			requested: []string{"autotest_packages", "test_suites"},
			serial:    []Kind{AutotestPackages, TestSuites, ControlFiles},
		},
		{
			name:      "duplicates collapse",
			requested: []string{"symbols", " symbols", "symbols "},
			serial:    []Kind{Symbols},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := chromeOSFactory(t, tt.requested...)
			serial, background := f.Partition()
			assert.Equal(t, tt.serial, kinds(serial))
			assert.Equal(t, tt.background, kinds(background))

			seen := map[Kind]int{}
			for _, a := range f.Artifacts() {
				seen[a.Kind]++
			}
			for k, n := range seen {
				assert.Equal(t, 1, n, "kind %s", k)
			}
		})
	}
}

func TestSymbolsOnlyHasNoBackground(t *testing.T) {
	f := chromeOSFactory(t, "symbols")
	serial, background := f.Partition()
	require.Len(t, serial, 1)
	assert.Equal(t, "debug.tgz", serial[0].RemoteName)
	assert.Equal(t, []string{"debug/breakpad"}, serial[0].Spec.Extract)
	assert.Empty(t, background)
}

func TestUnknownNameIsFetchedVerbatim(t *testing.T) {
	f := chromeOSFactory(t, "some_new_thing.tar")
	arts := f.RequiredArtifacts()
	require.Len(t, arts, 1)
	assert.Equal(t, "some_new_thing.tar", arts[0].RemoteName)
	assert.Equal(t, FormatNone, arts[0].Spec.Format)
	assert.Empty(t, f.OptionalArtifacts())
}

func TestAndroidNamesResolvePlaceholders(t *testing.T) {
	f := androidFactory(t, "zip_images", "autotest_server_package")
	arts := f.RequiredArtifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, "shamu-userdebug-img-2457013.zip", arts[0].RemoteName)
	assert.Equal(t, "shamu-userdebug-autotest_server_package-2457013.tar.bz2", arts[1].RemoteName)
	assert.Equal(t, f.BuildDir(), arts[0].InstallDir)
}

func TestFilesBecomePlainArtifacts(t *testing.T) {
	build, err := ParseChromeOSBuild("eve-release/R99-14469.0.0")
	require.NoError(t, err)
	f := NewChromeOSFactory(t.TempDir(), []string{"symbols"}, []string{"metadata.json", "symbols"}, build)

	arts := f.RequiredArtifacts()
	assert.Equal(t, []Kind{Symbols, "metadata.json"}, kinds(arts))
	assert.Equal(t, "metadata.json", arts[1].RemoteName)
	assert.Equal(t, ModeSerial, arts[1].Mode)
}

func TestArtifactsAreFreshPerCall(t *testing.T) {
	f := chromeOSFactory(t, "test_suites")
	a := f.RequiredArtifacts()
	b := f.RequiredArtifacts()
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotSame(t, a[0], b[0])
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "board and version", id: "eve-release/R99-14469.0.0"},
		{name: "trailing slash", id: "eve-release/R99-14469.0.0/"},
		{name: "missing version", id: "eve-release", wantErr: true},
		{name: "parent segment", id: "../R99", wantErr: true},
		{name: "too many segments", id: "a/b/c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChromeOSBuild(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err := NewAndroidBuild("git_main", "", "1")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(" "))
	assert.Equal(t, []string{"test_suites", "symbols"}, SplitList("test_suites, symbols,,test_suites"))
}
