package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallPlainFileWritesMarker(t *testing.T) {
	dir := t.TempDir()
	a := &Artifact{Kind: Stateful, RemoteName: "stateful.tgz", InstallDir: dir, Spec: Spec{Name: "stateful.tgz"}}
	assert.False(t, a.Staged())

	local := filepath.Join(dir, a.LocalName(a.RemoteName))
	require.NoError(t, os.WriteFile(local, []byte("blob"), 0o644))

	files, err := a.Install(local)
	require.NoError(t, err)
	assert.Equal(t, []string{"stateful.tgz"}, files)
	assert.True(t, a.Staged())

	require.NoError(t, os.Remove(local))
	assert.False(t, a.Staged(), "marker without its files is not staged")
}

func TestInstallArchiveIntoSubdir(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, FormatTarZst, []entry{{name: "bundles/local/cros", body: "elf"}})
	local := filepath.Join(dir, "tast_bundles.tar.zst")
	require.NoError(t, os.Rename(archive, local))

	a := &Artifact{
		Kind:       TastBundles,
		RemoteName: "tast_bundles.tar.zst",
		InstallDir: dir,
		Spec:       ChromeOS.Catalog[TastBundles],
	}
	files, err := a.Install(local)
	require.NoError(t, err)
	assert.Equal(t, []string{"tast/bundles/local/cros"}, files)
	assert.FileExists(t, filepath.Join(dir, "tast", "bundles", "local", "cros"))
	assert.NoFileExists(t, local, "archive is removed once unpacked")
	assert.True(t, a.Staged())
}

func TestInstallKeepsArchiveWhenAsked(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, FormatZip, []entry{{name: "factory_install_shim.bin", body: "shim"}})
	local := filepath.Join(dir, "factory_image.zip")
	require.NoError(t, os.Rename(archive, local))

	a := &Artifact{Kind: FactoryImage, InstallDir: dir, Spec: ChromeOS.Catalog[FactoryImage]}
	files, err := a.Install(local)
	require.NoError(t, err)
	assert.Equal(t, []string{"factory/factory_install_shim.bin", "factory_image.zip"}, files)
	assert.FileExists(t, local)
}

func TestInstallFailsWhenNothingMatches(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, FormatTarGz, []entry{{name: "debug/other.debug", body: "x"}})

	a := &Artifact{Kind: Symbols, InstallDir: dir, Spec: ChromeOS.Catalog[Symbols]}
	_, err := a.Install(archive)
	require.Error(t, err)
	assert.False(t, a.Staged())
}

func TestArtifactPaths(t *testing.T) {
	a := &Artifact{Kind: Kind("nested/name"), RemoteName: "dir/chromeos_R99_full_dev.bin", InstallDir: "/static/b/v"}
	assert.Equal(t, "chromeos_R99_full_dev.bin", a.LocalName(a.RemoteName))
	assert.Equal(t, filepath.Join("/static/b/v", ".nested_name.lock"), a.LockPath())
	assert.False(t, a.IsPattern())

	full := &Artifact{RemoteName: ChromeOS.Catalog[FullPayload].Name}
	assert.True(t, full.IsPattern())
}
