package artifact

// Kind names a downloadable build output.
type Kind string

const (
	TestSuites            Kind = "test_suites"
	ControlFiles          Kind = "control_files"
	AutotestPackages      Kind = "autotest_packages"
	Autotest              Kind = "autotest"
	AutotestServerPackage Kind = "autotest_server_package"
	Symbols               Kind = "symbols"
	Stateful              Kind = "stateful"
	FullPayload           Kind = "full_payload"
	TestImage             Kind = "test_image"
	BaseImage             Kind = "base_image"
	RecoveryImage         Kind = "recovery_image"
	Firmware              Kind = "firmware"
	FactoryImage          Kind = "factory_image"
	TastBundles           Kind = "tast_bundles"

	ZipImages        Kind = "zip_images"
	TestZip          Kind = "test_zip"
	BootloaderImage  Kind = "bootloader_image"
	RadioImage       Kind = "radio_image"
	VendorPartitions Kind = "vendor_partitions"
)

// Mode says whether an artifact is staged before Download returns or prefetched after.
type Mode string

const (
	ModeSerial     Mode = "serial"
	ModeBackground Mode = "background"
)

// Format is the archive encoding of a fetched file.
type Format string

const (
	FormatNone   Format = ""
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
	FormatTarZst Format = "tar.zst"
	FormatZip    Format = "zip"
)

// Spec describes where an artifact lives in a build archive and how it is installed.
type Spec struct {
	// Name is the remote file name relative to the build. It may contain {board},
	// {version}, {branch}, {target} and {build_id} placeholders and glob metacharacters.
	Name string
	// Format selects how the fetched file is unpacked. FormatNone installs it as is.
	Format Format
	// Extract limits unpacking to these members (or directories of members).
	Extract []string
	// Subdir is where unpacked files go, relative to the build directory.
	Subdir string
	// KeepArchive leaves the fetched archive next to its unpacked contents.
	KeepArchive bool
}

// Platform bundles the catalog and dependency tables of one family of builds.
type Platform struct {
	Name    string
	Catalog map[Kind]Spec
	// RequestedToOptional lists the artifacts implicitly fetched alongside a requested one.
	// Expansion is one level deep.
	RequestedToOptional map[Kind][]Kind
	// Prefetch marks dependent kinds staged in the background rather than serially.
	Prefetch map[Kind]bool
}

// Spec returns the catalog entry for k. Names absent from the catalog are fetched verbatim.
func (p *Platform) Spec(k Kind) (Spec, bool) {
	if p != nil {
		if spec, ok := p.Catalog[k]; ok {
			return spec, true
		}
	}
	return Spec{Name: string(k)}, false
}

// ChromeOS describes builds archived by the ChromeOS builders.
var ChromeOS = &Platform{
	Name: "chromeos",
	Catalog: map[Kind]Spec{
		TestSuites:            {Name: "test_suites.tar.bz2", Format: FormatTarBz2},
		ControlFiles:          {Name: "control_files.tar", Format: FormatTar},
		AutotestPackages:      {Name: "autotest_packages.tar", Format: FormatTar},
		Autotest:              {Name: "autotest.tar", Format: FormatTar},
		AutotestServerPackage: {Name: "autotest_server_package.tar.bz2", Format: FormatTarBz2},
		Symbols:               {Name: "debug.tgz", Format: FormatTarGz, Extract: []string{"debug/breakpad"}},
		Stateful:              {Name: "stateful.tgz"},
		FullPayload:           {Name: "chromeos_*_full_dev*.bin"},
		TestImage:             {Name: "image.zip", Format: FormatZip, Extract: []string{"chromiumos_test_image.bin"}},
		BaseImage:             {Name: "image.zip", Format: FormatZip, Extract: []string{"chromiumos_base_image.bin"}},
		RecoveryImage:         {Name: "image.zip", Format: FormatZip, Extract: []string{"recovery_image.bin"}},
		Firmware:              {Name: "firmware_from_source.tar.bz2", Format: FormatTarBz2, Subdir: "firmware"},
		FactoryImage:          {Name: "factory_image.zip", Format: FormatZip, Subdir: "factory", KeepArchive: true},
		TastBundles:           {Name: "tast_bundles.tar.zst", Format: FormatTarZst, Subdir: "tast"},
	},
	RequestedToOptional: map[Kind][]Kind{
		TestSuites: {ControlFiles, AutotestPackages},
	},
	Prefetch: map[Kind]bool{
		AutotestPackages: true,
	},
}

// Android describes builds published by the Android build server. Launch Control builds
// carry no autotest packages, so test_suites only pulls in control files.
var Android = &Platform{
	Name: "android",
	Catalog: map[Kind]Spec{
		TestSuites:            {Name: "test_suites.tar.bz2", Format: FormatTarBz2},
		ControlFiles:          {Name: "control_files.tar", Format: FormatTar},
		AutotestServerPackage: {Name: "{target}-autotest_server_package-{build_id}.tar.bz2", Format: FormatTarBz2},
		ZipImages:             {Name: "{target}-img-{build_id}.zip"},
		TestZip:               {Name: "{target}-tests-{build_id}.zip"},
		BootloaderImage:       {Name: "bootloader.img"},
		RadioImage:            {Name: "radio.img"},
		VendorPartitions:      {Name: "{target}-vendor-{build_id}.zip", Format: FormatZip, Subdir: "vendor", KeepArchive: true},
	},
	RequestedToOptional: map[Kind][]Kind{
		TestSuites: {ControlFiles},
	},
	Prefetch: map[Kind]bool{},
}

// PlatformByName resolves "chromeos" or "android".
func PlatformByName(name string) (*Platform, bool) {
	switch name {
	case ChromeOS.Name:
		return ChromeOS, true
	case Android.Name:
		return Android, true
	default:
		return nil, false
	}
}
