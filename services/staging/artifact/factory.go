package artifact

import (
	"strings"
)

// Factory turns a request for named artifacts of one build into concrete artifacts.
// Artifacts are built fresh on every call.
type Factory struct {
	buildDir  string
	requested []string
	files     []string
	build     Build
}

// NewChromeOSFactory creates a factory for a ChromeOS build. files names additional
// plain files fetched as is.
func NewChromeOSFactory(buildDir string, artifacts, files []string, build ChromeOSBuild) *Factory {
	return newFactory(buildDir, artifacts, files, build)
}

// NewAndroidFactory creates a factory for an Android build.
func NewAndroidFactory(buildDir string, artifacts, files []string, build AndroidBuild) *Factory {
	return newFactory(buildDir, artifacts, files, build)
}

// NewFactory creates a factory for any Build.
func NewFactory(buildDir string, artifacts, files []string, build Build) *Factory {
	return newFactory(buildDir, artifacts, files, build)
}

func newFactory(buildDir string, artifacts, files []string, build Build) *Factory {
	return &Factory{
		buildDir:  buildDir,
		requested: cleanNames(artifacts),
		files:     cleanNames(files),
		build:     build,
	}
}

func (f *Factory) Build() Build { return f.build }

func (f *Factory) BuildDir() string { return f.buildDir }

// Requested returns the requested artifact names after trimming and deduplication.
func (f *Factory) Requested() []string {
	return append([]string(nil), f.requested...)
}

// RequiredArtifacts returns one serial artifact per requested name and per requested file.
func (f *Factory) RequiredArtifacts() []*Artifact {
	seen := make(map[Kind]bool)
	var out []*Artifact
	for _, name := range f.requested {
		k := Kind(name)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f.newArtifact(k, ModeSerial))
	}
	for _, name := range f.files {
		k := Kind(name)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, &Artifact{
			Kind:       k,
			RemoteName: f.build.Resolve(name),
			InstallDir: f.buildDir,
			Spec:       Spec{Name: name},
			Mode:       ModeSerial,
		})
	}
	return out
}

// OptionalArtifacts returns the dependents of the requested artifacts that were not
// requested themselves. Dependents listed in the platform's prefetch set run in the
// background.
func (f *Factory) OptionalArtifacts() []*Artifact {
	p := f.build.Platform()
	if p == nil {
		return nil
	}

	seen := make(map[Kind]bool)
	for _, name := range f.requested {
		seen[Kind(name)] = true
	}
	for _, name := range f.files {
		seen[Kind(name)] = true
	}

	var out []*Artifact
	for _, name := range f.requested {
		for _, dep := range p.RequestedToOptional[Kind(name)] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			mode := ModeSerial
			if p.Prefetch[dep] {
				mode = ModeBackground
			}
			out = append(out, f.newArtifact(dep, mode))
		}
	}
	return out
}

// Artifacts returns the required artifacts followed by the optional ones.
func (f *Factory) Artifacts() []*Artifact {
	return append(f.RequiredArtifacts(), f.OptionalArtifacts()...)
}

// Partition splits Artifacts into the set staged before Download returns and the set
// prefetched afterwards.
func (f *Factory) Partition() (serial, background []*Artifact) {
	for _, a := range f.Artifacts() {
		if a.Mode == ModeBackground {
			background = append(background, a)
		} else {
			serial = append(serial, a)
		}
	}
	return serial, background
}

func (f *Factory) newArtifact(k Kind, mode Mode) *Artifact {
	spec, _ := f.build.Platform().Spec(k)
	spec.Name = f.build.Resolve(spec.Name)
	return &Artifact{
		Kind:       k,
		RemoteName: spec.Name,
		InstallDir: f.buildDir,
		Spec:       spec,
		Mode:       mode,
	}
}

func cleanNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SplitList parses a comma separated list of names.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return cleanNames(strings.Split(s, ","))
}
