package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Build identifies one build whose artifacts can be staged.
type Build interface {
	// ID is the build directory relative to the static dir.
	ID() string
	Platform() *Platform
	// Resolve substitutes build placeholders in a remote artifact name.
	Resolve(name string) string
}

// ChromeOSBuild is addressed by build config (board) and version, e.g.
// eve-release/R99-14469.0.0.
type ChromeOSBuild struct {
	Board   string
	Version string
}

// ParseChromeOSBuild accepts "board/version".
func ParseChromeOSBuild(id string) (ChromeOSBuild, error) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) != 2 {
		return ChromeOSBuild{}, fmt.Errorf("build id %q: want board/version", id)
	}
	b := ChromeOSBuild{Board: parts[0], Version: parts[1]}
	return b, b.validate()
}

func (b ChromeOSBuild) validate() error {
	if err := checkSegment("board", b.Board); err != nil {
		return err
	}
	return checkSegment("version", b.Version)
}

func (b ChromeOSBuild) ID() string { return path.Join(b.Board, b.Version) }

func (b ChromeOSBuild) Platform() *Platform { return ChromeOS }

func (b ChromeOSBuild) Resolve(name string) string {
	return strings.NewReplacer("{board}", b.Board, "{version}", b.Version).Replace(name)
}

// AndroidBuild is addressed by branch, target and build id.
type AndroidBuild struct {
	Branch  string
	Target  string
	BuildID string
}

// NewAndroidBuild validates the three address components.
func NewAndroidBuild(branch, target, buildID string) (AndroidBuild, error) {
	b := AndroidBuild{Branch: branch, Target: target, BuildID: buildID}
	for _, seg := range []struct{ name, value string }{
		{"branch", branch},
		{"target", target},
		{"build_id", buildID},
	} {
		if err := checkSegment(seg.name, seg.value); err != nil {
			return AndroidBuild{}, err
		}
	}
	return b, nil
}

func (b AndroidBuild) ID() string { return path.Join(b.Branch, b.Target, b.BuildID) }

func (b AndroidBuild) Platform() *Platform { return Android }

func (b AndroidBuild) Resolve(name string) string {
	return strings.NewReplacer(
		"{branch}", b.Branch,
		"{target}", b.Target,
		"{build_id}", b.BuildID,
	).Replace(name)
}

func checkSegment(field, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%s is required", field)
	case value == "." || value == "..", strings.ContainsAny(value, `/\`):
		return fmt.Errorf("invalid %s %q", field, value)
	}
	return nil
}
