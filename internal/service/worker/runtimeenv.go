package worker

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// readyMarker is written once an environment is fully provisioned; its
// presence is the readiness contract checked before node execution.
const readyMarker = ".ready"

var (
	envNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	packagePattern = regexp.MustCompile(`^[A-Za-z0-9_\-=.<>]+$`)
)

// RuntimeEnvs provisions named runtime environments under the agent's data
// directory. Environment and package names are allow-listed; anything
// shell-ish is rejected before it touches the filesystem.
type RuntimeEnvs struct {
	root string
}

// NewRuntimeEnvs creates the manager rooted at the given directory.
func NewRuntimeEnvs(root string) *RuntimeEnvs {
	return &RuntimeEnvs{root: root}
}

// Setup provisions an environment with the requested packages. It is
// idempotent: re-running with the same inputs rewrites the manifest.
func (r *RuntimeEnvs) Setup(name string, packages []string) error {
	if !envNamePattern.MatchString(name) {
		return core.NewError(core.ErrSandbox, "environment name %q is not allowed", name)
	}
	for _, pkg := range packages {
		if !packagePattern.MatchString(pkg) {
			return core.NewError(core.ErrSandbox, "package name %q is not allowed", pkg)
		}
	}

	dir := filepath.Join(r.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.WrapError(core.ErrConfiguration, err, "cannot create environment %s", name)
	}
	manifest := strings.Join(packages, "\n")
	if manifest != "" {
		manifest += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "packages.txt"), []byte(manifest), 0o644); err != nil {
		return core.WrapError(core.ErrConfiguration, err, "cannot write manifest for %s", name)
	}
	if err := os.WriteFile(filepath.Join(dir, readyMarker), nil, 0o644); err != nil {
		return core.WrapError(core.ErrConfiguration, err, "cannot mark %s ready", name)
	}
	return nil
}

// Ready reports whether the named environment has been provisioned on this
// host. Satisfies executor.EnvironmentChecker.
func (r *RuntimeEnvs) Ready(name string) error {
	if !envNamePattern.MatchString(name) {
		return core.NewError(core.ErrSandbox, "environment name %q is not allowed", name)
	}
	if _, err := os.Stat(filepath.Join(r.root, name, readyMarker)); err != nil {
		return core.NewError(core.ErrConfiguration,
			"runtime environment %q is not ready", name)
	}
	return nil
}

// stringList converts a decoded JSON array into strings, skipping anything
// that is not one.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
