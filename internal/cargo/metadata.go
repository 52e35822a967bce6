// Package cargo drives the cargo executable: package metadata queries and
// the instrumented build whose diagnostic stream feeds the build-log parser.
package cargo

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/llvm"
	"github.com/kyleseneker/cibuild/internal/unit"
)

// Target is one build target of a package.
type Target struct {
	Name       string   `json:"name"`
	Kind       []string `json:"kind"`
	CrateTypes []string `json:"crate_types"`
}

// Package is the subset of a cargo package description cibuild uses.
type Package struct {
	Name    string   `json:"name"`
	Targets []Target `json:"targets"`
}

// Metadata is the subset of `cargo metadata` output cibuild uses.
type Metadata struct {
	Packages        []Package `json:"packages"`
	TargetDirectory string    `json:"target_directory"`
	WorkspaceRoot   string    `json:"workspace_root"`
}

// Units collapses every binary-producing target into compilation units.
func (m Metadata) Units() []unit.CompilationUnit {
	var units []unit.CompilationUnit
	for _, pkg := range m.Packages {
		for _, t := range pkg.Targets {
			if !slices.Contains(t.CrateTypes, "bin") || slices.Contains(t.Kind, "custom-build") {
				continue
			}
			kind := unit.KindBin
			if slices.Contains(t.Kind, "example") {
				kind = unit.KindExample
			}
			units = append(units, unit.New(t.Name, kind))
		}
	}
	return lo.UniqBy(units, func(u unit.CompilationUnit) string { return u.Ident })
}

// OutputDir returns the directory a build with the given triple and profile
// writes into. cargo metadata already reports CARGO_TARGET_DIR as the target
// directory when it runs with the caller's environment.
func (m Metadata) OutputDir(triple string, release bool) string {
	dir := m.TargetDirectory
	if triple != "" {
		dir = filepath.Join(dir, triple)
	}
	mode := "debug"
	if release {
		mode = "release"
	}
	return filepath.Join(dir, mode)
}

// LoadMetadata runs `cargo metadata --no-deps` in dir.
func LoadMetadata(ctx context.Context, run llvm.RunFunc, cargo, dir string, timeout time.Duration) (Metadata, error) {
	if run == nil {
		run = llvm.RunInherited
	}
	args := []string{"metadata", "--no-deps", "--format-version", "1"}
	if dir != "" {
		args = append(args, "--manifest-path", filepath.Join(dir, "Cargo.toml"))
	}
	res, err := run(ctx, timeout, cargo, args...)
	if err != nil {
		return Metadata{}, &diag.Error{
			Stage:   diag.StageMetadata,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     err,
			Hint:    "run cibuild from inside a cargo package",
		}
	}
	var md Metadata
	if err := json.Unmarshal([]byte(res.Stdout), &md); err != nil {
		return Metadata{}, &diag.Error{
			Stage:   diag.StageMetadata,
			Command: res.Command,
			Err:     fmt.Errorf("decoding cargo metadata: %w", err),
		}
	}
	return md, nil
}
