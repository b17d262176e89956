package pkginfo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/tree"
	"github.com/oshokin/flatpkg/internal/workspace"
)

// Placeholders understood by package templates.
const (
	PlaceholderNumberOfFiles = "%NUMBER_OF_FILES%"
	PlaceholderInstallKBytes = "%INSTALL_KBYTES%"
	PlaceholderIdentifier    = "%PKG_IDENTIFIER%"
	PlaceholderVersion       = "%VERSION%"
)

// Replacement is one placeholder and its value.
type Replacement struct {
	// Placeholder is the literal token to replace.
	Placeholder string
	// Value replaces every occurrence of Placeholder.
	Value string
}

// Render replaces every placeholder of replacements in order and overwrites the file.
// Tokens must not overlap, Render does not check it.
func Render(path string, replacements []Replacement) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return build.NewStageError(build.StageTemplate, fmt.Errorf("stat template: %w", err))
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return build.NewStageError(build.StageTemplate, fmt.Errorf("read template: %w", err))
	}

	rendered := string(contents)
	for _, r := range replacements {
		rendered = strings.ReplaceAll(rendered, r.Placeholder, r.Value)
	}

	if err = os.WriteFile(path, []byte(rendered), info.Mode().Perm()); err != nil {
		return build.NewStageError(build.StageTemplate, fmt.Errorf("write template: %w", err))
	}

	return nil
}

// Replacements returns the standard replacement list for m.
func Replacements(m build.Manifest) []Replacement {
	return []Replacement{
		{Placeholder: PlaceholderNumberOfFiles, Value: strconv.Itoa(m.FileCount)},
		{Placeholder: PlaceholderInstallKBytes, Value: m.InstallKBString()},
		{Placeholder: PlaceholderIdentifier, Value: m.Identifier},
		{Placeholder: PlaceholderVersion, Value: m.Version},
	}
}

// Prepare measures the staged root/ tree and renders base.pkg/PackageInfo.
func Prepare(ctx context.Context, ws *workspace.Workspace, identifier, version string) (build.Manifest, error) {
	stats, err := tree.Measure(ws.RootPath())
	if err != nil {
		return build.Manifest{}, build.NewStageError(build.StageTemplate, err)
	}

	manifest := build.Manifest{
		FileCount:  stats.FileCount,
		InstallKB:  stats.InstallKB(),
		Identifier: identifier,
		Version:    version,
	}

	if err = Render(ws.PackagePath(workspace.PackageInfoFile), Replacements(manifest)); err != nil {
		return build.Manifest{}, err
	}

	logger.DebugKV(ctx, "PackageInfo rendered",
		"files", manifest.FileCount, "install_kb", manifest.InstallKB, "identifier", identifier)

	return manifest, nil
}
