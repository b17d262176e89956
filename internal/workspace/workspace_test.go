package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/testutil"
)

// TestStage_CopiesTemplate verifies the template copy, preserved modes and symlinks.
func TestStage_CopiesTemplate(t *testing.T) {
	t.Parallel()

	tmpl := testutil.NewTemplate(t, map[string]string{"usr/local/bin/tool": "#!/bin/sh\n"})
	require.NoError(t, os.Chmod(filepath.Join(tmpl, "root", "usr", "local", "bin", "tool"), 0o755))
	require.NoError(t, os.Symlink("bin/tool", filepath.Join(tmpl, "root", "usr", "local", "tool")))

	ws, err := Stage(context.Background(), tmpl, &Options{BaseDir: t.TempDir(), ID: "b-1"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ws.Dispose()
	})

	require.Equal(t, "b-1", ws.ID())

	info, err := os.Stat(ws.RootPath("usr", "local", "bin", "tool"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(ws.RootPath("usr", "local", "tool"))
	require.NoError(t, err)
	require.Equal(t, "bin/tool", link)

	content, err := os.ReadFile(ws.PackagePath(PackageInfoFile))
	require.NoError(t, err)
	require.Equal(t, testutil.PackageInfoTemplate, string(content))

	_, err = os.Stat(filepath.Join(ws.ScriptsPath(), "postinstall"))
	require.NoError(t, err)
}

// TestStage_Failures asserts staging errors for missing, non-directory and incomplete templates.
func TestStage_Failures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()

	_, err := Stage(ctx, filepath.Join(base, "missing"), nil)
	require.ErrorIs(t, err, build.ErrStaging)

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err = Stage(ctx, file, nil)
	require.ErrorIs(t, err, build.ErrStaging)
	require.ErrorIs(t, err, ErrTemplateNotDir)

	tmpl := testutil.NewTemplate(t, nil)
	require.NoError(t, os.RemoveAll(filepath.Join(tmpl, "scripts")))

	_, err = Stage(ctx, tmpl, nil)
	require.ErrorIs(t, err, ErrTemplateIncomplete)
}

// TestStage_CanceledContextLeavesNothing checks that an aborted copy removes the temporary directory.
func TestStage_CanceledContextLeavesNothing(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	tmpl := testutil.NewTemplate(t, map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Stage(ctx, tmpl, &Options{BaseDir: base})
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestDispose removes the directory and tolerates repeated calls.
func TestDispose(t *testing.T) {
	t.Parallel()

	ws, err := Stage(context.Background(), testutil.NewTemplate(t, nil), &Options{BaseDir: t.TempDir()})
	require.NoError(t, err)

	dir, err := ws.Mkdir("product_archive")
	require.NoError(t, err)
	require.DirExists(t, dir)

	require.NoError(t, ws.Dispose())
	require.NoDirExists(t, ws.Dir())
	require.NoError(t, ws.Dispose())

	var nilWorkspace *Workspace
	require.NoError(t, nilWorkspace.Dispose())
}

// TestStage_KeepsReadOnlyDirectoryModes stages read-only template directories with their exact mode.
func TestStage_KeepsReadOnlyDirectoryModes(t *testing.T) {
	t.Parallel()

	tmpl := testutil.NewTemplate(t, map[string]string{"opt/tool/run.sh": "#!/bin/sh\n"})

	readOnly := filepath.Join(tmpl, "root", "opt")
	require.NoError(t, os.Chmod(filepath.Join(readOnly, "tool"), 0o555))
	require.NoError(t, os.Chmod(readOnly, 0o555))

	t.Cleanup(func() {
		_ = os.Chmod(readOnly, 0o755)
		_ = os.Chmod(filepath.Join(readOnly, "tool"), 0o755)
	})

	ws, err := Stage(context.Background(), tmpl, &Options{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, dir := range []string{ws.RootPath("opt"), ws.RootPath("opt", "tool")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o555), info.Mode().Perm(), dir)
	}

	content, err := os.ReadFile(ws.RootPath("opt", "tool", "run.sh"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\n", string(content))

	require.NoError(t, ws.Dispose())
	require.NoDirExists(t, ws.Dir())
}
