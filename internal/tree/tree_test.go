package tree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/testutil"
)

// TestMeasure counts files and directories and sums file sizes.
func TestMeasure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "foo.txt"), "0123456789", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "opt", "tool", "big.bin"), strings.Repeat("x", 3000), 0o644)
	require.NoError(t, os.Symlink("foo.txt", filepath.Join(dir, "link")))

	stats, err := Measure(dir)
	require.NoError(t, err)

	// foo.txt, opt, opt/tool, opt/tool/big.bin, link.
	require.Equal(t, 5, stats.FileCount)
	require.Equal(t, int64(10+3000+len("foo.txt")), stats.TotalBytes)
	require.Equal(t, int64(2), stats.InstallKB())
}

// TestMeasure_SingleFile matches the one-file staged tree: one entry, zero KiB.
func TestMeasure_SingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "foo.txt"), "0123456789", 0o644)

	stats, err := Measure(dir)
	require.NoError(t, err)
	require.Equal(t, Stats{FileCount: 1, TotalBytes: 10}, stats)
	require.Zero(t, stats.InstallKB())
}

// TestMeasure_AgreesWithIndependentWalk compares against a plain os.ReadDir recursion.
func TestMeasure_AgreesWithIndependentWalk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i, name := range []string{"a/b/c.txt", "a/d.txt", "e/f/g/h.txt", "i.txt"} {
		testutil.WriteFile(t, filepath.Join(dir, filepath.FromSlash(name)), strings.Repeat("z", 700*(i+1)), 0o644)
	}

	var count func(string) (int, int64)

	count = func(p string) (int, int64) {
		entries, err := os.ReadDir(p)
		require.NoError(t, err)

		var (
			n    int
			size int64
		)

		for _, e := range entries {
			n++

			if e.IsDir() {
				cn, cs := count(filepath.Join(p, e.Name()))
				n += cn
				size += cs

				continue
			}

			info, err := e.Info()
			require.NoError(t, err)

			size += info.Size()
		}

		return n, size
	}

	wantCount, wantSize := count(dir)

	stats, err := Measure(dir)
	require.NoError(t, err)
	require.Equal(t, wantCount, stats.FileCount)
	require.Equal(t, wantSize/1024, stats.InstallKB())
}

// TestMeasure_MissingPath reports an error.
func TestMeasure_MissingPath(t *testing.T) {
	t.Parallel()

	_, err := Measure(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
