// Package tree measures directory subtrees for the PackageInfo counters.
package tree

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// Stats is the aggregate of a measured subtree.
type Stats struct {
	// FileCount counts every directory and file below the measured path, the path itself excluded.
	FileCount int
	// TotalBytes sums the sizes of non-directory entries as reported by lstat.
	TotalBytes int64
}

// InstallKB returns TotalBytes in KiB, rounded down.
func (s Stats) InstallKB() int64 {
	return s.TotalBytes / 1024
}

// Measure walks path and aggregates its entries. Symlinks are counted, not followed.
func Measure(path string) (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == path {
			return nil
		}

		stats.FileCount++

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		stats.TotalBytes += info.Size()

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("measure %s: %w", path, err)
	}

	return stats, nil
}
