package build

import (
	"strconv"
	"time"
)

// Manifest holds the counters rendered into PackageInfo.
type Manifest struct {
	// FileCount is the number of files and directories under root.
	FileCount int
	// InstallKB is the total size of root in KiB, rounded down.
	InstallKB int64
	// Identifier is the package identifier.
	Identifier string
	// Version is the package version.
	Version string
}

// InstallKBString renders InstallKB the way installer documents expect it.
func (m Manifest) InstallKBString() string {
	return strconv.FormatInt(m.InstallKB, 10)
}

// Result is the finished artifact.
type Result struct {
	// BuildID identifies the build in logs and metrics.
	BuildID string
	// Filename is the name the artifact should be delivered under.
	Filename string
	// Content is the package or product archive.
	Content []byte
	// Identifier is the package identifier that was built.
	Identifier string
	// Signed reports whether a signature was injected.
	Signed bool
	// Merged reports whether the package was merged into a product archive.
	Merged bool
	// BuiltAt is when the artifact was finalized.
	BuiltAt time.Time
}
