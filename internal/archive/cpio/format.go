package cpio

import (
	"errors"
	"io/fs"
	"time"
)

const (
	// magic opens every odc header.
	magic = "070707"
	// headerSize is the fixed length of an odc header.
	headerSize = 76
	// trailerName marks the end of an archive.
	trailerName = "TRAILER!!!"

	// maxSmallField is the largest value of a six-digit octal field.
	maxSmallField = 0o777777
	// maxLargeField is the largest value of an eleven-digit octal field.
	maxLargeField = 0o77777777777
)

// Unix file type bits as stored in the mode field.
const (
	typeMask    = 0o170000
	typeSocket  = 0o140000
	typeSymlink = 0o120000
	typeRegular = 0o100000
	typeBlock   = 0o060000
	typeDir     = 0o040000
	typeChar    = 0o020000
	typeFIFO    = 0o010000

	modeSetuid = 0o4000
	modeSetgid = 0o2000
	modeSticky = 0o1000
)

var (
	// ErrHeader is returned for a malformed header.
	ErrHeader = errors.New("cpio: invalid header")
	// ErrWriteTooLong is returned when more data than the header size is written.
	ErrWriteTooLong = errors.New("cpio: write too long")
	// ErrFieldOverflow is returned when a value does not fit its octal field.
	ErrFieldOverflow = errors.New("cpio: value does not fit header field")
	// ErrShortEntry is returned when a header is written before the previous entry's data is complete.
	ErrShortEntry = errors.New("cpio: missing data for previous entry")
)

// Header describes one archive entry.
type Header struct {
	// Name is the entry path, e.g. "./usr/local/bin/tool".
	Name string
	// Mode holds the Unix type and permission bits.
	Mode uint32
	// UID is the owner id.
	UID int
	// GID is the group id.
	GID int
	// Inode is the inode number, used to detect hard links.
	Inode int
	// Links is the link count.
	Links int
	// ModTime is the modification time, stored with one-second precision.
	ModTime time.Time
	// Size is the data length: file content or symlink target.
	Size int64
}

// FileMode returns the fs.FileMode equivalent of h.Mode.
func (h *Header) FileMode() fs.FileMode {
	return FileMode(h.Mode)
}

// IsDir reports whether the entry is a directory.
func (h *Header) IsDir() bool {
	return h.Mode&typeMask == typeDir
}

// IsSymlink reports whether the entry is a symbolic link.
func (h *Header) IsSymlink() bool {
	return h.Mode&typeMask == typeSymlink
}

// IsRegular reports whether the entry is a regular file.
func (h *Header) IsRegular() bool {
	return h.Mode&typeMask == typeRegular
}

// UnixMode converts an fs.FileMode into Unix type and permission bits.
func UnixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())

	if mode&fs.ModeSetuid != 0 {
		m |= modeSetuid
	}

	if mode&fs.ModeSetgid != 0 {
		m |= modeSetgid
	}

	if mode&fs.ModeSticky != 0 {
		m |= modeSticky
	}

	switch {
	case mode.IsDir():
		m |= typeDir
	case mode&fs.ModeSymlink != 0:
		m |= typeSymlink
	case mode&fs.ModeNamedPipe != 0:
		m |= typeFIFO
	case mode&fs.ModeSocket != 0:
		m |= typeSocket
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		m |= typeChar
	case mode&fs.ModeDevice != 0:
		m |= typeBlock
	default:
		m |= typeRegular
	}

	return m
}

// FileMode converts Unix type and permission bits into an fs.FileMode.
func FileMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)

	if m&modeSetuid != 0 {
		mode |= fs.ModeSetuid
	}

	if m&modeSetgid != 0 {
		mode |= fs.ModeSetgid
	}

	if m&modeSticky != 0 {
		mode |= fs.ModeSticky
	}

	switch m & typeMask {
	case typeDir:
		mode |= fs.ModeDir
	case typeSymlink:
		mode |= fs.ModeSymlink
	case typeFIFO:
		mode |= fs.ModeNamedPipe
	case typeSocket:
		mode |= fs.ModeSocket
	case typeChar:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case typeBlock:
		mode |= fs.ModeDevice
	}

	return mode
}
