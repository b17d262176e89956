package bom

import (
	"errors"
	"time"
)

const (
	// storeMagic opens every bill of materials.
	storeMagic = "BOMStore"
	// storeVersion is the only version written and accepted.
	storeVersion = 1
	// headerSize is the space reserved for the store header.
	headerSize = 512

	// treeMagic opens every tree block.
	treeMagic = "tree"
	// pathsBlockSize is the page size of the Paths tree.
	pathsBlockSize = 4096
	// vtreeBlockSize is the page size of the VIndex tree.
	vtreeBlockSize = 128
	// pageHeaderSize is the fixed part of a tree page.
	pageHeaderSize = 12
	// pageEntrySize is the size of one page entry.
	pageEntrySize = 8
	// entriesPerPage is how many entries fit into one Paths page.
	entriesPerPage = (pathsBlockSize - pageHeaderSize) / pageEntrySize

	// freeListEntries is the number of empty free-list slots written after the block index.
	freeListEntries = 2

	// Variable names.
	varBomInfo = "BomInfo"
	varPaths   = "Paths"
	varHLIndex = "HLIndex"
	varVIndex  = "VIndex"
	varSize64  = "Size64"
)

// FileType is the kind of a path record.
type FileType uint8

// Path record kinds.
const (
	TypeFile    FileType = 1
	TypeDir     FileType = 2
	TypeSymlink FileType = 3
	TypeDevice  FileType = 4
)

// String returns the lsbom-style name of t.
func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeDevice:
		return "device"
	default:
		return "unknown"
	}
}

var (
	// ErrFormat is returned when decoding a malformed store.
	ErrFormat = errors.New("bom: malformed store")
	// errFileTooLarge is returned for files larger than the 32-bit size field.
	errFileTooLarge = errors.New("bom: file larger than 4 GiB")
)

// Entry is one path record.
type Entry struct {
	// Path is the path relative to the measured root, "." for the root itself.
	Path string
	// Type is the record kind.
	Type FileType
	// Mode holds the Unix type and permission bits.
	Mode uint16
	// UID is the recorded owner.
	UID uint32
	// GID is the recorded group.
	GID uint32
	// ModTime is the recorded modification time.
	ModTime time.Time
	// Size is the file size, or the link target length.
	Size uint32
	// Checksum is the cksum CRC of the content or link target; zero for directories.
	Checksum uint32
	// LinkTarget is the target of a symlink.
	LinkTarget string
}

// storeHeader is the fixed prefix of the header block.
type storeHeader struct {
	Magic          [8]byte
	Version        uint32
	NumberOfBlocks uint32
	IndexOffset    uint32
	IndexLength    uint32
	VarsOffset     uint32
	VarsLength     uint32
}

// blockPointer locates one block.
type blockPointer struct {
	Address uint32
	Length  uint32
}

// bomInfo is the BomInfo variable.
type bomInfo struct {
	Version             uint32
	NumberOfPaths       uint32
	NumberOfInfoEntries uint32
	Entry               [4]uint32
}

// treeHeader is a tree root block.
type treeHeader struct {
	Magic     [4]byte
	Version   uint32
	Child     uint32
	BlockSize uint32
	PathCount uint32
	Unknown   uint8
}

// pageHeader opens a tree page.
type pageHeader struct {
	IsLeaf   uint16
	Count    uint16
	Forward  uint32
	Backward uint32
}

// pageEntry points at a value and a key. In leaves the value is a pathInfo1
// block and the key a fileKey block; in inner pages the value is a child page.
type pageEntry struct {
	Value uint32
	Key   uint32
}

// pathInfo1 links a path id to its attributes.
type pathInfo1 struct {
	ID    uint32
	Index uint32
}

// pathInfo2 holds the attributes of a path, followed by linkNameLength bytes of link name.
type pathInfo2 struct {
	Type           uint8
	Unknown0       uint8
	Architecture   uint16
	Mode           uint16
	User           uint32
	Group          uint32
	ModTime        uint32
	Size           uint32
	Unknown1       uint8
	Checksum       uint32
	LinkNameLength uint32
}

// vIndex is the VIndex variable.
type vIndex struct {
	Unknown0     uint32
	IndexToVTree uint32
	Unknown2     uint32
	Unknown3     uint8
}
