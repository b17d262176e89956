package bom

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

const (
	// InstallerUID is the owner recorded for every path (root).
	InstallerUID = 0
	// InstallerGID is the group recorded for every path (admin).
	InstallerGID = 80

	rootName = "."

	// pathInfoMarker is the constant written into both unknown bytes of a path record.
	pathInfoMarker = 1
	// vIndexMarker is the constant first field of the VIndex variable.
	vIndexMarker = 1
)

// Encoder writes bills of materials for directory trees.
type Encoder struct {
	// UID is recorded as the owner of every path.
	UID uint32
	// GID is recorded as the group of every path.
	GID uint32
}

// NewEncoder returns an Encoder recording the installer ownership convention (0:80).
func NewEncoder() *Encoder {
	return &Encoder{
		UID: InstallerUID,
		GID: InstallerGID,
	}
}

// Encode writes the bill of materials of every path under rootPath to w.
func (e *Encoder) Encode(ctx context.Context, rootPath string, w io.Writer) error {
	entries, err := e.scan(ctx, rootPath)
	if err != nil {
		return build.NewStageError(build.StageBom, fmt.Errorf("scan %s: %w", rootPath, err))
	}

	if err = Write(w, entries); err != nil {
		return build.NewStageError(build.StageBom, fmt.Errorf("write bom: %w", err))
	}

	return nil
}

// EncodeFile is Encode writing to a new file at dst.
func (e *Encoder) EncodeFile(ctx context.Context, rootPath, dst string) error {
	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return build.NewStageError(build.StageBom, fmt.Errorf("create %s: %w", dst, err))
	}

	if err = e.Encode(ctx, rootPath, out); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return build.NewStageError(build.StageBom, fmt.Errorf("close %s: %w", dst, err))
	}

	return nil
}

// scan lists rootPath depth-first in lexical order, parents before children.
func (e *Encoder) scan(ctx context.Context, rootPath string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err = ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(rootPath, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry, err := e.describe(p, info)
		if err != nil {
			return err
		}

		entry.Path = filepath.ToSlash(rel)
		entries = append(entries, entry)

		return nil
	})

	return entries, err
}

// describe builds the record of one filesystem entry.
func (e *Encoder) describe(p string, info fs.FileInfo) (Entry, error) {
	entry := Entry{
		Mode:    unixMode(info.Mode()),
		UID:     e.UID,
		GID:     e.GID,
		ModTime: info.ModTime(),
	}

	switch {
	case info.IsDir():
		entry.Type = TypeDir
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return entry, err
		}

		sum, err := cksum(bytes.NewReader([]byte(target)))
		if err != nil {
			return entry, err
		}

		entry.Type = TypeSymlink
		entry.LinkTarget = target
		entry.Size = uint32(len(target)) //nolint:gosec // Link targets are short.
		entry.Checksum = sum
	case info.Mode()&(fs.ModeDevice|fs.ModeCharDevice) != 0:
		entry.Type = TypeDevice
	case !info.Mode().IsRegular():
		// Pipes and sockets are recorded without content.
		entry.Type = TypeFile
	default:
		if info.Size() > math.MaxUint32 {
			return entry, fmt.Errorf("%w: %s", errFileTooLarge, p)
		}

		sum, err := fileChecksum(p)
		if err != nil {
			return entry, err
		}

		entry.Type = TypeFile
		entry.Size = uint32(info.Size())
		entry.Checksum = sum
	}

	return entry, nil
}

func fileChecksum(p string) (uint32, error) {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = f.Close()
	}()

	return cksum(f)
}

// unixMode converts an fs.FileMode into st_mode bits.
func unixMode(m fs.FileMode) uint16 {
	mode := uint16(m.Perm())

	switch {
	case m.IsDir():
		mode |= 0o040000
	case m&fs.ModeSymlink != 0:
		mode |= 0o120000
	case m&fs.ModeCharDevice != 0:
		mode |= 0o020000
	case m&fs.ModeDevice != 0:
		mode |= 0o060000
	case m&fs.ModeNamedPipe != 0:
		mode |= 0o010000
	case m&fs.ModeSocket != 0:
		mode |= 0o140000
	default:
		mode |= 0o100000
	}

	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}

	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}

	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}

	return mode
}

// store accumulates numbered blocks. Block 0 is the null block.
type store struct {
	blocks [][]byte
	vars   []storeVar
}

type storeVar struct {
	name  string
	index uint32
}

// add appends a block and returns its index.
func (s *store) add(data []byte) uint32 {
	s.blocks = append(s.blocks, data)

	return uint32(len(s.blocks)) //nolint:gosec // Bounded by the path count.
}

// addStruct appends the big-endian encoding of the given values as one block.
func (s *store) addStruct(values ...any) (uint32, error) {
	var buf bytes.Buffer

	for _, v := range values {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return 0, err
		}
	}

	return s.add(buf.Bytes()), nil
}

// Write encodes entries, which must list parents before children, into w.
func Write(w io.Writer, entries []Entry) error {
	s := &store{}

	info, err := s.addStruct(bomInfo{
		Version:             1,
		NumberOfPaths:       uint32(len(entries)), //nolint:gosec // Bounded by the filesystem.
		NumberOfInfoEntries: 1,
	})
	if err != nil {
		return err
	}

	s.vars = append(s.vars, storeVar{name: varBomInfo, index: info})

	paths, err := s.addPaths(entries)
	if err != nil {
		return err
	}

	s.vars = append(s.vars, storeVar{name: varPaths, index: paths})

	hlIndex, err := s.addEmptyTree(pathsBlockSize)
	if err != nil {
		return err
	}

	s.vars = append(s.vars, storeVar{name: varHLIndex, index: hlIndex})

	vtree, err := s.addEmptyTree(vtreeBlockSize)
	if err != nil {
		return err
	}

	vindex, err := s.addStruct(vIndex{Unknown0: vIndexMarker, IndexToVTree: vtree})
	if err != nil {
		return err
	}

	s.vars = append(s.vars, storeVar{name: varVIndex, index: vindex})

	size64, err := s.addEmptyTree(pathsBlockSize)
	if err != nil {
		return err
	}

	s.vars = append(s.vars, storeVar{name: varSize64, index: size64})

	return s.writeTo(w)
}

// addPaths writes the path records, their leaf pages, any inner pages and the tree root.
func (s *store) addPaths(entries []Entry) (uint32, error) {
	ids := make(map[string]uint32, len(entries))
	leaves := make([]pageEntry, 0, len(entries))

	for i, entry := range entries {
		id := uint32(i + 1) //nolint:gosec // Bounded by the filesystem.

		parent, name := uint32(0), rootName
		if entry.Path != rootName {
			dir, base := splitPath(entry.Path)

			var ok bool
			if parent, ok = ids[dir]; !ok {
				return 0, fmt.Errorf("%w: %s listed before its parent", ErrFormat, entry.Path)
			}

			name = base
		}

		ids[entry.Path] = id

		attrs, err := s.addPathInfo2(entry)
		if err != nil {
			return 0, err
		}

		value, err := s.addStruct(pathInfo1{ID: id, Index: attrs})
		if err != nil {
			return 0, err
		}

		key, err := s.addStruct(parent, []byte(name), uint8(0))
		if err != nil {
			return 0, err
		}

		leaves = append(leaves, pageEntry{Value: value, Key: key})
	}

	root, err := s.addPages(leaves)
	if err != nil {
		return 0, err
	}

	return s.addStruct(newTreeHeader(root, pathsBlockSize, uint32(len(entries)))) //nolint:gosec // Bounded.
}

func (s *store) addPathInfo2(entry Entry) (uint32, error) {
	attrs := pathInfo2{
		Type:         uint8(entry.Type),
		Unknown0:     pathInfoMarker,
		Architecture: 3,
		Mode:         entry.Mode,
		User:         entry.UID,
		Group:        entry.GID,
		ModTime:      unixSeconds(entry.ModTime),
		Size:         entry.Size,
		Unknown1:     pathInfoMarker,
		Checksum:     entry.Checksum,
	}

	if entry.Type != TypeSymlink {
		return s.addStruct(attrs)
	}

	attrs.LinkNameLength = uint32(len(entry.LinkTarget) + 1) //nolint:gosec // Link targets are short.

	return s.addStruct(attrs, []byte(entry.LinkTarget), uint8(0))
}

// addPages lays leaf entries out into linked pages and builds inner levels until
// a single root page remains. It returns the root page index.
func (s *store) addPages(entries []pageEntry) (uint32, error) {
	if len(entries) <= entriesPerPage {
		return s.addPage(true, entries, 0, 0)
	}

	chunks := chunk(entries)
	indexes := make([]uint32, len(chunks))

	// Leaves link to their neighbours, so reserve every index before encoding.
	for i := range chunks {
		indexes[i] = s.add(nil)
	}

	parents := make([]pageEntry, len(chunks))

	for i, c := range chunks {
		var forward, backward uint32
		if i+1 < len(chunks) {
			forward = indexes[i+1]
		}

		if i > 0 {
			backward = indexes[i-1]
		}

		data, err := encodePage(true, c, forward, backward)
		if err != nil {
			return 0, err
		}

		s.blocks[indexes[i]-1] = data
		parents[i] = pageEntry{Value: indexes[i], Key: c[len(c)-1].Key}
	}

	return s.addInner(parents)
}

// addInner builds inner pages above children until one root remains.
func (s *store) addInner(children []pageEntry) (uint32, error) {
	for len(children) > entriesPerPage {
		chunks := chunk(children)
		next := make([]pageEntry, 0, len(chunks))

		for _, c := range chunks {
			index, err := s.addPage(false, c, 0, 0)
			if err != nil {
				return 0, err
			}

			next = append(next, pageEntry{Value: index, Key: c[len(c)-1].Key})
		}

		children = next
	}

	return s.addPage(false, children, 0, 0)
}

func (s *store) addPage(leaf bool, entries []pageEntry, forward, backward uint32) (uint32, error) {
	data, err := encodePage(leaf, entries, forward, backward)
	if err != nil {
		return 0, err
	}

	return s.add(data), nil
}

// addEmptyTree writes a tree with a single empty leaf.
func (s *store) addEmptyTree(blockSize uint32) (uint32, error) {
	leaf, err := s.addPage(true, nil, 0, 0)
	if err != nil {
		return 0, err
	}

	return s.addStruct(newTreeHeader(leaf, blockSize, 0))
}

// writeTo lays out the header, blocks, variables and block index.
func (s *store) writeTo(w io.Writer) error {
	var body bytes.Buffer

	pointers := make([]blockPointer, len(s.blocks)+1)
	offset := uint32(headerSize)

	for i, data := range s.blocks {
		pointers[i+1] = blockPointer{Address: offset, Length: uint32(len(data))} //nolint:gosec // Block sizes are small.
		offset += uint32(len(data))                                                //nolint:gosec // Block sizes are small.

		body.Write(data)
	}

	varsOffset := offset

	var vars bytes.Buffer
	if err := binary.Write(&vars, binary.BigEndian, uint32(len(s.vars))); err != nil { //nolint:gosec // Fixed count.
		return err
	}

	for _, v := range s.vars {
		if err := binary.Write(&vars, binary.BigEndian, v.index); err != nil {
			return err
		}

		vars.WriteByte(byte(len(v.name)))
		vars.WriteString(v.name)
	}

	indexOffset := varsOffset + uint32(vars.Len()) //nolint:gosec // Small.

	var index bytes.Buffer
	if err := binary.Write(&index, binary.BigEndian, uint32(len(pointers))); err != nil { //nolint:gosec // Small.
		return err
	}

	if err := binary.Write(&index, binary.BigEndian, pointers); err != nil {
		return err
	}

	if err := binary.Write(&index, binary.BigEndian, uint32(freeListEntries)); err != nil {
		return err
	}

	if err := binary.Write(&index, binary.BigEndian, make([]blockPointer, freeListEntries)); err != nil {
		return err
	}

	header := storeHeader{
		Version:        storeVersion,
		NumberOfBlocks: uint32(len(s.blocks)), //nolint:gosec // Small.
		IndexOffset:    indexOffset,
		IndexLength:    uint32(index.Len()), //nolint:gosec // Small.
		VarsOffset:     varsOffset,
		VarsLength:     uint32(vars.Len()), //nolint:gosec // Small.
	}
	copy(header.Magic[:], storeMagic)

	var head bytes.Buffer
	if err := binary.Write(&head, binary.BigEndian, header); err != nil {
		return err
	}

	head.Write(make([]byte, headerSize-head.Len()))

	for _, part := range []*bytes.Buffer{&head, &body, &vars, &index} {
		if _, err := part.WriteTo(w); err != nil {
			return err
		}
	}

	return nil
}

func encodePage(leaf bool, entries []pageEntry, forward, backward uint32) ([]byte, error) {
	var buf bytes.Buffer

	header := pageHeader{
		Count:    uint16(len(entries)), //nolint:gosec // At most entriesPerPage.
		Forward:  forward,
		Backward: backward,
	}

	if leaf {
		header.IsLeaf = 1
	}

	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.BigEndian, entries); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func newTreeHeader(child, blockSize, pathCount uint32) treeHeader {
	h := treeHeader{
		Version:   1,
		Child:     child,
		BlockSize: blockSize,
		PathCount: pathCount,
	}
	copy(h.Magic[:], treeMagic)

	return h
}

func chunk(entries []pageEntry) [][]pageEntry {
	chunks := make([][]pageEntry, 0, len(entries)/entriesPerPage+1)

	for len(entries) > entriesPerPage {
		chunks = append(chunks, entries[:entriesPerPage])
		entries = entries[entriesPerPage:]
	}

	return append(chunks, entries)
}

// splitPath splits a slash path into its parent ("." at the top) and base name.
func splitPath(p string) (string, string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}

	return rootName, p
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}

	return uint32(t.Unix()) //nolint:gosec // Truncated like the on-disk field.
}
