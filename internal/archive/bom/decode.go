package bom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// maxTreeDepth bounds descent through inner pages of a corrupt store.
const maxTreeDepth = 16

// Store is a decoded bill of materials.
type Store struct {
	data   []byte
	blocks []blockPointer
	vars   map[string]uint32
}

// Read parses a bill of materials held in memory.
func Read(data []byte) (*Store, error) {
	var header storeHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}

	if string(header.Magic[:]) != storeMagic || header.Version != storeVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrFormat)
	}

	s := &Store{data: data, vars: make(map[string]uint32)}

	index, err := s.slice(header.IndexOffset, header.IndexLength)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(index)

	var count uint32
	if err = binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: block index: %w", ErrFormat, err)
	}

	if uint64(count)*8 > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: block index truncated", ErrFormat)
	}

	s.blocks = make([]blockPointer, count)
	if err = binary.Read(r, binary.BigEndian, s.blocks); err != nil {
		return nil, fmt.Errorf("%w: block index: %w", ErrFormat, err)
	}

	if err = s.readVars(header.VarsOffset, header.VarsLength); err != nil {
		return nil, err
	}

	return s, nil
}

// ReadFile parses the bill of materials at path.
func ReadFile(path string) (*Store, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	return Read(data)
}

// Vars returns the names of the store variables.
func (s *Store) Vars() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}

	return names
}

// Entries walks the Paths tree and returns its records in tree order.
func (s *Store) Entries() ([]Entry, error) {
	root, ok := s.vars[varPaths]
	if !ok {
		return nil, fmt.Errorf("%w: no %s variable", ErrFormat, varPaths)
	}

	var tree treeHeader
	if err := s.decode(root, &tree); err != nil {
		return nil, err
	}

	if string(tree.Magic[:]) != treeMagic {
		return nil, fmt.Errorf("%w: bad tree magic", ErrFormat)
	}

	leaf, err := s.firstLeaf(tree.Child)
	if err != nil {
		return nil, err
	}

	paths := make(map[uint32]string)
	entries := make([]Entry, 0, tree.PathCount)
	visited := make(map[uint32]bool)

	for leaf != 0 {
		if visited[leaf] {
			return nil, fmt.Errorf("%w: page loop", ErrFormat)
		}

		visited[leaf] = true

		header, page, err := s.page(leaf)
		if err != nil {
			return nil, err
		}

		for _, pe := range page {
			entry, err := s.entry(pe, paths)
			if err != nil {
				return nil, err
			}

			entries = append(entries, entry)
		}

		leaf = header.Forward
	}

	return entries, nil
}

// firstLeaf descends through inner pages along their first entries.
func (s *Store) firstLeaf(index uint32) (uint32, error) {
	for range maxTreeDepth {
		header, page, err := s.page(index)
		if err != nil {
			return 0, err
		}

		if header.IsLeaf != 0 {
			return index, nil
		}

		if len(page) == 0 {
			return 0, fmt.Errorf("%w: empty inner page", ErrFormat)
		}

		index = page[0].Value
	}

	return 0, fmt.Errorf("%w: tree too deep", ErrFormat)
}

func (s *Store) entry(pe pageEntry, paths map[uint32]string) (Entry, error) {
	var info1 pathInfo1
	if err := s.decode(pe.Value, &info1); err != nil {
		return Entry{}, err
	}

	data, err := s.block(info1.Index)
	if err != nil {
		return Entry{}, err
	}

	r := bytes.NewReader(data)

	var info2 pathInfo2
	if err = binary.Read(r, binary.BigEndian, &info2); err != nil {
		return Entry{}, fmt.Errorf("%w: path info: %w", ErrFormat, err)
	}

	entry := Entry{
		Type:     FileType(info2.Type),
		Mode:     info2.Mode,
		UID:      info2.User,
		GID:      info2.Group,
		ModTime:  time.Unix(int64(info2.ModTime), 0),
		Size:     info2.Size,
		Checksum: info2.Checksum,
	}

	if info2.LinkNameLength > 0 {
		if uint64(info2.LinkNameLength) > uint64(r.Len()) {
			return Entry{}, fmt.Errorf("%w: link name truncated", ErrFormat)
		}

		link := make([]byte, info2.LinkNameLength)
		_, _ = r.Read(link)
		entry.LinkTarget = string(bytes.TrimRight(link, "\x00"))
	}

	key, err := s.block(pe.Key)
	if err != nil {
		return Entry{}, err
	}

	if len(key) < 4 {
		return Entry{}, fmt.Errorf("%w: short file key", ErrFormat)
	}

	parent := binary.BigEndian.Uint32(key)
	name := string(bytes.TrimRight(key[4:], "\x00"))

	switch parent {
	case 0:
		entry.Path = name
	default:
		dir, ok := paths[parent]
		if !ok {
			return Entry{}, fmt.Errorf("%w: %q refers to unknown parent %d", ErrFormat, name, parent)
		}

		if dir == rootName {
			entry.Path = name
		} else {
			entry.Path = dir + "/" + name
		}
	}

	paths[info1.ID] = entry.Path

	return entry, nil
}

func (s *Store) page(index uint32) (pageHeader, []pageEntry, error) {
	data, err := s.block(index)
	if err != nil {
		return pageHeader{}, nil, err
	}

	r := bytes.NewReader(data)

	var header pageHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return header, nil, fmt.Errorf("%w: page header: %w", ErrFormat, err)
	}

	if int(header.Count)*pageEntrySize > r.Len() {
		return header, nil, fmt.Errorf("%w: page truncated", ErrFormat)
	}

	entries := make([]pageEntry, header.Count)
	if err = binary.Read(r, binary.BigEndian, entries); err != nil {
		return header, nil, fmt.Errorf("%w: page entries: %w", ErrFormat, err)
	}

	return header, entries, nil
}

func (s *Store) readVars(offset, length uint32) error {
	data, err := s.slice(offset, length)
	if err != nil {
		return err
	}

	r := bytes.NewReader(data)

	var count uint32
	if err = binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("%w: vars: %w", ErrFormat, err)
	}

	for range count {
		var index uint32
		if err = binary.Read(r, binary.BigEndian, &index); err != nil {
			return fmt.Errorf("%w: vars: %w", ErrFormat, err)
		}

		size, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: vars: %w", ErrFormat, err)
		}

		name := make([]byte, size)
		if _, err = io.ReadFull(r, name); err != nil {
			return fmt.Errorf("%w: vars: %w", ErrFormat, err)
		}

		s.vars[string(name)] = index
	}

	return nil
}

func (s *Store) decode(index uint32, v any) error {
	data, err := s.block(index)
	if err != nil {
		return err
	}

	if err = binary.Read(bytes.NewReader(data), binary.BigEndian, v); err != nil {
		return fmt.Errorf("%w: block %d: %w", ErrFormat, index, err)
	}

	return nil
}

func (s *Store) block(index uint32) ([]byte, error) {
	if index == 0 || int(index) >= len(s.blocks) {
		return nil, fmt.Errorf("%w: block %d out of range", ErrFormat, index)
	}

	p := s.blocks[index]

	return s.slice(p.Address, p.Length)
}

func (s *Store) slice(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(s.data)) {
		return nil, fmt.Errorf("%w: range %d+%d beyond %d bytes", ErrFormat, offset, length, len(s.data))
	}

	return s.data[offset:end], nil
}

// Decode parses data and returns its path records.
func Decode(data []byte) ([]Entry, error) {
	s, err := Read(data)
	if err != nil {
		return nil, err
	}

	return s.Entries()
}
