package xar

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha1" //nolint:gosec // SHA-1 is the checksum algorithm of the container format.
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

// maxTOCSize bounds the decompressed table of contents.
const maxTOCSize = 64 << 20

// File describes one container member.
type File struct {
	// Name is the slash-separated path of the member.
	Name string
	// Type is "file", "directory" or "symlink".
	Type string
	// Mode holds the permission bits.
	Mode fs.FileMode
	// UID is the recorded owner.
	UID int
	// GID is the recorded group.
	GID int
	// ModTime is the recorded modification time.
	ModTime time.Time
	// Size is the extracted size of a regular file.
	Size int64
	// LinkTarget is the target of a symlink.
	LinkTarget string
}

// Archive is a parsed container held in memory.
type Archive struct {
	data       []byte
	compressed []byte
	heapStart  int64
	toc        *tocToc
}

// Open parses data and verifies the table of contents checksum.
func Open(data []byte) (*Archive, error) {
	a, err := parse(data)
	if err != nil {
		return nil, build.NewStageError(build.StageContainer, fmt.Errorf("open container: %w", err))
	}

	return a, nil
}

// OpenFile is Open on the contents of the file at path.
func OpenFile(path string) (*Archive, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, build.NewStageError(build.StageContainer, fmt.Errorf("read %s: %w", path, err))
	}

	return Open(data)
}

func parse(data []byte) (*Archive, error) {
	var header fileHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}

	if header.Magic != magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrFormat, header.Magic)
	}

	if header.HeaderSize < headerSize || header.UncompressedSize > maxTOCSize {
		return nil, fmt.Errorf("%w: bad header", ErrFormat)
	}

	if uint64(header.HeaderSize) > uint64(len(data)) ||
		header.CompressedSize > uint64(len(data))-uint64(header.HeaderSize) {
		return nil, fmt.Errorf("%w: truncated table of contents", ErrFormat)
	}

	tocEnd := uint64(header.HeaderSize) + header.CompressedSize

	compressed := data[header.HeaderSize:tocEnd]

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: toc: %w", ErrFormat, err)
	}

	raw, err := io.ReadAll(io.LimitReader(zr, maxTOCSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: toc: %w", ErrFormat, err)
	}

	if uint64(len(raw)) != header.UncompressedSize {
		return nil, fmt.Errorf("%w: toc size %d, header says %d", ErrFormat, len(raw), header.UncompressedSize)
	}

	var doc tocXar
	if err = xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: toc: %w", ErrFormat, err)
	}

	a := &Archive{
		data:       data,
		compressed: compressed,
		heapStart:  int64(tocEnd), //nolint:gosec // Bounded by len(data).
		toc:        &doc.TOC,
	}

	if err = a.verifyChecksum(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Archive) verifyChecksum() error {
	c := a.toc.Checksum

	var h hash.Hash

	switch c.Style {
	case styleSHA1:
		h = sha1.New() //nolint:gosec // Format checksum.
	case styleSHA256:
		h = sha256.New()
	case "", "none":
		return nil
	default:
		return fmt.Errorf("%w: checksum style %q", errEncoding, c.Style)
	}

	stored, err := a.heap(c.Offset, c.Size)
	if err != nil {
		return err
	}

	h.Write(a.compressed)

	if !bytes.Equal(stored, h.Sum(nil)) {
		return fmt.Errorf("%w: table of contents", ErrChecksum)
	}

	return nil
}

// Files lists every member in table of contents order, parents first.
func (a *Archive) Files() []File {
	var files []File

	_ = walkFiles(a.toc.Files, "", func(name string, f *tocFile) error {
		files = append(files, describe(name, f))

		return nil
	})

	return files
}

// Members lists the names of the top-level members.
func (a *Archive) Members() []string {
	names := make([]string, 0, len(a.toc.Files))
	for _, f := range a.toc.Files {
		names = append(names, f.Name)
	}

	return names
}

// ReadFile returns the extracted content of the regular file name.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	f, err := a.lookup(name)
	if err != nil {
		return nil, err
	}

	if f.Type != typeFile {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotExist, name, f.Type)
	}

	return a.content(name, f)
}

// Signature returns the bytes of the signature slot.
func (a *Archive) Signature() ([]byte, error) {
	s := a.toc.Signature
	if s == nil {
		return nil, ErrUnsigned
	}

	return a.heap(s.Offset, s.Size)
}

// SignatureSize returns the size of the signature slot, or zero for unsigned containers.
func (a *Archive) SignatureSize() int {
	if a.toc.Signature == nil {
		return 0
	}

	return int(a.toc.Signature.Size)
}

// Certificates returns the embedded certificates, leaf first.
func (a *Archive) Certificates() ([]*x509.Certificate, error) {
	s := a.toc.Signature
	if s == nil {
		return nil, ErrUnsigned
	}

	certs := make([]*x509.Certificate, 0, len(s.KeyInfo.Certificates))

	for _, encoded := range s.KeyInfo.Certificates {
		der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %w", ErrFormat, err)
		}

		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %w", ErrFormat, err)
		}

		certs = append(certs, cert)
	}

	return certs, nil
}

// ExtractTo recreates every member below dir.
// Writes go through an os.Root, so symlinks in the container cannot redirect them outside dir.
func (a *Archive) ExtractTo(dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("extract to %s: %w", dir, err))
	}

	defer func() {
		_ = root.Close()
	}()

	err = walkFiles(a.toc.Files, "", func(name string, f *tocFile) error {
		rel, err := memberPath(name)
		if err != nil {
			return err
		}

		mode := parseMode(f.Mode)

		switch f.Type {
		case typeDir:
			if err = root.MkdirAll(rel, 0o700); err != nil {
				return err
			}

			return root.Chmod(rel, mode|0o700)
		case typeSymlink:
			if f.Link == nil {
				return fmt.Errorf("%w: symlink %s without target", ErrFormat, name)
			}

			return root.Symlink(f.Link.Target, rel)
		case typeFile:
			data, err := a.content(name, f)
			if err != nil {
				return err
			}

			if err = root.WriteFile(rel, data, mode); err != nil {
				return err
			}

			return root.Chmod(rel, mode)
		default:
			return fmt.Errorf("%w: member %s has type %q", ErrFormat, name, f.Type)
		}
	})
	if err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("extract to %s: %w", dir, err))
	}

	return nil
}

func (a *Archive) lookup(name string) (*tocFile, error) {
	var found *tocFile

	_ = walkFiles(a.toc.Files, "", func(n string, f *tocFile) error {
		if found == nil && n == name {
			found = f
		}

		return nil
	})

	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}

	return found, nil
}

// content reads, verifies and decodes the data of f.
func (a *Archive) content(name string, f *tocFile) ([]byte, error) {
	if f.Data == nil {
		return []byte{}, nil
	}

	archived, err := a.heap(f.Data.Offset, f.Data.Length)
	if err != nil {
		return nil, err
	}

	if err = verifyDigest(f.Data.ArchivedChecksum, archived); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var r io.Reader

	switch f.Data.Encoding.Style {
	case encodingOctetStream, "":
		return archived, nil
	case encodingGzip:
		// The gzip encoding of the format is a zlib stream.
		zr, err := zlib.NewReader(bytes.NewReader(archived))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		r = zr
	case encodingBzip2:
		r = bzip2.NewReader(bytes.NewReader(archived))
	default:
		return nil, fmt.Errorf("%w: %s uses %q", errEncoding, name, f.Data.Encoding.Style)
	}

	extracted, err := io.ReadAll(io.LimitReader(r, f.Data.Size+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	if int64(len(extracted)) != f.Data.Size {
		return nil, fmt.Errorf("%w: %s decodes to %d bytes, want %d", ErrFormat, name, len(extracted), f.Data.Size)
	}

	if err = verifyDigest(f.Data.ExtractedChecksum, extracted); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return extracted, nil
}

func (a *Archive) heap(offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 || offset > int64(len(a.data))-a.heapStart-size {
		return nil, fmt.Errorf("%w: heap range %d+%d out of bounds", ErrFormat, offset, size)
	}

	start := a.heapStart + offset

	return a.data[start : start+size], nil
}

func verifyDigest(sum tocFileSum, data []byte) error {
	var h hash.Hash

	switch sum.Style {
	case styleSHA1:
		h = sha1.New() //nolint:gosec // Format checksum.
	case styleSHA256:
		h = sha256.New()
	default:
		return nil
	}

	h.Write(data)

	if !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), strings.TrimSpace(sum.Digest)) {
		return ErrChecksum
	}

	return nil
}

func describe(name string, f *tocFile) File {
	file := File{
		Name: name,
		Type: f.Type,
		Mode: parseMode(f.Mode),
		UID:  f.UID,
		GID:  f.GID,
	}

	if t, err := time.Parse(timeLayout, f.Mtime); err == nil {
		file.ModTime = t
	}

	if f.Data != nil {
		file.Size = f.Data.Size
	}

	if f.Link != nil {
		file.LinkTarget = f.Link.Target
	}

	return file
}

func parseMode(s string) fs.FileMode {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0o644
	}

	return fs.FileMode(mode).Perm()
}

// memberPath converts a member name into a relative path and rejects escapes.
func memberPath(name string) (string, error) {
	rel := path.Clean(name)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}

	return filepath.FromSlash(rel), nil
}

// safeJoin resolves a member name below dir and rejects escapes.
func safeJoin(dir, name string) (string, error) {
	rel, err := memberPath(name)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, rel), nil
}
