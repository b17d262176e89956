package xar

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is the checksum algorithm of the container format.
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

const (
	// DefaultUser is the owner name recorded for every member.
	DefaultUser = "root"
	// DefaultGroup is the group name recorded for every member.
	DefaultGroup = "wheel"
)

// Options tune Assemble.
type Options struct {
	// Certificates are DER certificates, leaf first. When set, a signature slot
	// of SignatureSize zero bytes is reserved.
	Certificates [][]byte
	// SignatureSize is the size of the reserved signature slot.
	SignatureSize int
	// CreationTime is recorded in the table of contents; the current time when zero.
	CreationTime time.Time
}

// member is a regular file whose data goes into the heap.
type member struct {
	source string
	data   *tocData
}

// Assemble packs the tree under dir into a container written to w. Top-level
// entries of dir become top-level members.
func Assemble(ctx context.Context, dir string, w io.Writer, opts *Options) error {
	if err := assemble(ctx, dir, w, opts); err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("assemble %s: %w", dir, err))
	}

	return nil
}

// AssembleFile is Assemble writing to a new file at dst.
func AssembleFile(ctx context.Context, dir, dst string, opts *Options) error {
	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("create %s: %w", dst, err))
	}

	if err = Assemble(ctx, dir, out, opts); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("close %s: %w", dst, err))
	}

	return nil
}

func assemble(ctx context.Context, dir string, w io.Writer, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}

	s := &scanner{ctx: ctx}

	files, err := s.scan(dir)
	if err != nil {
		return err
	}

	toc := newTOC(opts.CreationTime)
	toc.Files = files

	if len(opts.Certificates) > 0 {
		if opts.SignatureSize <= 0 {
			return fmt.Errorf("%w: signature size %d", ErrFormat, opts.SignatureSize)
		}

		toc.Signature = newSignature(opts.Certificates, opts.SignatureSize)
	}

	offset := heapDataStart(toc)
	for _, m := range s.members {
		m.data.Offset = offset
		offset += m.data.Length
	}

	compressed, size, err := compressTOC(toc)
	if err != nil {
		return err
	}

	if err = writePrefix(w, compressed, size, toc); err != nil {
		return err
	}

	for _, m := range s.members {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = copyMember(w, m); err != nil {
			return err
		}
	}

	return nil
}

// scanner builds table of contents entries for a directory tree.
type scanner struct {
	ctx     context.Context //nolint:containedctx // Scoped to one scan.
	nextID  int
	members []*member
}

func (s *scanner) scan(dir string) ([]*tocFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]*tocFile, 0, len(entries))

	for _, entry := range entries {
		if err = s.ctx.Err(); err != nil {
			return nil, err
		}

		f, err := s.describe(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		files = append(files, f)
	}

	return files, nil
}

func (s *scanner) describe(p string) (*tocFile, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}

	s.nextID++

	f := &tocFile{
		ID:    strconv.Itoa(s.nextID),
		Name:  info.Name(),
		Mode:  fmt.Sprintf("%04o", info.Mode().Perm()),
		User:  DefaultUser,
		Group: DefaultGroup,
		Mtime: formatTime(info.ModTime()),
	}

	switch {
	case info.IsDir():
		f.Type = typeDir

		if f.Files, err = s.scan(p); err != nil {
			return nil, err
		}
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}

		f.Type = typeSymlink
		f.Link = &tocLink{Type: typeFile, Target: target}
	case info.Mode().IsRegular():
		sum, err := fileSHA1(p)
		if err != nil {
			return nil, err
		}

		f.Type = typeFile
		f.Data = &tocData{
			Length:            info.Size(),
			Size:              info.Size(),
			Encoding:          tocEncoding{Style: encodingOctetStream},
			ArchivedChecksum:  tocFileSum{Style: styleSHA1, Digest: sum},
			ExtractedChecksum: tocFileSum{Style: styleSHA1, Digest: sum},
		}

		s.members = append(s.members, &member{source: p, data: f.Data})
	default:
		return nil, fmt.Errorf("%w: %s is not a file, directory or symlink", ErrFormat, p)
	}

	return f, nil
}

func newTOC(created time.Time) *tocToc {
	if created.IsZero() {
		created = time.Now()
	}

	return &tocToc{
		CreationTime: formatTime(created),
		Checksum:     tocChecksum{Style: styleSHA1, Offset: 0, Size: checksumSize},
	}
}

func newSignature(certificates [][]byte, size int) *tocSignature {
	encoded := make([]string, 0, len(certificates))
	for _, der := range certificates {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(der))
	}

	return &tocSignature{
		Style:   styleRSA,
		Offset:  checksumSize,
		Size:    int64(size),
		KeyInfo: tocKeyInfo{Certificates: encoded},
	}
}

// heapDataStart is the first heap offset after the checksum and signature slots.
func heapDataStart(toc *tocToc) int64 {
	start := toc.Checksum.Offset + toc.Checksum.Size
	if toc.Signature != nil {
		start = max(start, toc.Signature.Offset+toc.Signature.Size)
	}

	return start
}

// compressTOC renders the table of contents and returns it zlib-compressed with its raw size.
func compressTOC(toc *tocToc) ([]byte, int, error) {
	raw, err := xml.MarshalIndent(&tocXar{TOC: *toc}, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("marshal toc: %w", err)
	}

	raw = append([]byte(xml.Header), raw...)

	var buf bytes.Buffer

	zw := zlib.NewWriter(&buf)
	if _, err = zw.Write(raw); err != nil {
		return nil, 0, fmt.Errorf("compress toc: %w", err)
	}

	if err = zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("compress toc: %w", err)
	}

	return buf.Bytes(), len(raw), nil
}

// writePrefix writes the header, the compressed table of contents, its checksum
// and a zeroed signature slot.
func writePrefix(w io.Writer, compressed []byte, size int, toc *tocToc) error {
	header := fileHeader{
		Magic:            magic,
		HeaderSize:       headerSize,
		Version:          formatVersion,
		CompressedSize:   uint64(len(compressed)),
		UncompressedSize: uint64(size), //nolint:gosec // Non-negative.
		HashType:         hashSHA1,
	}

	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write toc: %w", err)
	}

	sum := sha1.Sum(compressed) //nolint:gosec // Format checksum.

	heap := make([]byte, heapDataStart(toc))
	copy(heap[toc.Checksum.Offset:], sum[:])

	if _, err := w.Write(heap); err != nil {
		return fmt.Errorf("write heap: %w", err)
	}

	return nil
}

func copyMember(w io.Writer, m *member) error {
	f, err := os.Open(filepath.Clean(m.source))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	if _, err = io.CopyN(w, f, m.data.Length); err != nil {
		return fmt.Errorf("copy %s: %w", m.source, err)
	}

	return nil
}

func fileSHA1(p string) (string, error) {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = f.Close()
	}()

	h := sha1.New() //nolint:gosec // Format checksum.
	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
