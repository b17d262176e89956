package cpio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

const (
	// InstallerUID is the owner forced on every installed entry (root).
	InstallerUID = 0
	// InstallerGID is the group forced on every installed entry (admin).
	InstallerGID = 80

	// rootName is the name of the archived source directory itself.
	rootName = "."
)

// errUnsafePath is returned when an archived name escapes the extraction directory.
var errUnsafePath = errors.New("cpio: unsafe entry path")

// Entry is a decoded archive member.
type Entry struct {
	Header

	// Data is the content of a regular file.
	Data []byte
	// LinkTarget is the target of a symbolic link.
	LinkTarget string
}

// Codec encodes directory trees as gzip-compressed odc archives.
type Codec struct {
	// UID is written as the owner of every entry.
	UID int
	// GID is written as the group of every entry.
	GID int
	// Level is the gzip compression level.
	Level int
}

// NewCodec returns a Codec forcing the installer ownership convention (0:80).
func NewCodec() *Codec {
	return &Codec{
		UID:   InstallerUID,
		GID:   InstallerGID,
		Level: gzip.DefaultCompression,
	}
}

// Encode archives every entry under sourceDir, "." first, depth-first in lexical
// order, and writes the gzip-compressed stream to w.
func (c *Codec) Encode(ctx context.Context, sourceDir string, w io.Writer) error {
	if err := c.encode(ctx, sourceDir, w); err != nil {
		return build.NewStageError(build.StageArchive, fmt.Errorf("encode %s: %w", sourceDir, err))
	}

	return nil
}

// EncodeFile is Encode writing to a new file at dst.
func (c *Codec) EncodeFile(ctx context.Context, sourceDir, dst string) error {
	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return build.NewStageError(build.StageArchive, fmt.Errorf("create %s: %w", dst, err))
	}

	if err = c.Encode(ctx, sourceDir, out); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return build.NewStageError(build.StageArchive, fmt.Errorf("close %s: %w", dst, err))
	}

	return nil
}

func (c *Codec) encode(ctx context.Context, sourceDir string, w io.Writer) error {
	zw, err := gzip.NewWriterLevel(w, c.Level)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}

	cw := NewWriter(zw)
	inode := 0

	err = filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err = ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}

		inode++

		return c.writeEntry(cw, p, archiveName(rel), inode, d)
	})
	if err != nil {
		return err
	}

	if err = cw.Close(); err != nil {
		return err
	}

	return zw.Close()
}

// writeEntry writes the header and data of one filesystem entry.
func (c *Codec) writeEntry(cw *Writer, p, name string, inode int, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	h := &Header{
		Name:    name,
		Mode:    UnixMode(info.Mode()),
		UID:     c.UID,
		GID:     c.GID,
		Inode:   inode,
		Links:   1,
		ModTime: info.ModTime(),
	}

	switch {
	case info.IsDir():
		h.Links = 2

		return cw.WriteHeader(h)
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}

		h.Size = int64(len(target))
		if err = cw.WriteHeader(h); err != nil {
			return err
		}

		_, err = io.WriteString(cw, target)

		return err
	case info.Mode().IsRegular():
		h.Size = info.Size()
		if err = cw.WriteHeader(h); err != nil {
			return err
		}

		return copyFileTo(cw, p, h.Size)
	default:
		// Devices, pipes and sockets carry no data.
		return cw.WriteHeader(h)
	}
}

// copyFileTo streams exactly size bytes of the file at p into w.
func copyFileTo(w io.Writer, p string, size int64) error {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	if _, err = io.CopyN(w, f, size); err != nil {
		return fmt.Errorf("copy %s: %w", p, err)
	}

	return nil
}

// Decode decompresses r and calls fn for every entry in archive order.
func (c *Codec) Decode(r io.Reader, fn func(*Entry) error) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}

	defer func() {
		_ = zr.Close()
	}()

	cr := NewReader(zr)

	for {
		h, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		entry := &Entry{Header: *h}

		if h.IsRegular() || h.IsSymlink() {
			data, err := io.ReadAll(cr)
			if err != nil {
				return fmt.Errorf("read %s: %w", h.Name, err)
			}

			if h.IsSymlink() {
				entry.LinkTarget = string(data)
			} else {
				entry.Data = data
			}
		}

		if err = fn(entry); err != nil {
			return err
		}
	}
}

// DecodeBytes decodes data and returns all entries.
func (c *Codec) DecodeBytes(data []byte) ([]*Entry, error) {
	var entries []*Entry

	err := c.Decode(bytes.NewReader(data), func(e *Entry) error {
		entries = append(entries, e)

		return nil
	})

	return entries, err
}

// Extract decodes r into dir, recreating directories, files and symlinks with their permissions.
// Ownership is not applied. Writes go through an os.Root, so archived symlinks cannot redirect them outside dir.
func (c *Codec) Extract(r io.Reader, dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}

	defer func() {
		_ = root.Close()
	}()

	return c.Decode(r, func(e *Entry) error {
		rel, err := entryPath(e.Name)
		if err != nil {
			return err
		}

		switch {
		case e.IsDir():
			if err = root.MkdirAll(rel, 0o700); err != nil {
				return err
			}

			return root.Chmod(rel, e.FileMode().Perm()|0o700)
		case e.IsSymlink():
			return root.Symlink(e.LinkTarget, rel)
		case e.IsRegular():
			if err = root.WriteFile(rel, e.Data, e.FileMode().Perm()); err != nil {
				return err
			}

			return root.Chmod(rel, e.FileMode().Perm())
		default:
			return nil
		}
	})
}

// archiveName converts a path relative to the source directory into the "./" form used by find(1).
func archiveName(rel string) string {
	if rel == rootName {
		return rootName
	}

	return "./" + filepath.ToSlash(rel)
}

// entryPath converts an archived name into a path relative to the extraction directory.
func entryPath(name string) (string, error) {
	rel := path.Clean(strings.TrimPrefix(name, "./"))
	if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}

	return filepath.FromSlash(rel), nil
}
