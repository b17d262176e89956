package cpio

import (
	"fmt"
	"io"
	"strconv"
)

// Writer writes an odc cpio archive.
type Writer struct {
	// w receives the archive bytes.
	w io.Writer
	// remaining is the number of data bytes still owed to the current entry.
	remaining int64
	// closed is set after the trailer was written.
	closed bool
}

// NewWriter creates a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes h and prepares to accept h.Size bytes of data.
func (w *Writer) WriteHeader(h *Header) error {
	if w.remaining > 0 {
		return ErrShortEntry
	}

	buf, err := marshalHeader(h)
	if err != nil {
		return err
	}

	if _, err = w.w.Write(buf); err != nil {
		return err
	}

	w.remaining = h.Size

	return nil
}

// Write writes data for the current entry.
func (w *Writer) Write(p []byte) (int, error) {
	if int64(len(p)) > w.remaining {
		return 0, ErrWriteTooLong
	}

	n, err := w.w.Write(p)
	w.remaining -= int64(n)

	return n, err
}

// Close writes the trailer entry. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	if err := w.WriteHeader(&Header{Name: trailerName, Links: 1}); err != nil {
		return err
	}

	w.closed = true

	return nil
}

// marshalHeader renders h followed by its NUL-terminated name.
func marshalHeader(h *Header) ([]byte, error) {
	nameSize := len(h.Name) + 1

	var mtime int64
	if !h.ModTime.IsZero() {
		mtime = h.ModTime.Unix()
	}

	fields := []struct {
		name  string
		value int64
		width int
	}{
		{"dev", 0, 6},
		{"ino", int64(h.Inode), 6},
		{"mode", int64(h.Mode), 6},
		{"uid", int64(h.UID), 6},
		{"gid", int64(h.GID), 6},
		{"nlink", int64(h.Links), 6},
		{"rdev", 0, 6},
		{"mtime", mtime, 11},
		{"namesize", int64(nameSize), 6},
		{"filesize", h.Size, 11},
	}

	buf := make([]byte, 0, headerSize+nameSize)
	buf = append(buf, magic...)

	for _, f := range fields {
		limit := int64(maxSmallField)
		if f.width == 11 {
			limit = maxLargeField
		}

		if f.value < 0 || f.value > limit {
			return nil, fmt.Errorf("%w: %s=%d in %q", ErrFieldOverflow, f.name, f.value, h.Name)
		}

		digits := strconv.FormatInt(f.value, 8)
		for i := len(digits); i < f.width; i++ {
			buf = append(buf, '0')
		}

		buf = append(buf, digits...)
	}

	buf = append(buf, h.Name...)
	buf = append(buf, 0)

	return buf, nil
}
