package cpio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"
)

// maxNameSize bounds entry names read from untrusted archives.
const maxNameSize = 4096

// Reader reads an odc cpio archive.
type Reader struct {
	// r is the buffered source.
	r *bufio.Reader
	// remaining is the unread data of the current entry.
	remaining int64
	// done is set once the trailer was read.
	done bool
}

// NewReader creates a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next advances to the next entry, skipping unread data. It returns io.EOF after the trailer.
func (r *Reader) Next() (*Header, error) {
	if r.done {
		return nil, io.EOF
	}

	if r.remaining > 0 {
		if _, err := io.CopyN(io.Discard, r.r, r.remaining); err != nil {
			return nil, unexpected(err)
		}

		r.remaining = 0
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, raw); err != nil {
		return nil, unexpected(err)
	}

	if string(raw[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrHeader, raw[:len(magic)])
	}

	var (
		values [10]int64
		offset = len(magic)
	)

	for i, width := range []int{6, 6, 6, 6, 6, 6, 6, 11, 6, 11} {
		v, err := strconv.ParseInt(string(raw[offset:offset+width]), 8, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHeader, err)
		}

		values[i] = v
		offset += width
	}

	nameSize := values[8]
	if nameSize < 1 || nameSize > maxNameSize {
		return nil, fmt.Errorf("%w: name size %d", ErrHeader, nameSize)
	}

	name := make([]byte, nameSize)
	if _, err := io.ReadFull(r.r, name); err != nil {
		return nil, unexpected(err)
	}

	if name[nameSize-1] != 0 {
		return nil, fmt.Errorf("%w: name is not NUL-terminated", ErrHeader)
	}

	h := &Header{
		Name:    string(name[:nameSize-1]),
		Inode:   int(values[1]),
		Mode:    uint32(values[2]),
		UID:     int(values[3]),
		GID:     int(values[4]),
		Links:   int(values[5]),
		ModTime: time.Unix(values[7], 0),
		Size:    values[9],
	}

	if h.Name == trailerName {
		r.done = true

		return nil, io.EOF
	}

	r.remaining = h.Size

	return h, nil
}

// Read reads data of the current entry.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.r.Read(p)
	r.remaining -= int64(n)

	if err == io.EOF && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}

	return n, err
}

// unexpected turns a bare io.EOF inside an entry into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}

	return err
}
