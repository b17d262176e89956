package bom

import "io"

// cksumPoly is the CRC-32 polynomial of POSIX cksum, processed MSB first.
const cksumPoly = 0x04C11DB7

//nolint:gochecknoglobals // Lookup table computed once.
var cksumTable = makeCksumTable()

func makeCksumTable() [256]uint32 {
	var table [256]uint32

	for i := range table {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ cksumPoly
			} else {
				c <<= 1
			}
		}

		table[i] = c
	}

	return table
}

// cksumHash accumulates the POSIX cksum CRC.
type cksumHash struct {
	crc    uint32
	length uint64
}

// Write implements io.Writer.
func (h *cksumHash) Write(p []byte) (int, error) {
	for _, b := range p {
		h.crc = h.crc<<8 ^ cksumTable[byte(h.crc>>24)^b]
	}

	h.length += uint64(len(p))

	return len(p), nil
}

// Sum32 folds in the length, as cksum(1) does, and returns the final value.
func (h *cksumHash) Sum32() uint32 {
	crc := h.crc
	for n := h.length; n > 0; n >>= 8 {
		crc = crc<<8 ^ cksumTable[byte(crc>>24)^byte(n)]
	}

	return ^crc
}

// cksum returns the POSIX cksum of everything read from r.
func cksum(r io.Reader) (uint32, error) {
	var h cksumHash
	if _, err := io.Copy(&h, r); err != nil {
		return 0, err
	}

	return h.Sum32(), nil
}
