package xar

import (
	"encoding/xml"
	"errors"
	"time"
)

const (
	magic         = 0x78617221 // xar!
	headerSize    = 28
	formatVersion = 1

	// checksumSize is the size of the SHA-1 table of contents checksum at heap offset 0.
	checksumSize = 20

	styleSHA1   = "sha1"
	styleSHA256 = "sha256"
	styleRSA    = "RSA"

	encodingOctetStream = "application/octet-stream"
	encodingGzip        = "application/x-gzip"
	encodingBzip2       = "application/x-bzip2"

	typeFile    = "file"
	typeDir     = "directory"
	typeSymlink = "symlink"

	xmldsigNamespace = "http://www.w3.org/2000/09/xmldsig#"

	timeLayout = "2006-01-02T15:04:05Z"
)

// hashType is the checksum algorithm recorded in the header.
type hashType uint32

const (
	hashNone hashType = iota
	hashSHA1
)

var (
	// ErrFormat is returned for malformed containers.
	ErrFormat = errors.New("xar: malformed container")
	// ErrChecksum is returned when stored and computed checksums differ.
	ErrChecksum = errors.New("xar: checksum mismatch")
	// ErrNotExist is returned for unknown member names.
	ErrNotExist = errors.New("xar: no such member")
	// ErrUnsigned is returned when a signature operation meets a container without a signature slot.
	ErrUnsigned = errors.New("xar: container has no signature")
	// ErrSignatureSize is returned when an injected signature does not fill the reserved slot.
	ErrSignatureSize = errors.New("xar: signature does not match the reserved size")

	errUnsafePath   = errors.New("xar: unsafe member path")
	errEncoding     = errors.New("xar: unsupported encoding")
	errMemberExists = errors.New("xar: member already exists")
)

type fileHeader struct {
	Magic            uint32
	HeaderSize       uint16
	Version          uint16
	CompressedSize   uint64
	UncompressedSize uint64
	HashType         hashType
}

type tocXar struct {
	XMLName xml.Name `xml:"xar"`
	TOC     tocToc   `xml:"toc"`
}

type tocToc struct {
	CreationTime string        `xml:"creation-time"`
	Checksum     tocChecksum   `xml:"checksum"`
	Signature    *tocSignature `xml:"signature,omitempty"`
	Files        []*tocFile    `xml:"file"`
}

type tocChecksum struct {
	Style  string `xml:"style,attr"`
	Offset int64  `xml:"offset"`
	Size   int64  `xml:"size"`
}

type tocSignature struct {
	Style   string     `xml:"style,attr"`
	Offset  int64      `xml:"offset"`
	Size    int64      `xml:"size"`
	KeyInfo tocKeyInfo `xml:"KeyInfo"`
}

type tocKeyInfo struct {
	XMLName      xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	Certificates []string `xml:"X509Data>X509Certificate"`
}

type tocFile struct {
	ID    string     `xml:"id,attr"`
	Name  string     `xml:"name"`
	Type  string     `xml:"type"`
	Mode  string     `xml:"mode,omitempty"`
	UID   int        `xml:"uid"`
	GID   int        `xml:"gid"`
	User  string     `xml:"user,omitempty"`
	Group string     `xml:"group,omitempty"`
	Mtime string     `xml:"mtime,omitempty"`
	Link  *tocLink   `xml:"link,omitempty"`
	Data  *tocData   `xml:"data,omitempty"`
	Files []*tocFile `xml:"file"`
}

type tocLink struct {
	Type   string `xml:"type,attr"`
	Target string `xml:",chardata"`
}

type tocData struct {
	Length            int64       `xml:"length"`
	Offset            int64       `xml:"offset"`
	Size              int64       `xml:"size"`
	Encoding          tocEncoding `xml:"encoding"`
	ArchivedChecksum  tocFileSum  `xml:"archived-checksum"`
	ExtractedChecksum tocFileSum  `xml:"extracted-checksum"`
}

type tocEncoding struct {
	Style string `xml:"style,attr"`
}

type tocFileSum struct {
	Style  string `xml:"style,attr"`
	Digest string `xml:",chardata"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// walkFiles calls fn for every entry of files in document order with its slash path.
func walkFiles(files []*tocFile, prefix string, fn func(name string, f *tocFile) error) error {
	for _, f := range files {
		name := f.Name
		if prefix != "" {
			name = prefix + "/" + f.Name
		}

		if err := fn(name, f); err != nil {
			return err
		}

		if err := walkFiles(f.Files, name, fn); err != nil {
			return err
		}
	}

	return nil
}
