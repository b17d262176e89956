// Package xar reads and writes the outer container of flat installer packages.
//
// A container is a 28-byte big-endian header, a zlib-compressed XML table of
// contents and a heap. The heap starts with the SHA-1 checksum of the compressed
// table of contents, followed by an optional RSA signature slot and the member
// data, stored uncompressed.
//
// Signing is split in two passes: Reserve embeds the certificates and an
// all-zero slot of the probed size and returns the digest info to sign; Inject
// writes the real signature into the slot without touching anything else.
package xar
