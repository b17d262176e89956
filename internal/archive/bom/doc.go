// Package bom encodes and decodes bill-of-materials files ("BOMStore"),
// the path, permission and ownership manifest the macOS installer keeps for
// every installed package.
//
// The store is a block-indexed big-endian file: a 512-byte header, numbered
// blocks, a block index and named variables. The "Paths" variable points at a
// B-tree of path records; the "HLIndex", "Size64" and "VIndex" variables are
// written empty. File content is never stored, only its size and cksum CRC.
package bom
