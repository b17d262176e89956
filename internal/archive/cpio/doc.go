// Package cpio reads and writes POSIX odc ("070707") cpio archives, the
// format of the Payload and Scripts members of a flat package.
//
// Writer and Reader work like archive/tar: a header followed by the entry
// data. Codec walks a directory into a gzip-compressed archive with forced
// ownership and decodes such archives back into entries or a directory tree.
package cpio
