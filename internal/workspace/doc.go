// Package workspace materializes a build template into an ephemeral,
// uniquely named directory owned by exactly one build.
//
// Stage copies the template tree (modes and symlinks preserved) and Dispose
// removes everything the build produced. Callers defer Dispose right after a
// successful Stage so the directory never outlives the build.
package workspace
