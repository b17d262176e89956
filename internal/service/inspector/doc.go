// Package inspector implements the inspect command of flatpkg.
//
// It opens a flat package or product archive, verifies its signature and
// reports the members, the embedded packages and the installer choices.
package inspector
