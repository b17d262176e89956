// Package builder implements the package build pipeline and the flatpkg entry point.
//
// A Builder stages a private copy of a template, renders PackageInfo, encodes
// the Payload, Scripts and Bom members, assembles the flat package, optionally
// merges it into a product archive and signs whichever container is final.
// The workspace is disposed on every exit path.
package builder
