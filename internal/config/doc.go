// Package config defines the YAML build settings shared by the flatpkg
// binaries and provides helpers to load, validate and save them.
//
// A Config names the template tree, the package identity, the optional
// signing material and product archive, and the server listener settings.
package config
