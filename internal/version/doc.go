// Package version exposes build metadata for the flatpkg binaries.
//
// Version, Commit and BuildTime are injected via Go ldflags. UserAgent is sent
// by the gRPC client and stamped on build responses so both ends of a remote
// build can be matched in logs.
package version
