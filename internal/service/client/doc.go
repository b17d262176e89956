// Package client implements the remote build command of flatpkg.
//
// The command sends a build request to flatpkg-server, retries while the
// server is unavailable, and stores the returned artifact locally.
package client
