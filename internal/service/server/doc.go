// Package server runs flatpkg-server, the gRPC front end of the package builder.
package server
