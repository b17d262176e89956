// Package artifact stores finished packages.
//
// The FileRepository writes each artifact into an output directory next to a
// JSON build record and exposes a Repository interface that the CLI and the
// build server depend on.
package artifact
