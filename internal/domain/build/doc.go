// Package build contains the core domain types of the package pipeline.
//
// It defines Request (what to build), Credential (how to sign), Manifest
// (the rendered PackageInfo counters), Result (the bytes handed back to the
// caller) and StageError, the error carried out of every failing stage.
package build
