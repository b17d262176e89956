package build

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names a step of the build pipeline.
type Stage string

const (
	// StageStaging copies the template tree into a workspace.
	StageStaging Stage = "staging"
	// StageTemplate renders PackageInfo.
	StageTemplate Stage = "template"
	// StageArchive encodes the Payload and Scripts archives.
	StageArchive Stage = "archive"
	// StageBom encodes the bill of materials.
	StageBom Stage = "bom"
	// StageContainer assembles, opens or reassembles an outer container.
	StageContainer Stage = "container"
	// StageManifestPatch edits the Distribution document of a product archive.
	StageManifestPatch Stage = "manifest_patch"
	// StageSigning computes and injects the signature.
	StageSigning Stage = "signing"
)

// Error kinds, matched with errors.Is against a StageError.
var (
	ErrStaging       = errors.New("staging failed")
	ErrTemplate      = errors.New("template rendering failed")
	ErrArchive       = errors.New("archive encoding failed")
	ErrBom           = errors.New("bom encoding failed")
	ErrContainer     = errors.New("container operation failed")
	ErrManifestPatch = errors.New("distribution patch failed")
	ErrSigning       = errors.New("signing failed")
)

// kinds maps each stage to its error kind.
//
//nolint:gochecknoglobals // Read-only lookup table.
var kinds = map[Stage]error{
	StageStaging:       ErrStaging,
	StageTemplate:      ErrTemplate,
	StageArchive:       ErrArchive,
	StageBom:           ErrBom,
	StageContainer:     ErrContainer,
	StageManifestPatch: ErrManifestPatch,
	StageSigning:       ErrSigning,
}

// StageError is returned by every pipeline stage.
type StageError struct {
	// Stage is the failing step.
	Stage Stage
	// Err is the underlying cause.
	Err error
	// Output is the diagnostic output of a failed external process, if any.
	Output string
}

// NewStageError wraps err as a failure of stage. A StageError passes through unchanged.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}

	var se *StageError
	if errors.As(err, &se) {
		return err
	}

	return &StageError{Stage: stage, Err: err}
}

// Error implements error.
func (e *StageError) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Stage))
	b.WriteString(": ")
	b.WriteString(e.Err.Error())

	if out := strings.TrimSpace(e.Output); out != "" {
		_, _ = fmt.Fprintf(&b, " (output: %s)", out)
	}

	return b.String()
}

// Unwrap exposes the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error kind of this stage.
func (e *StageError) Is(target error) bool {
	kind, ok := kinds[e.Stage]

	return ok && kind == target
}

// StageOf returns the failing stage of err, or "" when err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}

	return ""
}
