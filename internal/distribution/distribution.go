package distribution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beevik/etree"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

// Filename is the name of the installer script inside a product archive.
const Filename = "Distribution"

const (
	tagChoicesOutline = "choices-outline"
	tagLine           = "line"
	tagChoice         = "choice"
	tagPkgRef         = "pkg-ref"
	tagBundleVersion  = "bundle-version"

	authRoot = "Root"
)

var (
	// ErrDuplicateChoice is returned when the document already offers a choice with the same id.
	ErrDuplicateChoice = errors.New("choice already exists")

	errNoRoot           = errors.New("document has no root element")
	errNoChoicesOutline = errors.New("document has no choices-outline element")
	errNotRegular       = errors.New("document is not a regular file")
)

// Choice describes the package offered by a new install choice.
type Choice struct {
	// Basename is the choice id, the package filename without its extension.
	Basename string
	// Identifier is the package identifier.
	Identifier string
	// InstallKB is the installed size in KiB.
	InstallKB string
	// Version is the package version.
	Version string
}

// AddChoice returns document with a choices-outline line, a choice, and the two
// package references for c appended.
func AddChoice(document []byte, c Choice) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, patchError(fmt.Errorf("parse document: %w", err))
	}

	script := doc.Root()
	if script == nil {
		return nil, patchError(errNoRoot)
	}

	outline := script.SelectElement(tagChoicesOutline)
	if outline == nil {
		return nil, patchError(errNoChoicesOutline)
	}

	if hasChoice(script, c.Basename) {
		return nil, patchError(fmt.Errorf("%w: %q", ErrDuplicateChoice, c.Basename))
	}

	line := outline.CreateElement(tagLine)
	line.CreateAttr("choice", c.Basename)

	choice := script.CreateElement(tagChoice)
	choice.CreateAttr("id", c.Basename)
	choice.CreateAttr("title", c.Basename+" title")
	choice.CreateAttr("description", c.Basename+" description")
	choice.CreateElement(tagPkgRef).CreateAttr("id", c.Identifier)

	ref := script.CreateElement(tagPkgRef)
	ref.CreateAttr("id", c.Identifier)
	ref.CreateAttr("installKBytes", c.InstallKB)
	ref.CreateAttr("version", c.Version)
	ref.CreateAttr("auth", authRoot)
	ref.SetText("#" + c.Basename + build.PackageExtension)

	bundle := script.CreateElement(tagPkgRef)
	bundle.CreateAttr("id", c.Identifier)
	bundle.CreateElement(tagBundleVersion)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, patchError(fmt.Errorf("write document: %w", err))
	}

	return out, nil
}

// PatchFile applies AddChoice to the document at path in place.
func PatchFile(path string, c Choice) error {
	path = filepath.Clean(path)

	info, err := os.Lstat(path)
	if err != nil {
		return patchError(err)
	}

	if !info.Mode().IsRegular() {
		return patchError(fmt.Errorf("%w: %s", errNotRegular, path))
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return patchError(err)
	}

	patched, err := AddChoice(document, c)
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return patchError(err)
	}

	return nil
}

// Choices lists the ids of the choice elements of document.
func Choices(document []byte) ([]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, patchError(fmt.Errorf("parse document: %w", err))
	}

	script := doc.Root()
	if script == nil {
		return nil, patchError(errNoRoot)
	}

	elements := script.SelectElements(tagChoice)
	ids := make([]string, 0, len(elements))

	for _, e := range elements {
		ids = append(ids, e.SelectAttrValue("id", ""))
	}

	return ids, nil
}

func hasChoice(script *etree.Element, id string) bool {
	for _, e := range script.SelectElements(tagChoice) {
		if e.SelectAttrValue("id", "") == id {
			return true
		}
	}

	return false
}

func patchError(err error) error {
	return build.NewStageError(build.StageManifestPatch, err)
}
