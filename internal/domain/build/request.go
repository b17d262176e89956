package build

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// DefaultVersion is used when a request carries no version.
	DefaultVersion = "1.0"

	// PackageExtension is the suffix of every flat package and product archive.
	PackageExtension = ".pkg"

	// orgUnitPrefix is inserted between the identifier and the organizational-unit suffix.
	orgUnitPrefix = "bu_"
)

var (
	// tokenPattern matches one segment of a dot-separated identifier.
	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// ErrInvalidIdentifier is returned when the identifier is not a dot-separated token sequence.
	ErrInvalidIdentifier = errors.New("invalid package identifier")
	// ErrProductArchiveName is returned when a product archive is given without an output name.
	ErrProductArchiveName = errors.New("product archive name must be provided")
	// ErrIncompleteCredential is returned when only one half of a PEM credential pair is set.
	ErrIncompleteCredential = errors.New("certificate and private key must be provided together")
)

// Credential references the material used to sign a package.
// Either the PEM pair or the PKCS#12 bundle is used.
type Credential struct {
	// CertificatePath is a PEM file holding the signing certificate, optionally followed by its chain.
	CertificatePath string
	// PrivateKeyPath is a PEM file holding the RSA private key (PKCS#1 or PKCS#8).
	PrivateKeyPath string
	// PKCS12Path is a .p12 bundle holding both the certificate and the key.
	PKCS12Path string
	// PKCS12Password unlocks PKCS12Path.
	PKCS12Password string
}

// Complete reports whether the credential is usable for signing.
// A half-filled PEM pair is not complete, and signing is then skipped.
func (c *Credential) Complete() bool {
	if c == nil {
		return false
	}

	if c.PKCS12Path != "" {
		return true
	}

	return c.CertificatePath != "" && c.PrivateKeyPath != ""
}

// ProductArchive is an existing product archive the built package is merged into.
type ProductArchive struct {
	// Path points at the archive on disk. Ignored when Content is set.
	Path string
	// Content holds the archive bytes.
	Content []byte
	// Name is the filename of the merged result, e.g. "bundle.pkg".
	Name string
}

// Request describes one package build.
type Request struct {
	// Identifier is the dot-separated package identifier, e.g. "com.example.agent".
	Identifier string
	// Version is the package version, DefaultVersion when empty.
	Version string
	// OrgUnit is an optional suffix appended as ".bu_<OrgUnit>".
	OrgUnit string
	// PackageName is the filename of the built package, the identifier when empty.
	PackageName string
	// Credential enables signing when complete.
	Credential *Credential
	// ProductArchive enables the merge step when set.
	ProductArchive *ProductArchive
}

// Normalize fills defaults in place and validates the request.
func (r *Request) Normalize() error {
	r.Identifier = strings.TrimSpace(r.Identifier)
	r.Version = strings.TrimSpace(r.Version)
	r.OrgUnit = strings.TrimSpace(r.OrgUnit)

	if r.Version == "" {
		r.Version = DefaultVersion
	}

	if err := ValidateIdentifier(r.PackageIdentifier()); err != nil {
		return err
	}

	if r.PackageName == "" {
		r.PackageName = r.Identifier
	}

	r.PackageName = PackageFilename(r.PackageName)

	if r.Credential != nil && r.Credential.PKCS12Path == "" &&
		(r.Credential.CertificatePath == "") != (r.Credential.PrivateKeyPath == "") {
		return ErrIncompleteCredential
	}

	if r.ProductArchive != nil && strings.TrimSpace(r.ProductArchive.Name) == "" {
		return ErrProductArchiveName
	}

	return nil
}

// PackageIdentifier returns the identifier with the organizational-unit suffix applied.
func (r *Request) PackageIdentifier() string {
	if r.OrgUnit == "" {
		return r.Identifier
	}

	return r.Identifier + "." + orgUnitPrefix + r.OrgUnit
}

// Merging reports whether the build ends in a product archive.
func (r *Request) Merging() bool {
	return r.ProductArchive != nil
}

// Signing reports whether the build ends with a signature.
func (r *Request) Signing() bool {
	return r.Credential.Complete()
}

// ValidateIdentifier checks that identifier is a non-empty dot-separated token sequence.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}

	for _, token := range strings.Split(identifier, ".") {
		if !tokenPattern.MatchString(token) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
		}
	}

	return nil
}

// PackageFilename appends the .pkg extension when name lacks it.
func PackageFilename(name string) string {
	if strings.HasSuffix(name, PackageExtension) {
		return name
	}

	return name + PackageExtension
}

// ChoiceID returns the basename of a package filename with its extension stripped.
func ChoiceID(packageName string) string {
	base := filepath.Base(packageName)

	return strings.TrimSuffix(base, filepath.Ext(base))
}
