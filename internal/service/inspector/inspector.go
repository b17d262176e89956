package inspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/flatpkg/internal/archive/bom"
	"github.com/oshokin/flatpkg/internal/archive/cpio"
	"github.com/oshokin/flatpkg/internal/distribution"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/pkginfo"
	"github.com/oshokin/flatpkg/internal/xar"
)

// Options configures the inspect command.
type Options struct {
	// Path is the package to inspect.
	Path string
	// Out receives the YAML report.
	Out io.Writer
}

// Report describes one flat package or product archive.
type Report struct {
	Path          string    `yaml:"path"`
	Members       []string  `yaml:"members"`
	Signed        bool      `yaml:"signed"`
	SignatureSize int       `yaml:"signature_size,omitempty"`
	Certificates  []string  `yaml:"certificates,omitempty"`
	Verified      bool      `yaml:"verified"`
	VerifyError   string    `yaml:"verify_error,omitempty"`
	Choices       []string  `yaml:"choices,omitempty"`
	Packages      []Package `yaml:"packages"`
}

// Package describes a component package found in the container.
type Package struct {
	Member         string `yaml:"member"`
	Identifier     string `yaml:"identifier"`
	Version        string `yaml:"version"`
	InstallKBytes  int64  `yaml:"install_kbytes"`
	NumberOfFiles  int    `yaml:"number_of_files"`
	BomEntries     int    `yaml:"bom_entries"`
	PayloadEntries int    `yaml:"payload_entries"`
}

const (
	packageInfoMember  = "PackageInfo"
	bomMember          = "Bom"
	payloadMember      = "Payload"
	distributionMember = distribution.Filename
)

// errPathRequired is returned when no package path is given.
var errPathRequired = errors.New("package path must be provided")

// Run inspects opts.Path and writes the report to opts.Out.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "flatpkg-inspect")
	// The report usually shares stdout with the logger, keep only problems.
	ctx = logger.ContextWithLevel(ctx, zapcore.WarnLevel)

	report, err := Inspect(opts.Path)
	if err != nil {
		return err
	}

	if report.VerifyError != "" {
		logger.WarnKV(ctx, "Signature verification failed", "path", report.Path, "error", report.VerifyError)
	}

	encoder := yaml.NewEncoder(opts.Out)
	encoder.SetIndent(2)

	if err = encoder.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return encoder.Close()
}

// Inspect opens the container at p and describes it.
func Inspect(p string) (*Report, error) {
	if p == "" {
		return nil, errPathRequired
	}

	data, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}

	archive, err := xar.Open(data)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Path:          p,
		Members:       archive.Members(),
		SignatureSize: archive.SignatureSize(),
		Signed:        archive.SignatureSize() > 0,
	}

	if report.Signed {
		if err = describeSignature(data, archive, report); err != nil {
			return nil, err
		}
	}

	if document, err := archive.ReadFile(distributionMember); err == nil {
		if report.Choices, err = distribution.Choices(document); err != nil {
			return nil, err
		}
	}

	for _, prefix := range packagePrefixes(archive) {
		pkg, err := describePackage(archive, prefix)
		if err != nil {
			return nil, err
		}

		report.Packages = append(report.Packages, *pkg)
	}

	return report, nil
}

// describeSignature fills the certificate subjects and the verification outcome.
func describeSignature(data []byte, archive *xar.Archive, report *Report) error {
	certs, err := archive.Certificates()
	if err != nil {
		return err
	}

	for _, cert := range certs {
		report.Certificates = append(report.Certificates, cert.Subject.String())
	}

	if err = xar.Verify(data); err != nil {
		report.VerifyError = err.Error()

		return nil
	}

	report.Verified = true

	return nil
}

// packagePrefixes returns the directories holding a PackageInfo, "" for a flat package.
func packagePrefixes(archive *xar.Archive) []string {
	var prefixes []string

	for _, f := range archive.Files() {
		if path.Base(f.Name) != packageInfoMember {
			continue
		}

		prefix := strings.TrimSuffix(f.Name, packageInfoMember)
		if strings.Count(prefix, "/") > 1 {
			continue
		}

		prefixes = append(prefixes, prefix)
	}

	sort.Strings(prefixes)

	return prefixes
}

// describePackage parses the PackageInfo, Bom and Payload found below prefix.
func describePackage(archive *xar.Archive, prefix string) (*Package, error) {
	pkg := &Package{Member: strings.TrimSuffix(prefix, "/")}
	if pkg.Member == "" {
		pkg.Member = "."
	}

	data, err := archive.ReadFile(prefix + packageInfoMember)
	if err != nil {
		return nil, err
	}

	info, err := pkginfo.Parse(data)
	if err != nil {
		return nil, err
	}

	pkg.Identifier = info.Identifier
	pkg.Version = info.Version
	pkg.InstallKBytes = info.Payload.InstallKBytes
	pkg.NumberOfFiles = info.Payload.NumberOfFiles

	if data, err = archive.ReadFile(prefix + bomMember); err == nil {
		entries, err := bom.Decode(data)
		if err != nil {
			return nil, err
		}

		pkg.BomEntries = len(entries)
	}

	if data, err = archive.ReadFile(prefix + payloadMember); err == nil {
		entries, err := cpio.NewCodec().DecodeBytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", prefix+payloadMember, err)
		}

		pkg.PayloadEntries = len(entries)
	}

	return pkg, nil
}
