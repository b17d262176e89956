package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

// Config holds the build settings.
type Config struct {
	// TemplateDir is the build template holding root/, scripts/ and base.pkg/PackageInfo.
	TemplateDir string `yaml:"template_dir"`
	// Identifier is the package identifier.
	Identifier string `yaml:"identifier"`
	// Version is the package version.
	Version string `yaml:"version"`
	// OrgUnit is the optional organizational-unit suffix of the identifier.
	OrgUnit string `yaml:"org_unit"`
	// PackageName is the filename of the built package.
	PackageName string `yaml:"package_name"`
	// OutputDir is where the CLI writes the artifact.
	OutputDir string `yaml:"output_dir"`
	// Signing configures package signatures.
	Signing Signing `yaml:"signing"`
	// ProductArchive configures the merge step.
	ProductArchive ProductArchive `yaml:"product_archive"`
	// Plists are edited in the staged tree before it is measured.
	Plists []PlistEdit `yaml:"plists"`
	// Server configures flatpkg-server.
	Server Server `yaml:"server"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Signing references the signing credential.
type Signing struct {
	// Certificate is a PEM certificate path.
	Certificate string `yaml:"certificate"`
	// PrivateKey is a PEM private key path.
	PrivateKey string `yaml:"private_key"`
	// PKCS12 is a .p12 bundle path, used instead of the PEM pair.
	PKCS12 string `yaml:"pkcs12"`
	// PKCS12Password unlocks PKCS12.
	PKCS12Password string `yaml:"pkcs12_password"`
	// Backend selects the signer: "native" or "openssl".
	Backend string `yaml:"backend"`
}

// ProductArchive references a base product archive.
type ProductArchive struct {
	// Path is the base product archive on disk.
	Path string `yaml:"path"`
	// Name is the output filename of the merged archive.
	Name string `yaml:"name"`
}

// PlistEdit changes a property list shipped in the template root.
type PlistEdit struct {
	// Path is slash-separated and relative to root/.
	Path string `yaml:"path"`
	// Set assigns top-level keys.
	Set map[string]any `yaml:"set"`
	// Append appends values to top-level arrays.
	Append map[string][]any `yaml:"append"`
}

// Server configures the gRPC build server.
type Server struct {
	// ListenAddress is the gRPC listen address.
	ListenAddress string `yaml:"listen_address"`
	// MetricsAddress serves Prometheus metrics; empty disables it.
	MetricsAddress string `yaml:"metrics_address"`
	// MaxConcurrentBuilds bounds parallel builds.
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`
	// BuildTimeout aborts a single remote build.
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for build settings.
	DefaultConfigFilename = "flatpkg.yaml"

	// DefaultOutputDir is where artifacts land when no directory is configured.
	DefaultOutputDir = "."

	// DefaultListenAddress is the gRPC listen address of flatpkg-server.
	DefaultListenAddress = ":50051"

	// DefaultMetricsAddress is the Prometheus listen address of flatpkg-server.
	DefaultMetricsAddress = ":9090"

	// DefaultMaxConcurrentBuilds bounds parallel remote builds.
	DefaultMaxConcurrentBuilds = 4

	// DefaultBuildTimeout bounds one remote build.
	DefaultBuildTimeout = 2 * time.Minute

	// DefaultFilePermissions is the permission of saved config files.
	DefaultFilePermissions = 0o600

	// BackendNative signs in-process with crypto/rsa.
	BackendNative = "native"
	// BackendOpenSSL signs by running the openssl binary.
	BackendOpenSSL = "openssl"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errTemplateDirRequired is returned when no template directory is configured.
	errTemplateDirRequired = errors.New("template directory must be provided")
	// errUnknownBackend is returned for an unsupported signing backend.
	errUnknownBackend = errors.New("unknown signing backend")
	// errNegativeConcurrency is returned for a negative build limit.
	errNegativeConcurrency = errors.New("max concurrent builds must not be negative")
	// errInvalidPlistPath is returned for a plist path escaping the template root.
	errInvalidPlistPath = errors.New("plist path must be relative to the template root")
)

// Load reads configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOptional loads path when it exists and returns an empty Config otherwise.
// The result is not validated, callers apply flag overrides first.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return new(Config), nil
	}

	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Signing passwords may be stored, keep the file private.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.TemplateDir == "" {
		return errTemplateDirRequired
	}

	if err := build.ValidateIdentifier(cfg.Identifier); err != nil {
		return err
	}

	if cfg.Version == "" {
		cfg.Version = build.DefaultVersion
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}

	switch cfg.Signing.Backend {
	case "":
		cfg.Signing.Backend = BackendNative
	case BackendNative, BackendOpenSSL:
	default:
		return fmt.Errorf("%w: %q", errUnknownBackend, cfg.Signing.Backend)
	}

	if cfg.ProductArchive.Path != "" && cfg.ProductArchive.Name == "" {
		return build.ErrProductArchiveName
	}

	for _, edit := range cfg.Plists {
		if !filepath.IsLocal(filepath.FromSlash(edit.Path)) {
			return fmt.Errorf("%w: %q", errInvalidPlistPath, edit.Path)
		}
	}

	return validateServer(&cfg.Server)
}

// validateServer fills server defaults and checks the listen addresses.
func validateServer(s *Server) error {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}

	if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if s.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(s.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address: %w", err)
		}
	}

	switch {
	case s.MaxConcurrentBuilds < 0:
		return errNegativeConcurrency
	case s.MaxConcurrentBuilds == 0:
		s.MaxConcurrentBuilds = DefaultMaxConcurrentBuilds
	}

	if s.BuildTimeout <= 0 {
		s.BuildTimeout = DefaultBuildTimeout
	}

	return nil
}

// Request converts the settings into a build request.
func (c *Config) Request() *build.Request {
	req := &build.Request{
		Identifier:  c.Identifier,
		Version:     c.Version,
		OrgUnit:     c.OrgUnit,
		PackageName: c.PackageName,
	}

	if c.Signing.Certificate != "" || c.Signing.PrivateKey != "" || c.Signing.PKCS12 != "" {
		req.Credential = &build.Credential{
			CertificatePath: c.Signing.Certificate,
			PrivateKeyPath:  c.Signing.PrivateKey,
			PKCS12Path:      c.Signing.PKCS12,
			PKCS12Password:  c.Signing.PKCS12Password,
		}
	}

	if c.ProductArchive.Path != "" {
		req.ProductArchive = &build.ProductArchive{
			Path: c.ProductArchive.Path,
			Name: c.ProductArchive.Name,
		}
	}

	return req
}
