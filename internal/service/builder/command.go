package builder

import (
	"context"
	"fmt"

	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/repository/artifact"
)

// Options contains inputs for the flatpkg entry point. Non-empty fields override the config file.
type Options struct {
	// ConfigPath is an optional path to the build settings (defaults to flatpkg.yaml).
	ConfigPath string
	// TemplateDir overrides template_dir.
	TemplateDir string
	// Identifier overrides identifier.
	Identifier string
	// Version overrides version.
	Version string
	// OrgUnit overrides org_unit.
	OrgUnit string
	// PackageName overrides package_name.
	PackageName string
	// OutputDir overrides output_dir.
	OutputDir string
	// Certificate overrides signing.certificate.
	Certificate string
	// PrivateKey overrides signing.private_key.
	PrivateKey string
	// PKCS12 overrides signing.pkcs12.
	PKCS12 string
	// PKCS12Password overrides signing.pkcs12_password.
	PKCS12Password string
	// SigningBackend overrides signing.backend.
	SigningBackend string
	// ProductArchive overrides product_archive.path.
	ProductArchive string
	// ProductArchiveName overrides product_archive.name.
	ProductArchiveName string
	// LogLevel overrides log_level.
	LogLevel string
}

// Run builds one package and writes it into the output directory.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "flatpkg")

	// A missing config file is fine when flags carry everything.
	settings, err := config.LoadOptional(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	opts.apply(settings)

	if err = config.Validate(settings); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	if lvl, ok := logger.ParseLogLevel(settings.LogLevel); ok {
		logger.SetLevel(lvl)
	}

	b, err := New(
		Template{Dir: settings.TemplateDir, PackageName: settings.PackageName},
		WithSigningBackend(settings.Signing.Backend),
		WithExtraSteps(PlistSteps(settings.Plists)...),
	)
	if err != nil {
		return fmt.Errorf("initialize builder: %w", err)
	}

	result, err := b.Build(ctx, settings.Request())
	if err != nil {
		return fmt.Errorf("build package: %w", err)
	}

	repo := artifact.NewFileRepository(settings.OutputDir)

	path, err := repo.Save(ctx, result)
	if err != nil {
		return fmt.Errorf("save package: %w", err)
	}

	logger.InfoKV(ctx, "Package written", "path", path, "identifier", result.Identifier, "signed", result.Signed)

	return nil
}

// apply copies the non-empty overrides into settings.
func (o *Options) apply(settings *config.Config) {
	overrides := []struct {
		value  string
		target *string
	}{
		{o.TemplateDir, &settings.TemplateDir},
		{o.Identifier, &settings.Identifier},
		{o.Version, &settings.Version},
		{o.OrgUnit, &settings.OrgUnit},
		{o.PackageName, &settings.PackageName},
		{o.OutputDir, &settings.OutputDir},
		{o.Certificate, &settings.Signing.Certificate},
		{o.PrivateKey, &settings.Signing.PrivateKey},
		{o.PKCS12, &settings.Signing.PKCS12},
		{o.PKCS12Password, &settings.Signing.PKCS12Password},
		{o.SigningBackend, &settings.Signing.Backend},
		{o.ProductArchive, &settings.ProductArchive.Path},
		{o.ProductArchiveName, &settings.ProductArchive.Name},
		{o.LogLevel, &settings.LogLevel},
	}

	for _, override := range overrides {
		if override.value != "" {
			*override.target = override.value
		}
	}
}
