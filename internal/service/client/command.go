package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/oshokin/flatpkg/internal/api/grpc/builder"
	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/repository/artifact"
)

// Options configures a remote build.
type Options struct {
	// ServerAddress is the flatpkg-server gRPC address.
	ServerAddress string
	// Identifier is the package identifier; the server default is used when empty.
	Identifier string
	// Version is the package version.
	Version string
	// OrgUnit is the optional organizational-unit suffix.
	OrgUnit string
	// PackageName is the filename of the built package.
	PackageName string
	// ProductArchive is a local product archive to merge into.
	ProductArchive string
	// ProductArchiveName is the filename of the merged archive.
	ProductArchiveName string
	// Sign asks the server to sign with its credential.
	Sign bool
	// OutputDir is where the artifact is written.
	OutputDir string
	// Timeout bounds one attempt.
	Timeout time.Duration
	// Attempts is the number of tries while the server is unavailable.
	Attempts int
}

const (
	// defaultRetryInterval defines the delay between attempts.
	defaultRetryInterval = 1 * time.Second
	// defaultAttempts is used when Options.Attempts is not positive.
	defaultAttempts = 3
)

// errServerAddressRequired is returned when no server address is given.
var errServerAddressRequired = errors.New("server address must be provided")

// Run builds a package on a remote server and saves it into the output directory.
//
//nolint:cyclop,funlen // Retry loop and request assembly belong together.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "flatpkg-remote")

	if opts.ServerAddress == "" {
		return errServerAddressRequired
	}

	req := &build.Request{
		Identifier:  opts.Identifier,
		Version:     opts.Version,
		OrgUnit:     opts.OrgUnit,
		PackageName: opts.PackageName,
	}

	if opts.ProductArchive != "" {
		content, err := os.ReadFile(filepath.Clean(opts.ProductArchive))
		if err != nil {
			return fmt.Errorf("read product archive: %w", err)
		}

		req.ProductArchive = &build.ProductArchive{Content: content, Name: opts.ProductArchiveName}
	}

	client, err := api.Dial(opts.ServerAddress, api.WithCallTimeout(opts.Timeout))
	if err != nil {
		return err
	}

	// Close connection on function exit.
	defer func() {
		_ = client.Close()
	}()

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	logger.InfoKV(ctx, "Requesting remote build",
		"server_address", opts.ServerAddress, "identifier", req.Identifier, "sign", opts.Sign)

	// attempt tries once, returns (result, retryable, error).
	attempt := func() (*build.Result, bool, error) {
		result, err := client.Build(ctx, req, opts.Sign)
		if err == nil {
			return result, false, nil
		}

		if status.Code(err) == codes.Unavailable {
			logger.WarnKV(ctx, "Build server unavailable", "error", err)

			return nil, true, err
		}

		return nil, false, err
	}

	// Attempt immediately before starting retry loop.
	result, retry, err := attempt()

	// Setup retry timer for subsequent attempts.
	ticker := time.NewTicker(defaultRetryInterval)
	defer ticker.Stop()

	for tries := 1; retry; tries++ {
		if tries >= attempts {
			return fmt.Errorf("build server unavailable after %d attempts: %w", tries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, retry, err = attempt()
		}
	}

	if err != nil {
		return err
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = config.DefaultOutputDir
	}

	path, err := artifact.NewFileRepository(outputDir).Save(ctx, result)
	if err != nil {
		return fmt.Errorf("save package: %w", err)
	}

	logger.InfoKV(ctx, "Package written",
		"path", path, "build_id", result.BuildID, "signed", result.Signed, "merged", result.Merged)

	return nil
}
