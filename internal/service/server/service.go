package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/repository/artifact"
)

// Builder runs a single package build.
type Builder interface {
	Build(ctx context.Context, req *build.Request) (*build.Result, error)
}

// service bounds concurrency and duration of remote builds.
// It is unexported to keep the transport decoupled from the implementation.
type service struct {
	// builder runs the pipeline.
	builder Builder
	// slots limits the number of builds running at once.
	slots *semaphore.Weighted
	// timeout aborts a single build.
	timeout time.Duration
	// defaults fills identifier and version when a request omits them.
	defaults build.Request
	// repo keeps a copy of every artifact when set.
	repo artifact.Repository
}

// newService creates a service that runs at most maxBuilds builds at once.
func newService(
	builder Builder,
	maxBuilds int,
	timeout time.Duration,
	defaults build.Request,
	repository artifact.Repository,
) *service {
	return &service{
		builder:  builder,
		slots:    semaphore.NewWeighted(int64(maxBuilds)),
		timeout:  timeout,
		defaults: defaults,
		repo:     repository,
	}
}

// Build waits for a free slot, then builds req within the configured timeout.
func (s *service) Build(ctx context.Context, req *build.Request) (*build.Result, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for build slot: %w", err)
	}
	defer s.slots.Release(1)

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	r := *req
	if r.Identifier == "" {
		r.Identifier = s.defaults.Identifier
		r.OrgUnit = s.defaults.OrgUnit
	}

	if r.Version == "" {
		r.Version = s.defaults.Version
	}

	result, err := s.builder.Build(ctx, &r)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		path, err := s.repo.Save(ctx, result)
		if err != nil {
			logger.ErrorKV(ctx, "Failed to archive package", "build_id", result.BuildID, "error", err)

			return nil, fmt.Errorf("archive package: %w", err)
		}

		logger.DebugKV(ctx, "Package archived", "build_id", result.BuildID, "path", path)
	}

	return result, nil
}
