package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/oshokin/flatpkg/internal/distribution"
	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/metrics"
	"github.com/oshokin/flatpkg/internal/pkginfo"
	"github.com/oshokin/flatpkg/internal/signing"
	"github.com/oshokin/flatpkg/internal/workspace"
	"github.com/oshokin/flatpkg/internal/xar"
)

// Flat package members.
const (
	PayloadMember = "Payload"
	ScriptsMember = "Scripts"
	BomMember     = "Bom"

	productArchiveDir = "product_archive"
	outputDir         = "output"
)

// Build runs the pipeline for req and returns the finished artifact.
// The request is not modified.
func (b *Builder) Build(ctx context.Context, req *build.Request) (*build.Result, error) {
	if req == nil {
		return nil, errRequestIsNotSet
	}

	r := *req
	if r.PackageName == "" {
		r.PackageName = b.template.PackageName
	}

	if err := r.Normalize(); err != nil {
		return nil, err
	}

	buildID := uuid.NewString()
	ctx = logger.WithKV(logger.WithName(ctx, "builder"), "build_id", buildID)

	started := b.now()
	b.metrics.IncBuildsStarted()
	b.transition(ctx, StateInit)

	result, err := b.run(ctx, buildID, &r)

	outcome := metrics.OutcomeSuccess

	switch {
	case err == nil:
		b.metrics.ObserveArtifactSize(result.Signed, result.Merged, len(result.Content))
		logger.InfoKV(ctx, "Package built",
			"filename", result.Filename, "size", len(result.Content), "signed", result.Signed, "merged", result.Merged)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCanceled

		logger.WarnKV(ctx, "Build aborted", "stage", build.StageOf(err), "error", err)
	default:
		outcome = metrics.OutcomeFailure

		logger.ErrorKV(ctx, "Build failed", "stage", build.StageOf(err), "error", err)
	}

	b.metrics.IncBuildsCompleted(outcome, string(build.StageOf(err)))
	b.metrics.ObserveBuildDuration(outcome, b.now().Sub(started).Seconds())

	return result, err
}

// run executes the stages in order. The workspace is disposed before it returns.
func (b *Builder) run(ctx context.Context, buildID string, req *build.Request) (*build.Result, error) {
	ws, err := workspace.Stage(ctx, b.template.Dir, &workspace.Options{BaseDir: b.workspaceDir, ID: buildID})
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := ws.Dispose(); err != nil {
			logger.WarnKV(ctx, "Workspace not removed", "path", ws.Dir(), "error", err)
		}

		b.transition(ctx, StateDisposed)
	}()

	b.transition(ctx, StateStaged)

	for _, step := range b.extraSteps {
		if err = step(ctx, ws); err != nil {
			return nil, build.NewStageError(build.StageStaging, fmt.Errorf("extra build step: %w", err))
		}
	}

	identifier := req.PackageIdentifier()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	manifest, err := pkginfo.Prepare(ctx, ws, identifier, req.Version)
	if err != nil {
		return nil, err
	}

	b.transition(ctx, StateManifestRendered)

	if err = b.encodeMembers(ctx, ws); err != nil {
		return nil, err
	}

	var (
		filename = req.PackageName
		path     string
	)

	if req.Merging() {
		filename = req.ProductArchive.Name

		if path, err = b.merge(ctx, ws, req, manifest); err != nil {
			return nil, err
		}
	} else {
		if path, err = b.assemble(ctx, ws, filename); err != nil {
			return nil, err
		}
	}

	signed, err := b.sign(ctx, req, path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, build.NewStageError(build.StageContainer, fmt.Errorf("read artifact: %w", err))
	}

	result := &build.Result{
		BuildID:    buildID,
		Filename:   filename,
		Content:    content,
		Identifier: identifier,
		Signed:     signed,
		Merged:     req.Merging(),
		BuiltAt:    b.now(),
	}

	b.transition(ctx, StateFinalized)

	return result, nil
}

// encodeMembers writes Payload, Scripts and Bom into base.pkg.
func (b *Builder) encodeMembers(ctx context.Context, ws *workspace.Workspace) error {
	steps := []struct {
		state State
		run   func() error
	}{
		{StatePayloadEncoded, func() error {
			return b.archive.EncodeFile(ctx, ws.RootPath(), ws.PackagePath(PayloadMember))
		}},
		{StateScriptsEncoded, func() error {
			return b.archive.EncodeFile(ctx, ws.ScriptsPath(), ws.PackagePath(ScriptsMember))
		}},
		{StateBomEncoded, func() error {
			return b.bom.EncodeFile(ctx, ws.RootPath(), ws.PackagePath(BomMember))
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := step.run(); err != nil {
			return err
		}

		b.transition(ctx, step.state)
	}

	return nil
}

// assemble packs base.pkg into a flat package and returns its path.
func (b *Builder) assemble(ctx context.Context, ws *workspace.Workspace, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir, err := ws.Mkdir(outputDir)
	if err != nil {
		return "", build.NewStageError(build.StageContainer, err)
	}

	path := filepath.Join(dir, filepath.Base(filename))
	if err = xar.AssembleFile(ctx, ws.PackagePath(), path, nil); err != nil {
		return "", err
	}

	b.transition(ctx, StateBaseAssembled)

	return path, nil
}

// merge adds base.pkg to the product archive, registers it in the Distribution
// document and reassembles the archive. It returns the archive path.
func (b *Builder) merge(
	ctx context.Context,
	ws *workspace.Workspace,
	req *build.Request,
	manifest build.Manifest,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	content := req.ProductArchive.Content
	if content == nil {
		var err error
		if content, err = os.ReadFile(filepath.Clean(req.ProductArchive.Path)); err != nil {
			return "", build.NewStageError(build.StageContainer, fmt.Errorf("read product archive: %w", err))
		}
	}

	dir, err := ws.Mkdir(productArchiveDir)
	if err != nil {
		return "", build.NewStageError(build.StageContainer, err)
	}

	archive, err := xar.OpenDir(content, dir)
	if err != nil {
		return "", err
	}

	if err = archive.AddMember(filepath.Base(req.PackageName), ws.PackagePath()); err != nil {
		return "", err
	}

	b.transition(ctx, StateBaseAssembled)

	err = distribution.PatchFile(archive.Path(distribution.Filename), distribution.Choice{
		Basename:   build.ChoiceID(req.PackageName),
		Identifier: manifest.Identifier,
		InstallKB:  manifest.InstallKBString(),
		Version:    manifest.Version,
	})
	if err != nil {
		return "", err
	}

	out, err := ws.Mkdir(outputDir)
	if err != nil {
		return "", build.NewStageError(build.StageContainer, err)
	}

	path := filepath.Join(out, filepath.Base(req.ProductArchive.Name))
	if err = xar.AssembleFile(ctx, dir, path, nil); err != nil {
		return "", err
	}

	b.transition(ctx, StateMergedIntoProduct)

	return path, nil
}

// sign signs the container at path when the request carries a complete credential.
func (b *Builder) sign(ctx context.Context, req *build.Request, path string) (bool, error) {
	if !req.Signing() {
		logger.Debug(ctx, "Signing skipped, no credential")

		return false, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	signer, err := b.signers(req.Credential)
	if err != nil {
		return false, build.NewStageError(build.StageSigning, err)
	}

	if err = signing.NewPipeline(signer).Sign(ctx, path); err != nil {
		return false, err
	}

	b.transition(ctx, StateSigned)

	return true, nil
}

func (b *Builder) transition(ctx context.Context, state State) {
	logger.DebugKV(ctx, "Build state", "state", state)

	for _, hook := range b.hooks {
		hook(ctx, state)
	}
}
