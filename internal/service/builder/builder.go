package builder

import (
	"context"
	"errors"
	"time"

	"github.com/oshokin/flatpkg/internal/archive/bom"
	"github.com/oshokin/flatpkg/internal/archive/cpio"
	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/metrics"
	"github.com/oshokin/flatpkg/internal/signing"
	"github.com/oshokin/flatpkg/internal/workspace"
)

// State is a step of the build state machine.
type State string

// Build states in the order they are reached. StateMergedIntoProduct and
// StateSigned are skipped when the request does not ask for them.
const (
	StateInit              State = "init"
	StateStaged            State = "staged"
	StateManifestRendered  State = "manifest_rendered"
	StatePayloadEncoded    State = "payload_encoded"
	StateScriptsEncoded    State = "scripts_encoded"
	StateBomEncoded        State = "bom_encoded"
	StateBaseAssembled     State = "base_assembled"
	StateMergedIntoProduct State = "merged_into_product"
	StateSigned            State = "signed"
	StateFinalized         State = "finalized"
	StateDisposed          State = "disposed"
)

var (
	// errTemplateDirRequired is returned by New for an empty template directory.
	errTemplateDirRequired = errors.New("template directory must be provided")
	// errRequestIsNotSet is returned by Build for a nil request.
	errRequestIsNotSet = errors.New("build request is not set")
)

// Template is the immutable build template.
type Template struct {
	// Dir holds root/, scripts/ and base.pkg/PackageInfo.
	Dir string
	// PackageName is the default package filename, used when a request names none.
	PackageName string
}

// ArchiveCodec encodes a directory into a compressed archive file.
type ArchiveCodec interface {
	EncodeFile(ctx context.Context, sourceDir, dst string) error
}

// BomCodec encodes the bill of materials of a directory into a file.
type BomCodec interface {
	EncodeFile(ctx context.Context, rootPath, dst string) error
}

// SignerFactory returns the signer for a complete credential.
type SignerFactory func(credential *build.Credential) (signing.Signer, error)

// ExtraStep customizes the staged workspace before PackageInfo is rendered.
type ExtraStep func(ctx context.Context, ws *workspace.Workspace) error

// StateHook is called after every state transition.
type StateHook func(ctx context.Context, state State)

// Option configures a Builder.
type Option func(*Builder)

// WithArchiveCodec replaces the Payload and Scripts encoder.
func WithArchiveCodec(codec ArchiveCodec) Option {
	return func(b *Builder) {
		b.archive = codec
	}
}

// WithBomCodec replaces the bill of materials encoder.
func WithBomCodec(codec BomCodec) Option {
	return func(b *Builder) {
		b.bom = codec
	}
}

// WithSignerFactory replaces how signers are created.
func WithSignerFactory(factory SignerFactory) Option {
	return func(b *Builder) {
		b.signers = factory
	}
}

// WithSigningBackend creates signers on the named backend.
func WithSigningBackend(backend string) Option {
	return WithSignerFactory(func(credential *build.Credential) (signing.Signer, error) {
		return signing.New(credential, backend)
	})
}

// WithMetrics records build activity into m.
func WithMetrics(m metrics.Metrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

// WithExtraSteps appends steps run right after staging.
func WithExtraSteps(steps ...ExtraStep) Option {
	return func(b *Builder) {
		b.extraSteps = append(b.extraSteps, steps...)
	}
}

// WithWorkspaceDir creates workspaces below dir instead of the system temporary directory.
func WithWorkspaceDir(dir string) Option {
	return func(b *Builder) {
		b.workspaceDir = dir
	}
}

// WithStateHook observes state transitions.
func WithStateHook(hook StateHook) Option {
	return func(b *Builder) {
		b.hooks = append(b.hooks, hook)
	}
}

// Builder builds flat packages from one template. It is safe for concurrent use:
// every build owns its workspace.
type Builder struct {
	template     Template
	archive      ArchiveCodec
	bom          BomCodec
	signers      SignerFactory
	metrics      metrics.Metrics
	extraSteps   []ExtraStep
	hooks        []StateHook
	workspaceDir string
	now          func() time.Time
}

// New returns a Builder for template with the library codecs and the native signer.
func New(template Template, opts ...Option) (*Builder, error) {
	if template.Dir == "" {
		return nil, errTemplateDirRequired
	}

	b := &Builder{
		template: template,
		archive:  cpio.NewCodec(),
		bom:      bom.NewEncoder(),
		metrics:  metrics.Noop{},
		now:      time.Now,
	}

	WithSigningBackend(signing.BackendNative)(b)

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Template returns the template the builder was created with.
func (b *Builder) Template() Template {
	return b.template
}
