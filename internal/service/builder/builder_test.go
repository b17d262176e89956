package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/pkginfo"
	"github.com/oshokin/flatpkg/internal/signing"
	"github.com/oshokin/flatpkg/internal/testutil"
	"github.com/oshokin/flatpkg/internal/workspace"
	"github.com/oshokin/flatpkg/internal/xar"
)

var errInduced = errors.New("induced failure")

type failingBom struct{}

func (failingBom) EncodeFile(context.Context, string, string) error {
	return build.NewStageError(build.StageBom, errInduced)
}

// recorder collects states and metric calls.
type recorder struct {
	mu        sync.Mutex
	states    []State
	started   int
	completed []string
}

func (r *recorder) hook(_ context.Context, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, s)
}

func (r *recorder) IncBuildsStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started++
}

func (r *recorder) IncBuildsCompleted(outcome, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed = append(r.completed, outcome+"/"+stage)
}

func (r *recorder) ObserveBuildDuration(string, float64) {}
func (r *recorder) ObserveArtifactSize(bool, bool, int)  {}

func newBuilder(t *testing.T, opts ...Option) (*Builder, string) {
	t.Helper()

	workspaces := t.TempDir()
	tmpl := testutil.NewTemplate(t, map[string]string{"foo.txt": "0123456789"})

	b, err := New(Template{Dir: tmpl}, append([]Option{WithWorkspaceDir(workspaces)}, opts...)...)
	require.NoError(t, err)

	return b, workspaces
}

func requireNoWorkspaces(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestBuild_StateSequence walks the unsigned, unmerged path in order.
func TestBuild_StateSequence(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b, workspaces := newBuilder(t, WithStateHook(rec.hook), WithMetrics(rec))

	result, err := b.Build(context.Background(), &build.Request{Identifier: "com.example.pkg", Version: "2.0"})
	require.NoError(t, err)
	require.Equal(t, "com.example.pkg.pkg", result.Filename)
	require.False(t, result.Signed)
	require.False(t, result.Merged)
	require.NotEmpty(t, result.BuildID)

	require.Equal(t, []State{
		StateInit,
		StateStaged,
		StateManifestRendered,
		StatePayloadEncoded,
		StateScriptsEncoded,
		StateBomEncoded,
		StateBaseAssembled,
		StateFinalized,
		StateDisposed,
	}, rec.states)
	require.Equal(t, 1, rec.started)
	require.Equal(t, []string{"success/"}, rec.completed)

	requireNoWorkspaces(t, workspaces)
}

// TestBuild_TemplatePackageName names the package after the template default.
func TestBuild_TemplatePackageName(t *testing.T) {
	t.Parallel()

	tmpl := testutil.NewTemplate(t, nil)

	b, err := New(Template{Dir: tmpl, PackageName: "agent"}, WithWorkspaceDir(t.TempDir()))
	require.NoError(t, err)

	req := &build.Request{Identifier: "com.example.agent", OrgUnit: "42"}

	result, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "agent.pkg", result.Filename)
	require.Equal(t, "com.example.agent.bu_42", result.Identifier)
	require.Empty(t, req.PackageName)
}

// TestBuild_ExtraSteps runs hooks against the staged tree before measuring it.
func TestBuild_ExtraSteps(t *testing.T) {
	t.Parallel()

	b, _ := newBuilder(t, WithExtraSteps(func(_ context.Context, ws *workspace.Workspace) error {
		return os.WriteFile(ws.RootPath("extra.conf"), make([]byte, 2048), 0o644)
	}))

	result, err := b.Build(context.Background(), &build.Request{Identifier: "com.example.pkg"})
	require.NoError(t, err)

	a, err := xar.Open(result.Content)
	require.NoError(t, err)

	data, err := a.ReadFile(workspace.PackageInfoFile)
	require.NoError(t, err)

	info, err := pkginfo.Parse(data)
	require.NoError(t, err)
	require.Equal(t, 2, info.Payload.NumberOfFiles)
	require.Equal(t, int64(2), info.Payload.InstallKBytes)
	require.Equal(t, build.DefaultVersion, info.Version)
}

// TestBuild_DisposesOnFailure removes the workspace when a stage fails.
func TestBuild_DisposesOnFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b, workspaces := newBuilder(t, WithBomCodec(failingBom{}), WithStateHook(rec.hook), WithMetrics(rec))

	_, err := b.Build(context.Background(), &build.Request{Identifier: "com.example.pkg"})
	require.ErrorIs(t, err, build.ErrBom)
	require.ErrorIs(t, err, errInduced)
	require.Equal(t, StateDisposed, rec.states[len(rec.states)-1])
	require.NotContains(t, rec.states, StateBomEncoded)
	require.Equal(t, []string{"failure/bom"}, rec.completed)

	requireNoWorkspaces(t, workspaces)

	failing := func(context.Context, *workspace.Workspace) error { return errInduced }
	b, workspaces = newBuilder(t, WithExtraSteps(failing))

	_, err = b.Build(context.Background(), &build.Request{Identifier: "com.example.pkg"})
	require.ErrorIs(t, err, build.ErrStaging)
	requireNoWorkspaces(t, workspaces)
}

// TestBuild_SigningFailure is fatal and still disposes the workspace.
func TestBuild_SigningFailure(t *testing.T) {
	t.Parallel()

	b, workspaces := newBuilder(t, WithSignerFactory(func(*build.Credential) (signing.Signer, error) {
		return nil, errInduced
	}))

	_, err := b.Build(context.Background(), &build.Request{
		Identifier: "com.example.pkg",
		Credential: &build.Credential{CertificatePath: "cert.pem", PrivateKeyPath: "key.pem"},
	})
	require.ErrorIs(t, err, build.ErrSigning)
	requireNoWorkspaces(t, workspaces)
}

// TestBuild_SkipsSigningWithoutKey leaves the package unsigned for a half credential.
func TestBuild_SkipsSigningWithoutKey(t *testing.T) {
	t.Parallel()

	called := false
	b, _ := newBuilder(t, WithSignerFactory(func(*build.Credential) (signing.Signer, error) {
		called = true

		return nil, errInduced
	}))

	result, err := b.Build(context.Background(), &build.Request{
		Identifier: "com.example.pkg",
		Credential: &build.Credential{PKCS12Password: "unused"},
	})
	require.NoError(t, err)
	require.False(t, result.Signed)
	require.False(t, called)
}

// TestBuild_Canceled aborts between stages.
func TestBuild_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	rec := &recorder{}
	b, workspaces := newBuilder(t, WithMetrics(rec), WithExtraSteps(func(context.Context, *workspace.Workspace) error {
		cancel()

		return nil
	}))

	_, err := b.Build(ctx, &build.Request{Identifier: "com.example.pkg"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"canceled/"}, rec.completed)
	requireNoWorkspaces(t, workspaces)
}

// TestBuild_InvalidRequest rejects requests before staging.
func TestBuild_InvalidRequest(t *testing.T) {
	t.Parallel()

	b, workspaces := newBuilder(t)

	_, err := b.Build(context.Background(), &build.Request{Identifier: "com..example"})
	require.ErrorIs(t, err, build.ErrInvalidIdentifier)

	_, err = b.Build(context.Background(), &build.Request{
		Identifier:     "com.example.pkg",
		ProductArchive: &build.ProductArchive{Path: "base.pkg"},
	})
	require.ErrorIs(t, err, build.ErrProductArchiveName)

	_, err = b.Build(context.Background(), nil)
	require.ErrorIs(t, err, errRequestIsNotSet)

	requireNoWorkspaces(t, workspaces)

	_, err = New(Template{})
	require.ErrorIs(t, err, errTemplateDirRequired)
}

// TestBuild_MissingTemplate reports a staging error.
func TestBuild_MissingTemplate(t *testing.T) {
	t.Parallel()

	b, err := New(Template{Dir: filepath.Join(t.TempDir(), "absent")})
	require.NoError(t, err)

	_, err = b.Build(context.Background(), &build.Request{Identifier: "com.example.pkg"})
	require.ErrorIs(t, err, build.ErrStaging)
}

// TestRun_WritesArtifact builds from flags alone and saves the package.
func TestRun_WritesArtifact(t *testing.T) {
	t.Parallel()

	out := t.TempDir()

	err := Run(context.Background(), &Options{
		ConfigPath:  filepath.Join(t.TempDir(), "flatpkg.yaml"),
		TemplateDir: testutil.NewTemplate(t, map[string]string{"foo.txt": "0123456789"}),
		Identifier:  "com.example.pkg",
		Version:     "2.0",
		OutputDir:   out,
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(out, "com.example.pkg.pkg"))

	err = Run(context.Background(), &Options{ConfigPath: filepath.Join(t.TempDir(), "flatpkg.yaml")})
	require.Error(t, err)
}
