package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/oshokin/flatpkg/internal/api/grpc/builder"
	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/repository/artifact"
	"github.com/oshokin/flatpkg/internal/service/client"
	"github.com/oshokin/flatpkg/internal/service/server"
	"github.com/oshokin/flatpkg/internal/testutil"
	"github.com/oshokin/flatpkg/internal/xar"
)

// startGRPC starts flatpkg-server with settings on addr.
// Returns a stop function that waits for the server to shut down.
func startGRPC(t *testing.T, addr string, settings *config.Config, archiveDir string) (stop func()) {
	t.Helper()

	// Create cancellable context for server lifecycle.
	ctx, cancel := context.WithCancel(context.Background())
	cfgPath := filepath.Join(t.TempDir(), "settings.yaml")

	settings.Server.ListenAddress = addr
	require.NoError(t, config.Save(cfgPath, settings))

	done := make(chan error, 1)

	// Start server in background goroutine.
	go func() {
		done <- server.Run(ctx, &server.Options{ConfigPath: cfgPath, ArchiveDir: archiveDir})
	}()

	waitForPort(t, addr)

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// waitForPort blocks until addr accepts connections.
func waitForPort(t *testing.T, addr string) {
	t.Helper()

	dialer := net.Dialer{Timeout: 100 * time.Millisecond}

	require.Eventually(t, func() bool {
		conn, err := dialer.DialContext(context.Background(), "tcp", addr)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 5*time.Second, 20*time.Millisecond)
}

// reservePort returns address on a free TCP port and closes it.
func reservePort(t *testing.T) string {
	t.Helper()

	lc := net.ListenConfig{}

	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// TestGRPC_RemoteSignedBuild builds through the real server and verifies the signed result.
func TestGRPC_RemoteSignedBuild(t *testing.T) {
	t.Parallel()

	addr := reservePort(t)
	credentials := testutil.NewCredentials(t, 2048)
	archiveDir := t.TempDir()

	stop := startGRPC(t, addr, &config.Config{
		TemplateDir: testutil.NewTemplate(t, map[string]string{"a.txt": "x"}),
		Identifier:  "com.example.default",
		Signing: config.Signing{
			Certificate: credentials.CertificatePath,
			PrivateKey:  credentials.PrivateKeyPath,
		},
	}, archiveDir)
	defer stop()

	out := t.TempDir()

	err := client.Run(context.Background(), &client.Options{
		ServerAddress: addr,
		Identifier:    "com.example.pkg",
		Sign:          true,
		OutputDir:     out,
		Timeout:       30 * time.Second,
	})
	require.NoError(t, err)

	stored, err := artifact.NewFileRepository(out).Load(context.Background(), "com.example.pkg.pkg")
	require.NoError(t, err)
	require.True(t, stored.Signed)
	require.False(t, stored.Merged)
	require.NotEmpty(t, stored.BuildID)
	require.NoError(t, xar.Verify(stored.Content))

	// The server keeps its own copy.
	kept, err := artifact.NewFileRepository(archiveDir).Load(context.Background(), "com.example.pkg.pkg")
	require.NoError(t, err)
	require.Equal(t, stored.Content, kept.Content)
}

// TestGRPC_DefaultsAndMerge builds an unsigned merged archive using the server's default identifier.
func TestGRPC_DefaultsAndMerge(t *testing.T) {
	t.Parallel()

	addr := reservePort(t)

	stop := startGRPC(t, addr, &config.Config{
		TemplateDir: testutil.NewTemplate(t, map[string]string{"a.txt": "x"}),
		Identifier:  "com.example.default",
		OrgUnit:     "ops",
	}, "")
	defer stop()

	baseDir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(baseDir, "Distribution"), testutil.DistributionDocument, 0o644)

	base := filepath.Join(t.TempDir(), "base.pkg")
	require.NoError(t, xar.AssembleFile(context.Background(), baseDir, base, nil))

	content, err := os.ReadFile(base)
	require.NoError(t, err)

	c, err := api.Dial(addr, api.WithCallTimeout(30*time.Second))
	require.NoError(t, err)

	defer func() {
		_ = c.Close()
	}()

	result, err := c.Build(context.Background(), &build.Request{
		PackageName:    "agent",
		ProductArchive: &build.ProductArchive{Content: content, Name: "bundle.pkg"},
	}, false)
	require.NoError(t, err)

	require.Equal(t, "bundle.pkg", result.Filename)
	require.Equal(t, "com.example.default.bu_ops", result.Identifier)
	require.True(t, result.Merged)
	require.False(t, result.Signed)
	require.False(t, result.BuiltAt.IsZero())

	archive, err := xar.Open(result.Content)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Distribution", "agent.pkg"}, archive.Members())
}

// TestGRPC_InvalidIdentifier ensures validation errors reach the client as InvalidArgument.
func TestGRPC_InvalidIdentifier(t *testing.T) {
	t.Parallel()

	addr := reservePort(t)

	stop := startGRPC(t, addr, &config.Config{
		TemplateDir: testutil.NewTemplate(t, nil),
		Identifier:  "com.example.default",
	}, "")
	defer stop()

	err := client.Run(context.Background(), &client.Options{
		ServerAddress: addr,
		Identifier:    "com..example",
		OutputDir:     t.TempDir(),
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "InvalidArgument")
}
