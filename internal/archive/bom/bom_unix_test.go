//go:build unix

package bom

import (
	"bytes"
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/testutil"
)

// TestEncode_NamedPipe records a FIFO without reading from it.
func TestEncode_NamedPipe(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteFile(t, filepath.Join(root, "etc", "tool.conf"), "key=value\n", 0o644)
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "etc", "events"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, NewEncoder().Encode(ctx, root, &buf))

	entries, err := Decode(buf.Bytes())
	require.NoError(t, err)

	var found bool

	for _, e := range entries {
		if e.Path != "etc/events" {
			continue
		}

		found = true

		require.Equal(t, TypeFile, e.Type)
		require.Zero(t, e.Size)
		require.Zero(t, e.Checksum)
	}

	require.True(t, found)
}
