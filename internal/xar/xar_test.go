package xar

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/testutil"
)

// newTree writes a small package-shaped tree and returns its path.
func newTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "PackageInfo"), "<pkg-info/>\n", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "Payload"), "payload-bytes", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "Scripts"), "scripts", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "Bom"), "bom", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "Resources", "en.lproj", "welcome.txt"), "hi", 0o600)

	return dir
}

func assembleBytes(t *testing.T, dir string, opts *Options) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, Assemble(context.Background(), dir, &buf, opts))

	return buf.Bytes()
}

// TestAssemble_Roundtrip packs a tree and reads every member back.
func TestAssemble_Roundtrip(t *testing.T) {
	t.Parallel()

	data := assembleBytes(t, newTree(t), nil)

	var header fileHeader
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.BigEndian, &header))
	require.Equal(t, uint32(magic), header.Magic)
	require.Equal(t, uint16(headerSize), header.HeaderSize)
	require.Equal(t, hashSHA1, header.HashType)

	a, err := Open(data)
	require.NoError(t, err)
	require.Equal(t, []string{"Bom", "PackageInfo", "Payload", "Resources", "Scripts"}, a.Members())
	require.Zero(t, a.SignatureSize())

	payload, err := a.ReadFile("Payload")
	require.NoError(t, err)
	require.Equal(t, "payload-bytes", string(payload))

	welcome, err := a.ReadFile("Resources/en.lproj/welcome.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(welcome))

	var names []string

	for _, f := range a.Files() {
		names = append(names, f.Name)

		if f.Name == "Resources/en.lproj/welcome.txt" {
			require.Equal(t, fs.FileMode(0o600), f.Mode)
			require.Equal(t, int64(2), f.Size)
		}
	}

	require.Contains(t, names, "Resources/en.lproj")

	_, err = a.ReadFile("missing")
	require.ErrorIs(t, err, ErrNotExist)

	_, err = a.Signature()
	require.ErrorIs(t, err, ErrUnsigned)
}

// TestOpen_DetectsCorruption rejects a flipped table of contents checksum.
func TestOpen_DetectsCorruption(t *testing.T) {
	t.Parallel()

	data := assembleBytes(t, newTree(t), nil)

	a, err := Open(data)
	require.NoError(t, err)

	data[a.heapStart] ^= 0xff

	_, err = Open(data)
	require.ErrorIs(t, err, ErrChecksum)
	require.ErrorIs(t, err, build.ErrContainer)

	_, err = Open([]byte("garbage"))
	require.ErrorIs(t, err, ErrFormat)
}

// TestReserveInject_Verify runs both signing passes and verifies the result.
func TestReserveInject_Verify(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 2048)
	unsigned := assembleBytes(t, newTree(t), nil)

	probe, err := rsa.SignPKCS1v15(rand.Reader, creds.Key, crypto.Hash(0), nil)
	require.NoError(t, err)

	reserved, digestInfo, err := Reserve(unsigned, []*x509.Certificate{creds.Certificate}, len(probe))
	require.NoError(t, err)
	require.Len(t, digestInfo, len(sha1DigestInfoPrefix)+20)

	again, err := DigestInfo(reserved)
	require.NoError(t, err)
	require.Equal(t, digestInfo, again)

	a, err := Open(reserved)
	require.NoError(t, err)
	require.Equal(t, len(probe), a.SignatureSize())

	slot, err := a.Signature()
	require.NoError(t, err)
	require.Equal(t, make([]byte, len(probe)), slot)

	certs, err := a.Certificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.Equal(t, creds.Certificate.Raw, certs[0].Raw)

	// Member data survives the heap shift.
	payload, err := a.ReadFile("Payload")
	require.NoError(t, err)
	require.Equal(t, "payload-bytes", string(payload))

	signature, err := rsa.SignPKCS1v15(rand.Reader, creds.Key, crypto.Hash(0), digestInfo)
	require.NoError(t, err)

	require.ErrorIs(t, Inject(reserved, signature[:10]), ErrSignatureSize)
	require.NoError(t, Inject(reserved, signature))
	require.NoError(t, Verify(reserved))

	a, err = Open(reserved)
	require.NoError(t, err)

	slot, err = a.Signature()
	require.NoError(t, err)
	require.Equal(t, signature, slot)
}

// TestVerify_RejectsTampering fails on an unsigned container and a wrong signature.
func TestVerify_RejectsTampering(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)
	unsigned := assembleBytes(t, newTree(t), nil)
	require.ErrorIs(t, Verify(unsigned), ErrUnsigned)

	reserved, _, err := Reserve(unsigned, []*x509.Certificate{creds.Certificate}, 128)
	require.NoError(t, err)
	require.NoError(t, Inject(reserved, bytes.Repeat([]byte{1}, 128)))
	require.Error(t, Verify(reserved))
}

// TestAssemble_ReservesSlot reserves the signature slot while assembling.
func TestAssemble_ReservesSlot(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)
	data := assembleBytes(t, newTree(t), &Options{
		Certificates:  [][]byte{creds.Certificate.Raw},
		SignatureSize: 128,
	})

	digestInfo, err := DigestInfo(data)
	require.NoError(t, err)

	signature, err := rsa.SignPKCS1v15(rand.Reader, creds.Key, crypto.Hash(0), digestInfo)
	require.NoError(t, err)
	require.NoError(t, Inject(data, signature))
	require.NoError(t, Verify(data))
}

// TestHandle_AddMemberReassemble merges a new member into an existing container.
func TestHandle_AddMemberReassemble(t *testing.T) {
	t.Parallel()

	data := assembleBytes(t, newTree(t), nil)

	h, err := OpenDir(data, t.TempDir())
	require.NoError(t, err)

	info, err := os.Stat(h.Path("Resources/en.lproj/welcome.txt"))
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o600), info.Mode().Perm())

	src := filepath.Join(t.TempDir(), "base.pkg")
	testutil.WriteFile(t, filepath.Join(src, "Payload"), "inner", 0o644)

	require.NoError(t, h.AddMember("base.pkg", src))
	require.NoDirExists(t, src)

	err = h.AddMember("Payload", t.TempDir())
	require.ErrorIs(t, err, errMemberExists)
	require.ErrorIs(t, err, build.ErrContainer)

	require.ErrorIs(t, h.AddMember("../escape", t.TempDir()), errUnsafePath)

	merged, err := h.Reassemble(context.Background())
	require.NoError(t, err)

	a, err := Open(merged)
	require.NoError(t, err)
	require.Contains(t, a.Members(), "base.pkg")

	inner, err := a.ReadFile("base.pkg/Payload")
	require.NoError(t, err)
	require.Equal(t, "inner", string(inner))
}

// TestExtractTo_RejectsTraversal refuses member names escaping the target.
func TestExtractTo_RejectsTraversal(t *testing.T) {
	t.Parallel()

	a := &Archive{toc: &tocToc{Files: []*tocFile{{Name: "../evil", Type: typeDir}}}}

	err := a.ExtractTo(t.TempDir())
	require.ErrorIs(t, err, errUnsafePath)
	require.ErrorIs(t, err, build.ErrContainer)
}

// TestAssemble_Symlink records symlinks with their target.
func TestAssemble_Symlink(t *testing.T) {
	t.Parallel()

	dir := newTree(t)
	require.NoError(t, os.Symlink("Payload", filepath.Join(dir, "Current")))

	a, err := Open(assembleBytes(t, dir, nil))
	require.NoError(t, err)

	var found bool

	for _, f := range a.Files() {
		if f.Name == "Current" {
			found = true

			require.Equal(t, typeSymlink, f.Type)
			require.Equal(t, "Payload", f.LinkTarget)
		}
	}

	require.True(t, found)

	out := t.TempDir()
	require.NoError(t, a.ExtractTo(out))

	target, err := os.Readlink(filepath.Join(out, "Current"))
	require.NoError(t, err)
	require.Equal(t, "Payload", target)
}

// rawContainer frames toc as a container with an empty heap.
func rawContainer(t *testing.T, toc string) []byte {
	t.Helper()

	var compressed bytes.Buffer

	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write([]byte(toc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, fileHeader{
		Magic:            magic,
		HeaderSize:       headerSize,
		Version:          formatVersion,
		CompressedSize:   uint64(compressed.Len()),
		UncompressedSize: uint64(len(toc)),
		HashType:         hashSHA1,
	}))

	buf.Write(compressed.Bytes())

	return buf.Bytes()
}

// TestOpen_RejectsOversizedTOC reports a table of contents size that wraps past the data.
func TestOpen_RejectsOversizedTOC(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, fileHeader{
		Magic:          magic,
		HeaderSize:     headerSize,
		Version:        formatVersion,
		CompressedSize: ^uint64(0),
		HashType:       hashSHA1,
	}))

	_, err := Open(buf.Bytes())
	require.ErrorIs(t, err, ErrFormat)
	require.ErrorIs(t, err, build.ErrContainer)
}

// TestOpen_RejectsHeapOverflow reports heap offsets that overflow instead of slicing with them.
func TestOpen_RejectsHeapOverflow(t *testing.T) {
	t.Parallel()

	data := rawContainer(t, `<xar><toc><checksum style="sha1">`+
		`<offset>9223372036854775800</offset><size>0</size></checksum></toc></xar>`)

	_, err := Open(data)
	require.ErrorIs(t, err, ErrFormat)

	a := &Archive{data: make([]byte, 64), heapStart: 40}

	_, err = a.heap(math.MaxInt64-8, 16)
	require.ErrorIs(t, err, ErrFormat)

	_, err = a.heap(20, 8)
	require.ErrorIs(t, err, ErrFormat)

	chunk, err := a.heap(16, 8)
	require.NoError(t, err)
	require.Len(t, chunk, 8)
}

// TestExtractTo_RejectsSymlinkEscape keeps members behind a symlink from landing outside the target.
func TestExtractTo_RejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()

	a := &Archive{toc: &tocToc{Files: []*tocFile{
		{Name: "a", Type: typeSymlink, Link: &tocLink{Type: "directory", Target: outside}},
		{Name: "a", Type: typeDir, Mode: "0755", Files: []*tocFile{
			{Name: "evil", Type: typeFile, Mode: "0644"},
		}},
	}}}

	err := a.ExtractTo(t.TempDir())
	require.ErrorIs(t, err, build.ErrContainer)
	require.NoFileExists(t, filepath.Join(outside, "evil"))

	nested := &Archive{toc: &tocToc{Files: []*tocFile{
		{Name: "a", Type: typeSymlink, Link: &tocLink{Type: "directory", Target: outside}},
		{Name: "a/evil", Type: typeFile, Mode: "0644"},
	}}}

	require.Error(t, nested.ExtractTo(t.TempDir()))
	require.NoFileExists(t, filepath.Join(outside, "evil"))
}

// TestHandle_AddMemberRejectsSymlinkParent refuses to move a member through a symlinked directory.
func TestHandle_AddMemberRejectsSymlinkParent(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	dir := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "sub")))

	src := filepath.Join(t.TempDir(), "agent.pkg")
	testutil.WriteFile(t, src, "pkg", 0o644)

	h := &Handle{dir: dir}

	err := h.AddMember("sub/agent.pkg", src)
	require.ErrorIs(t, err, errUnsafePath)
	require.NoFileExists(t, filepath.Join(outside, "agent.pkg"))
	require.FileExists(t, src)
}
