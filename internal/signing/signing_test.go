package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/testutil"
	"github.com/oshokin/flatpkg/internal/xar"
)

func newContainer(t *testing.T) []byte {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "PackageInfo"), "<pkg-info/>\n", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "Payload"), "payload", 0o644)

	var buf bytes.Buffer
	require.NoError(t, xar.Assemble(context.Background(), dir, &buf, nil))

	return buf.Bytes()
}

// TestLoadKeyPair_PKCS1AndPKCS8 loads both private key encodings.
func TestLoadKeyPair_PKCS1AndPKCS8(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)

	for _, keyPath := range []string{creds.PrivateKeyPath, creds.PKCS8KeyPath} {
		signer, err := LoadKeyPair(creds.CertificatePath, keyPath)
		require.NoError(t, err)
		require.Len(t, signer.Certificates(), 1)
		require.Equal(t, creds.Certificate.Raw, signer.Certificates()[0].Raw)
	}
}

// TestLoadKeyPair_Errors rejects missing files, foreign keys and non-PEM input.
func TestLoadKeyPair_Errors(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)
	other := testutil.NewCredentials(t, 1024)

	_, err := LoadKeyPair(creds.CertificatePath, other.PrivateKeyPath)
	require.ErrorIs(t, err, errKeyMismatch)

	_, err = LoadKeyPair(creds.PrivateKeyPath, creds.PrivateKeyPath)
	require.ErrorIs(t, err, errNoCertificate)

	garbage := filepath.Join(t.TempDir(), "key.pem")
	testutil.WriteFile(t, garbage, "not pem", 0o600)

	_, err = LoadKeyPair(creds.CertificatePath, garbage)
	require.ErrorIs(t, err, errNoPrivateKey)

	_, err = LoadKeyPair(filepath.Join(t.TempDir(), "absent.pem"), creds.PrivateKeyPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestLoadCertificates_Chain keeps every certificate of a chain file in order.
func TestLoadCertificates_Chain(t *testing.T) {
	t.Parallel()

	leaf := testutil.NewCredentials(t, 1024)
	intermediate := testutil.NewCredentials(t, 1024)

	leafPEM, err := os.ReadFile(leaf.CertificatePath)
	require.NoError(t, err)

	intermediatePEM, err := os.ReadFile(intermediate.CertificatePath)
	require.NoError(t, err)

	chain := filepath.Join(t.TempDir(), "chain.pem")
	testutil.WriteFile(t, chain, string(leafPEM)+string(intermediatePEM), 0o600)

	certs, err := LoadCertificates(chain)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	require.Equal(t, leaf.Certificate.Raw, certs[0].Raw)
	require.Equal(t, intermediate.Certificate.Raw, certs[1].Raw)
}

// TestLoadPKCS12_Invalid reports undecodable bundles as signing failures.
func TestLoadPKCS12_Invalid(t *testing.T) {
	t.Parallel()

	bundle := filepath.Join(t.TempDir(), "identity.p12")
	testutil.WriteFile(t, bundle, "not a bundle", 0o600)

	_, err := LoadPKCS12(bundle, "secret")
	require.Error(t, err)

	_, err = New(&build.Credential{PKCS12Path: bundle, PKCS12Password: "secret"}, BackendNative)
	require.ErrorIs(t, err, build.ErrSigning)

	_, err = New(&build.Credential{PKCS12Path: bundle}, BackendOpenSSL)
	require.ErrorIs(t, err, errPKCS12Backend)
}

// TestNew_Backends picks the implementation by backend name.
func TestNew_Backends(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)
	credential := &build.Credential{CertificatePath: creds.CertificatePath, PrivateKeyPath: creds.PrivateKeyPath}

	signer, err := New(credential, "")
	require.NoError(t, err)
	require.IsType(t, &KeySigner{}, signer)

	signer, err = New(credential, BackendOpenSSL)
	require.NoError(t, err)
	require.IsType(t, &OpenSSLSigner{}, signer)

	_, err = New(credential, "hsm")
	require.ErrorIs(t, err, errUnknownBackend)
	require.ErrorIs(t, err, build.ErrSigning)
}

// TestProbeSignatureSize matches the key modulus size.
func TestProbeSignatureSize(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 2048)

	signer, err := NewKeySigner(creds.Key, []*x509.Certificate{creds.Certificate})
	require.NoError(t, err)

	size, err := ProbeSignatureSize(context.Background(), signer)
	require.NoError(t, err)
	require.Equal(t, 256, size)
}

// TestPipeline_SignBytes signs a container that then verifies.
func TestPipeline_SignBytes(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 2048)

	signer, err := NewKeySigner(creds.Key, []*x509.Certificate{creds.Certificate})
	require.NoError(t, err)

	signed, err := NewPipeline(signer).SignBytes(context.Background(), newContainer(t))
	require.NoError(t, err)
	require.NoError(t, xar.Verify(signed))

	a, err := xar.Open(signed)
	require.NoError(t, err)
	require.Equal(t, 256, a.SignatureSize())

	signature, err := a.Signature()
	require.NoError(t, err)

	digestInfo, err := xar.DigestInfo(signed)
	require.NoError(t, err)

	require.NoError(t, rsa.VerifyPKCS1v15(&creds.Key.PublicKey, crypto.Hash(0), digestInfo, signature))
}

// TestPipeline_SignFile signs a container on disk in place.
func TestPipeline_SignFile(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)

	signer, err := LoadKeyPair(creds.CertificatePath, creds.PKCS8KeyPath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "agent.pkg")
	require.NoError(t, os.WriteFile(path, newContainer(t), 0o644))
	require.NoError(t, NewPipeline(signer).Sign(context.Background(), path))

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, xar.Verify(signed))

	err = NewPipeline(signer).Sign(context.Background(), filepath.Join(t.TempDir(), "absent.pkg"))
	require.ErrorIs(t, err, build.ErrSigning)
}

// TestPipeline_CanceledContext aborts before signing.
func TestPipeline_CanceledContext(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)

	signer, err := NewKeySigner(creds.Key, []*x509.Certificate{creds.Certificate})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewPipeline(signer).SignBytes(ctx, newContainer(t))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, build.ErrSigning)
}

// TestOpenSSLSigner_ProcessOutput runs a stand-in binary and keeps its diagnostics.
func TestOpenSSLSigner_ProcessOutput(t *testing.T) {
	t.Parallel()

	creds := testutil.NewCredentials(t, 1024)
	dir := t.TempDir()

	signer, err := NewOpenSSLSigner(creds.CertificatePath, creds.PrivateKeyPath)
	require.NoError(t, err)

	signer.Binary = filepath.Join(dir, "openssl-ok")
	testutil.WriteFile(t, signer.Binary, "#!/bin/sh\ncat >/dev/null\nprintf abcd\n", 0o755)

	size, err := ProbeSignatureSize(context.Background(), signer)
	require.NoError(t, err)
	require.Equal(t, 4, size)

	signer.Binary = filepath.Join(dir, "openssl-fail")
	testutil.WriteFile(t, signer.Binary, "#!/bin/sh\necho 'unable to load key' >&2\nexit 3\n", 0o755)

	_, err = ProbeSignatureSize(context.Background(), signer)
	require.ErrorIs(t, err, build.ErrSigning)

	var se *build.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "unable to load key", se.Output)

	signer.Binary = filepath.Join(dir, "missing")
	_, err = signer.Sign(context.Background(), []byte("digest"))
	require.ErrorIs(t, err, build.ErrSigning)
}
