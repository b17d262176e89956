package signing

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"os/exec"
	"strings"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

// DefaultOpenSSLBinary is looked up on PATH.
const DefaultOpenSSLBinary = "openssl"

// OpenSSLSigner signs by running "openssl pkeyutl -sign" on the private key file.
type OpenSSLSigner struct {
	// Binary is the openssl executable.
	Binary string
	// PrivateKeyPath is passed to -inkey.
	PrivateKeyPath string

	certs []*x509.Certificate
}

// NewOpenSSLSigner loads the certificates and signs with the key file at privateKeyPath.
func NewOpenSSLSigner(certificatePath, privateKeyPath string) (*OpenSSLSigner, error) {
	certs, err := LoadCertificates(certificatePath)
	if err != nil {
		return nil, err
	}

	return &OpenSSLSigner{
		Binary:         DefaultOpenSSLBinary,
		PrivateKeyPath: privateKeyPath,
		certs:          certs,
	}, nil
}

// Sign implements Signer. A failed run carries the process output.
func (s *OpenSSLSigner) Sign(ctx context.Context, digestInfo []byte) ([]byte, error) {
	//nolint:gosec // The binary and key path come from the build configuration.
	cmd := exec.CommandContext(ctx, s.Binary, "pkeyutl", "-sign", "-inkey", s.PrivateKeyPath)
	cmd.Stdin = bytes.NewReader(digestInfo)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &build.StageError{
			Stage:  build.StageSigning,
			Err:    fmt.Errorf("run %s pkeyutl: %w", s.Binary, err),
			Output: strings.TrimSpace(stderr.String()),
		}
	}

	return stdout.Bytes(), nil
}

// Certificates implements Signer.
func (s *OpenSSLSigner) Certificates() []*x509.Certificate {
	return s.certs
}
