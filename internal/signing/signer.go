package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pkcs12"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

const (
	blockCertificate = "CERTIFICATE"

	// BackendNative signs in process.
	BackendNative = "native"
	// BackendOpenSSL signs through the openssl binary.
	BackendOpenSSL = "openssl"
)

var (
	errNoCertificate  = errors.New("no certificate found")
	errNoPrivateKey   = errors.New("no private key found")
	errNotRSA         = errors.New("private key is not RSA")
	errKeyMismatch    = errors.New("private key does not match the certificate")
	errUnknownBackend = errors.New("unknown signing backend")
	errPKCS12Backend  = errors.New("PKCS#12 bundles are only supported by the native backend")
	errEmptySignature = errors.New("signer returned an empty signature")
)

// Signer produces raw PKCS#1 v1.5 signatures over a prepared digest info.
type Signer interface {
	// Sign signs digestInfo without hashing or wrapping it again.
	Sign(ctx context.Context, digestInfo []byte) ([]byte, error)
	// Certificates returns the signing certificate followed by its chain.
	Certificates() []*x509.Certificate
}

// KeySigner signs in process with an RSA key.
type KeySigner struct {
	key   *rsa.PrivateKey
	certs []*x509.Certificate
}

// NewKeySigner returns a signer for key, whose public half must match the first certificate.
func NewKeySigner(key *rsa.PrivateKey, certs []*x509.Certificate) (*KeySigner, error) {
	if len(certs) == 0 {
		return nil, errNoCertificate
	}

	if !key.PublicKey.Equal(certs[0].PublicKey) {
		return nil, errKeyMismatch
	}

	return &KeySigner{key: key, certs: certs}, nil
}

// LoadKeyPair reads a PEM certificate file, optionally holding the chain after
// the leaf, and a PEM RSA key in PKCS#1 or PKCS#8 form.
func LoadKeyPair(certificatePath, privateKeyPath string) (*KeySigner, error) {
	certs, err := LoadCertificates(certificatePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Clean(privateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privateKeyPath, err)
	}

	return NewKeySigner(key, certs)
}

// LoadPKCS12 reads a PKCS#12 bundle holding an RSA key and its certificate.
func LoadPKCS12(path, password string) (*KeySigner, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	privateKey, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", path, err)
	}

	key, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSA
	}

	return NewKeySigner(key, []*x509.Certificate{cert})
}

// LoadCertificates reads every certificate of a PEM file, leaf first.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	var certs []*x509.Certificate

	for {
		var block *pem.Block

		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		if block.Type != blockCertificate {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", path, err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoCertificate, path)
	}

	return certs, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPrivateKey
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("%w (also tried PKCS8: %w)", err, pkcs8Err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSA
	}

	return key, nil
}

// Sign implements Signer.
func (s *KeySigner) Sign(ctx context.Context, digestInfo []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.Hash(0), digestInfo)
}

// Certificates implements Signer.
func (s *KeySigner) Certificates() []*x509.Certificate {
	return s.certs
}

// New returns the signer for credential on the named backend.
func New(credential *build.Credential, backend string) (Signer, error) {
	var (
		signer Signer
		err    error
	)

	switch backend {
	case BackendNative, "":
		if credential.PKCS12Path != "" {
			signer, err = LoadPKCS12(credential.PKCS12Path, credential.PKCS12Password)
		} else {
			signer, err = LoadKeyPair(credential.CertificatePath, credential.PrivateKeyPath)
		}
	case BackendOpenSSL:
		if credential.PKCS12Path != "" {
			return nil, build.NewStageError(build.StageSigning, errPKCS12Backend)
		}

		signer, err = NewOpenSSLSigner(credential.CertificatePath, credential.PrivateKeyPath)
	default:
		return nil, build.NewStageError(build.StageSigning, fmt.Errorf("%w: %q", errUnknownBackend, backend))
	}

	if err != nil {
		return nil, build.NewStageError(build.StageSigning, err)
	}

	return signer, nil
}
