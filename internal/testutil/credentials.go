package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Credentials is a self-signed RSA signing identity written to disk.
type Credentials struct {
	// Certificate is the parsed certificate.
	Certificate *x509.Certificate
	// Key is the private key.
	Key *rsa.PrivateKey
	// CertificatePath is the PEM certificate file.
	CertificatePath string
	// PrivateKeyPath is the PEM PKCS#1 key file.
	PrivateKeyPath string
	// PKCS8KeyPath is the same key in PKCS#8 form.
	PKCS8KeyPath string
}

// NewCredentials generates a self-signed code signing certificate with a key of bits size.
func NewCredentials(t *testing.T, bits int) *Credentials {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "Developer ID Installer: Example (TEST)"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	creds := &Credentials{
		Certificate:     cert,
		Key:             key,
		CertificatePath: filepath.Join(dir, "cert.pem"),
		PrivateKeyPath:  filepath.Join(dir, "key.pem"),
		PKCS8KeyPath:    filepath.Join(dir, "key-pkcs8.pem"),
	}

	writePEM(t, creds.CertificatePath, "CERTIFICATE", der)
	writePEM(t, creds.PrivateKeyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	writePEM(t, creds.PKCS8KeyPath, "PRIVATE KEY", pkcs8)

	return creds
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()

	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
