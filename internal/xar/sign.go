package xar

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SHA-1 is the checksum algorithm of the container format.
	"crypto/x509"
	"fmt"
)

// sha1DigestInfoPrefix is the DER DigestInfo header of a SHA-1 digest.
//
//nolint:gochecknoglobals // Constant byte sequence.
var sha1DigestInfoPrefix = []byte{
	0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14,
}

// Reserve rewrites data with the certificates embedded and a zeroed signature slot
// of size bytes, replacing any existing signature. It returns the new container and
// the DigestInfo over its table of contents checksum, ready for a raw PKCS#1 v1.5 signature.
func Reserve(data []byte, certificates []*x509.Certificate, size int) ([]byte, []byte, error) {
	if len(certificates) == 0 {
		return nil, nil, fmt.Errorf("reserve signature: %w: no certificates", ErrFormat)
	}

	if size <= 0 {
		return nil, nil, fmt.Errorf("reserve signature: %w: signature size %d", ErrFormat, size)
	}

	a, err := parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("reserve signature: %w", err)
	}

	if a.toc.Checksum.Style != styleSHA1 {
		return nil, nil, fmt.Errorf("reserve signature: %w: checksum style %q", errEncoding, a.toc.Checksum.Style)
	}

	oldStart := heapDataStart(a.toc)

	ders := make([][]byte, 0, len(certificates))
	for _, cert := range certificates {
		ders = append(ders, cert.Raw)
	}

	toc := *a.toc
	toc.Checksum.Offset = 0
	toc.Signature = newSignature(ders, size)

	delta := heapDataStart(&toc) - oldStart

	_ = walkFiles(toc.Files, "", func(_ string, f *tocFile) error {
		if f.Data != nil {
			f.Data.Offset += delta
		}

		return nil
	})

	compressed, rawSize, err := compressTOC(&toc)
	if err != nil {
		return nil, nil, fmt.Errorf("reserve signature: %w", err)
	}

	var buf bytes.Buffer
	if err = writePrefix(&buf, compressed, rawSize, &toc); err != nil {
		return nil, nil, fmt.Errorf("reserve signature: %w", err)
	}

	buf.Write(a.data[a.heapStart+oldStart:])

	return buf.Bytes(), digestInfo(compressed), nil
}

// Inject writes signature into the reserved slot of data in place.
func Inject(data, signature []byte) error {
	a, err := parse(data)
	if err != nil {
		return fmt.Errorf("inject signature: %w", err)
	}

	slot, err := a.Signature()
	if err != nil {
		return fmt.Errorf("inject signature: %w", err)
	}

	if len(signature) != len(slot) {
		return fmt.Errorf("inject signature: %w: got %d bytes, reserved %d", ErrSignatureSize, len(signature), len(slot))
	}

	copy(slot, signature)

	return nil
}

// DigestInfo returns the DigestInfo of the table of contents checksum of data.
func DigestInfo(data []byte) ([]byte, error) {
	a, err := parse(data)
	if err != nil {
		return nil, err
	}

	return digestInfo(a.compressed), nil
}

// Verify checks the table of contents checksum and the RSA signature of data
// against the embedded leaf certificate.
func Verify(data []byte) error {
	a, err := parse(data)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	signature, err := a.Signature()
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	certs, err := a.Certificates()
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if len(certs) == 0 {
		return fmt.Errorf("verify: %w: no certificates", ErrFormat)
	}

	key, ok := certs[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("verify: %w: leaf certificate key is %T", ErrFormat, certs[0].PublicKey)
	}

	sum := sha1.Sum(a.compressed) //nolint:gosec // Format checksum.
	if err = rsa.VerifyPKCS1v15(key, crypto.SHA1, sum[:], signature); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	return nil
}

func digestInfo(compressedTOC []byte) []byte {
	sum := sha1.Sum(compressedTOC) //nolint:gosec // Format checksum.

	return append(append([]byte{}, sha1DigestInfoPrefix...), sum[:]...)
}
