package largeblob

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/SigmaG33/ctap2largeblob/internal/secbuf"
	ctap2crypto "github.com/SigmaG33/ctap2largeblob/pkg/crypto"
)

// sealElement compresses plaintext, seals it under key with AES-256-GCM,
// and returns the resulting element ready for insertion into an Array
// (CTAP 2.1 Section 6.10.3, "Compressing and Encrypting Large-Blob Array
// Segments").
func sealElement(key Key, plaintext []byte) (element, error) {
	compressed, err := deflate(plaintext)
	if err != nil {
		return element{}, fmt.Errorf("compress: %w", err)
	}
	defer secbuf.Zero(compressed)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return element{}, fmt.Errorf("generate nonce: %w", err)
	}

	aad := ctap2crypto.BuildLargeBlobAAD(uint64(len(plaintext)))
	ciphertext, err := aesGCMSeal(key[:], nonce, aad, compressed)
	if err != nil {
		return element{}, fmt.Errorf("seal: %w", err)
	}

	return element{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		OrigSize:   uint64(len(plaintext)),
	}, nil
}

// openElement reverses sealElement: it authenticates and decrypts el
// under key, then inflates the result back to its original, uncompressed
// form. A mismatched key surfaces as an AEAD authentication failure, which
// callers treat as "this element does not belong to this key" rather than
// as a hard error (see array.find).
func openElement(key Key, el element) ([]byte, error) {
	aad := ctap2crypto.BuildLargeBlobAAD(el.OrigSize)
	compressed, err := aesGCMOpen(key[:], el.Nonce, aad, el.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer secbuf.Zero(compressed)

	plaintext, err := inflate(compressed, el.OrigSize)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return plaintext, nil
}

// deflate compresses data with raw DEFLATE (no zlib or gzip framing),
// matching the wire format CTAP 2.1 Section 6.10.3 specifies for
// largeBlobArray elements.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses a raw DEFLATE stream, bounding the output at
// origSize bytes read from the element's trusted (AEAD-authenticated)
// OrigSize field so a corrupt or hostile stream cannot be decompressed
// into an unbounded buffer. A stream that decompresses to fewer or more
// than origSize bytes is an error.
func inflate(data []byte, origSize uint64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out := make([]byte, origSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("decompressed data exceeds origSize %d", origSize)
	}
	return out, nil
}

// aesGCMSeal seals plaintext under key with AES-256-GCM using the
// 12-byte nonce and aad supplied by the caller.
func aesGCMSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// aesGCMOpen authenticates and decrypts ciphertext under key.
func aesGCMOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}
