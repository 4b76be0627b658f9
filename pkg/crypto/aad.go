// Additional-authenticated-data construction for largeBlobArray elements.
// This implements the AAD format from CTAP 2.1 Section 6.10.3 (Compressing
// and Encrypting Large-Blob Array Segments).

package crypto

import (
	"encoding/binary"
	"errors"
)

// largeBlobArray AEAD constants.
const (
	// LargeBlobKeySize is the symmetric key length for AES-256-GCM sealing
	// of individual largeBlobArray elements (CTAP 2.1 Section 6.10.3).
	LargeBlobKeySize = 32

	// LargeBlobNonceSize is the GCM nonce length for element sealing.
	LargeBlobNonceSize = 12

	// LargeBlobTagSize is the GCM authentication tag length.
	LargeBlobTagSize = 16

	// LargeBlobAADPrefixSize is the length of the fixed ASCII prefix in the AAD.
	LargeBlobAADPrefixSize = 4
)

// largeBlobAADPrefix is the fixed 4-byte ASCII prefix "blob" prepended to
// the little-endian original size to form the element AAD.
var largeBlobAADPrefix = []byte("blob")

// ErrInvalidKeySize is returned when a key does not match LargeBlobKeySize.
var ErrInvalidKeySize = errors.New("crypto: invalid key size, must be 32 bytes")

// BuildLargeBlobAAD constructs the 12-byte additional authenticated data for
// sealing or opening one largeBlobArray element.
//
// Format: "blob" (4 bytes ASCII) || origSize (8 bytes little-endian unsigned).
//
// Binding origSize (the uncompressed plaintext length, not the compressed
// ciphertext length) into the AEAD tag prevents an attacker from swapping
// compressed payloads between elements that happen to share a ciphertext
// length.
func BuildLargeBlobAAD(origSize uint64) []byte {
	aad := make([]byte, LargeBlobAADPrefixSize+8)
	copy(aad, largeBlobAADPrefix)
	binary.LittleEndian.PutUint64(aad[LargeBlobAADPrefixSize:], origSize)
	return aad
}
