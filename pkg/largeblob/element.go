package largeblob

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// nonceSize is the length in bytes of the AES-256-GCM nonce stored with
// each element (CTAP 2.1 Section 6.10.3).
const nonceSize = 12

// tagSize is the length in bytes of the AES-256-GCM authentication tag
// appended to every element's ciphertext.
const tagSize = 16

// element is the wire representation of one largeBlobArray entry: a CBOR
// definite map with integer keys 1 (ciphertext), 2 (nonce), 3 (original,
// pre-compression plaintext size).
type element struct {
	Ciphertext []byte `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	OrigSize   uint64 `cbor:"3,keyasint"`
}

// encode serializes the element to its CBOR map form.
func (el element) encode() ([]byte, error) {
	buf, err := cbor.Marshal(el)
	if err != nil {
		return nil, fmt.Errorf("encode element: %w", err)
	}
	return buf, nil
}

// wireElement mirrors element but decodes origSize through a pointer so
// decodeElement can tell "key 3 absent" apart from "key 3 present and
// zero" — both are non-conformant, but only the pointer form lets us say
// so instead of silently treating a missing key as a valid empty blob.
type wireElement struct {
	Ciphertext []byte  `cbor:"1,keyasint"`
	Nonce      []byte  `cbor:"2,keyasint"`
	OrigSize   *uint64 `cbor:"3,keyasint"`
}

// decodeElement parses one array entry and validates the per-field
// invariants CTAP 2.1 Section 6.10.3 requires before it is used: the
// ciphertext must be at least as long as the AEAD tag, the nonce must be
// exactly 12 bytes, and origSize must be present and non-zero (a
// conformant element always records the pre-compression plaintext size,
// which is never zero).
func decodeElement(raw cbor.RawMessage) (element, error) {
	var wire wireElement
	if err := cbor.Unmarshal(raw, &wire); err != nil {
		return element{}, fmt.Errorf("decode element: %w", err)
	}
	if len(wire.Ciphertext) < tagSize {
		return element{}, fmt.Errorf("ciphertext too short: %d bytes", len(wire.Ciphertext))
	}
	if len(wire.Nonce) != nonceSize {
		return element{}, fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(wire.Nonce))
	}
	if wire.OrigSize == nil || *wire.OrigSize == 0 {
		return element{}, fmt.Errorf("origSize missing or zero")
	}
	return element{Ciphertext: wire.Ciphertext, Nonce: wire.Nonce, OrigSize: *wire.OrigSize}, nil
}
