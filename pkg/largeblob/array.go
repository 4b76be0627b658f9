package largeblob

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// digestSize is the length in bytes of the trailing SHA-256 digest
// appended to a serialized largeBlobArray (CTAP 2.1 Section 6.10.2: the
// first 16 bytes of SHA-256 of the CBOR-encoded array).
const digestSize = 16

// Array is an in-memory largeBlobArray: the CBOR definite array an
// authenticator stores as a single opaque blob. Slots are kept as raw,
// undecoded CBOR items rather than parsed elements, because a
// non-conformant slot (one that fails decodeElement) must still survive a
// load/insert/remove round trip undisturbed — only a lookup is allowed to
// treat it as absent. Decoding happens lazily, per slot, in find.
type Array []cbor.RawMessage

// serialize encodes the array to its wire form: the CBOR definite array
// followed by the first 16 bytes of the SHA-256 digest of that encoding.
func (a Array) serialize() ([]byte, error) {
	body, err := cbor.Marshal([]cbor.RawMessage(a))
	if err != nil {
		return nil, fmt.Errorf("encode array: %w", err)
	}
	return appendDigest(body), nil
}

func appendDigest(body []byte) []byte {
	sum := sha256.Sum256(body)
	out := make([]byte, 0, len(body)+digestSize)
	out = append(out, body...)
	out = append(out, sum[:digestSize]...)
	return out
}

// loadArray parses a largeBlobArray read back from the device. Per CTAP
// 2.1 Section 6.10.2, a digest mismatch (including the trivial case of a
// buffer shorter than the digest itself) is not an error the caller
// should see: the authenticator is treated as if it held an empty array.
//
// loadArray does not validate individual elements — per-slot validation
// (ciphertext/nonce length, origSize) happens lazily in find, the first
// time a slot is actually looked up. A slot that never decodes is kept
// verbatim in the array rather than discarded here.
func loadArray(wire []byte) (Array, error) {
	if len(wire) < digestSize || !verifyDigest(wire) {
		return Array{}, nil
	}
	body := wire[:len(wire)-digestSize]

	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(body, &raw); err != nil {
		return nil, newError(KindCorrupt, "array.load", fmt.Errorf("decode array: %w", err))
	}
	return Array(raw), nil
}

func verifyDigest(wire []byte) bool {
	body := wire[:len(wire)-digestSize]
	sum := sha256.Sum256(body)
	return subtle.ConstantTimeCompare(sum[:digestSize], wire[len(wire)-digestSize:]) == 1
}

// find performs lazy decode plus trial decryption: it walks the array in
// order, skipping any slot that fails to decode (non-conformant, left for
// a mutator to preserve), and returns the first element that opens
// successfully under key. A failed AEAD open is expected for every
// element not sealed under key and is not logged as an error.
func (a Array) find(key Key) (plaintext []byte, index int, err error) {
	for i, raw := range a {
		el, decErr := decodeElement(raw)
		if decErr != nil {
			continue
		}
		pt, openErr := openElement(key, el)
		if openErr != nil {
			continue
		}
		return pt, i, nil
	}
	return nil, -1, newError(KindNotFound, "array.find", nil)
}

// insert replaces the element matching key, if one exists, or appends
// elem otherwise. It never mutates a; it returns the new array.
func (a Array) insert(key Key, elem element) (Array, error) {
	encoded, err := elem.encode()
	if err != nil {
		return nil, err
	}
	raw := cbor.RawMessage(encoded)

	_, idx, findErr := a.find(key)
	next := make(Array, len(a))
	copy(next, a)
	if findErr == nil {
		next[idx] = raw
		return next, nil
	}
	return append(next, raw), nil
}

// remove deletes the element matching key, if one exists, preserving the
// order of the remaining elements. removed reports whether an element was
// found and deleted.
func (a Array) remove(key Key) (next Array, removed bool) {
	_, idx, err := a.find(key)
	if err != nil {
		return a, false
	}
	next = make(Array, 0, len(a)-1)
	next = append(next, a[:idx]...)
	next = append(next, a[idx+1:]...)
	return next, true
}

// trim rebuilds the array by retaining every slot that either fails to
// decode (non-conformant, kept rather than guessed at) or opens under at
// least one key in live. Every other slot — one that decodes cleanly but
// opens under none of the live keys — is an orphan left behind by a
// deleted resident credential, and is dropped. Array order is preserved.
func (a Array) trim(live []Key) Array {
	next := make(Array, 0, len(a))
	for _, raw := range a {
		el, decErr := decodeElement(raw)
		if decErr != nil {
			next = append(next, raw)
			continue
		}
		if opensUnderAny(el, live) {
			next = append(next, raw)
		}
	}
	return next
}

func opensUnderAny(el element, keys []Key) bool {
	for _, k := range keys {
		if _, err := openElement(k, el); err == nil {
			return true
		}
	}
	return false
}
