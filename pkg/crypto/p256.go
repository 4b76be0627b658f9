package crypto

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
)

// P-256 constants used by the CTAP2 pinUvAuthProtocol key-agreement step
// (CTAP 2.1 Section 6.5.3, authenticatorClientPIN getKeyAgreement).
const (
	// P256GroupSizeBytes is the scalar/coordinate size in bytes.
	P256GroupSizeBytes = 32

	// P256PublicKeySizeBytes is the uncompressed public key size.
	// Format: 0x04 || X (32 bytes) || Y (32 bytes) = 65 bytes.
	P256PublicKeySizeBytes = 65

	// P256CompressedPublicKeySizeBytes is the compressed public key size.
	// Format: 0x02/0x03 || X (32 bytes) = 33 bytes.
	P256CompressedPublicKeySizeBytes = 33
)

// P256KeyPair is an ephemeral P-256 ECDH key pair, as generated by the
// platform for each getKeyAgreement exchange with the authenticator.
type P256KeyPair struct {
	private *ecdh.PrivateKey
}

// P256PublicKey returns the public key in uncompressed format (65 bytes).
// This is what gets split into x/y and placed in the COSE_Key sent to the
// authenticator in the platformKeyAgreementKey parameter.
func (kp *P256KeyPair) P256PublicKey() []byte {
	return kp.private.PublicKey().Bytes()
}

// P256PublicKeyCompressed returns the public key in compressed format (33 bytes).
func (kp *P256KeyPair) P256PublicKeyCompressed() []byte {
	pub := kp.private.PublicKey().Bytes()
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return nil
	}
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// P256PrivateKey returns the private key as a 32-byte scalar.
func (kp *P256KeyPair) P256PrivateKey() []byte {
	return kp.private.Bytes()
}

// P256GenerateKeyPair generates a new ephemeral P-256 key pair for ECDH.
func P256GenerateKeyPair() (*P256KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	return &P256KeyPair{private: priv}, nil
}

// P256KeyPairFromPrivateKey creates a key pair from an existing private key scalar.
func P256KeyPairFromPrivateKey(privateKey []byte) (*P256KeyPair, error) {
	if len(privateKey) != P256GroupSizeBytes {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", P256GroupSizeBytes, len(privateKey))
	}
	priv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &P256KeyPair{private: priv}, nil
}

// P256ECDH computes the raw ECDH shared secret (the platform side of
// CTAP2.1 Section 6.5.3.4, Ecdh step). The result is the x-coordinate of
// the shared point and must be passed through the protocol's KDF
// (HKDF-SHA-256 for protocol two, plain SHA-256 for protocol one) before
// use as a key — it is never used directly.
func P256ECDH(keyPair *P256KeyPair, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != P256PublicKeySizeBytes {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", P256PublicKeySizeBytes, len(peerPublicKey))
	}

	peerPub, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}

	secret, err := keyPair.private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH computation failed: %w", err)
	}

	return secret, nil
}

// P256ECDHFromPrivateKey computes ECDH using raw private key bytes.
func P256ECDHFromPrivateKey(privateKey, peerPublicKey []byte) ([]byte, error) {
	kp, err := P256KeyPairFromPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return P256ECDH(kp, peerPublicKey)
}

// P256PublicKeyFromCompressed decompresses a compressed public key.
// Input: 33-byte compressed key (0x02/0x03 || X). Output: 65-byte
// uncompressed key (0x04 || X || Y).
func P256PublicKeyFromCompressed(compressed []byte) ([]byte, error) {
	if len(compressed) != P256CompressedPublicKeySizeBytes {
		return nil, fmt.Errorf("compressed key must be %d bytes, got %d", P256CompressedPublicKeySizeBytes, len(compressed))
	}

	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), compressed)
	if x == nil {
		return nil, errors.New("failed to decompress public key")
	}

	result := make([]byte, P256PublicKeySizeBytes)
	result[0] = 0x04
	xBytes := x.Bytes()
	yBytes := y.Bytes()
	copy(result[1+P256GroupSizeBytes-len(xBytes):1+P256GroupSizeBytes], xBytes)
	copy(result[1+P256GroupSizeBytes+P256GroupSizeBytes-len(yBytes):], yBytes)

	return result, nil
}

// P256ValidatePublicKey validates that a public key is well-formed and on
// the P-256 curve. The authenticator's COSE_Key x/y coordinates must pass
// this check before being handed to P256ECDH — CTAP2.1 Section 6.5.3.4
// requires rejecting an invalid key agreement point.
func P256ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != P256PublicKeySizeBytes {
		return fmt.Errorf("public key must be %d bytes, got %d", P256PublicKeySizeBytes, len(publicKey))
	}
	if publicKey[0] != 0x04 {
		return errors.New("public key must be in uncompressed format (starting with 0x04)")
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), publicKey)
	if x == nil {
		return errors.New("public key point is not on the P-256 curve")
	}

	return nil
}
