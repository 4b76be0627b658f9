// Package pinuv implements the client side of the CTAP 2.1 PIN/UV auth
// protocol key agreement and token acquisition (Section 6.5.3 through
// 6.5.5), the minimum needed for a relying-party client to obtain a
// pinUvAuthToken scoped to the largeBlobArray write permission.
//
// Only pinUvAuthProtocol Two is implemented: protocol One is deprecated by
// the spec and authenticators implementing largeBlobArray writes are
// expected to support Two.
package pinuv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SigmaG33/ctap2largeblob/internal/secbuf"
	ctap2crypto "github.com/SigmaG33/ctap2largeblob/pkg/crypto"
	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

var (
	// ErrNoPlatformKey indicates the authenticator's getKeyAgreement
	// response was missing or malformed.
	ErrNoPlatformKey = errors.New("pinuv: authenticator key agreement response missing public key")
	// ErrNoSharedSecret indicates ECDH key agreement failed locally.
	ErrNoSharedSecret = errors.New("pinuv: ECDH shared secret derivation failed")
)

// Permission bits for the pinUvAuthToken, CTAP 2.1 Section 6.5.5.4.
const (
	PermissionCredentialManagement byte = 0x04
	PermissionLargeBlobWrite       byte = 0x10
)

// hmacKeyInfo and aesKeyInfo are the fixed HKDF info strings
// pinUvAuthProtocol Two uses to derive its two sub-keys (HMAC key, AES key) from the raw ECDH Z value.
var (
	hmacKeyInfo = []byte("CTAP2 HMAC key")
	aesKeyInfo  = []byte("CTAP2 AES key")
)

// SharedSecret holds the two keys pinUvAuthProtocol Two derives from an
// ECDH shared point: a 32-byte HMAC-SHA-256 key and a 32-byte AES-256-CBC
// key. Zero it with Wipe once the token has been obtained.
type SharedSecret struct {
	hmacKey [32]byte
	aesKey  [32]byte
}

// Wipe zeroizes both sub-keys. Callers should defer it immediately after a
// successful ECDH.
func (s *SharedSecret) Wipe() {
	secbuf.ZeroAll(s.hmacKey[:], s.aesKey[:])
}

// getKeyAgreementResponse is the authenticatorClientPIN response to a
// getKeyAgreement request: a single COSE_Key public key under CBOR map key 1.
type getKeyAgreementResponse struct {
	Key coseKey `cbor:"1,keyasint"`
}

// coseKey is the subset of a COSE EC2 key CTAP2 uses for pinUvAuthProtocol
// key agreement: kty=2 (EC2), crv=1 (P-256), with raw x/y coordinates.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

// clientPINRequest is the authenticatorClientPIN request map (CTAP 2.1
// Section 6.5.5). Not every field is populated for every subcommand.
type clientPINRequest struct {
	PinUvAuthProtocol int      `cbor:"1,keyasint,omitempty"`
	SubCommand        int      `cbor:"2,keyasint"`
	KeyAgreement      *coseKey `cbor:"3,keyasint,omitempty"`
	PinUvAuthParam    []byte   `cbor:"4,keyasint,omitempty"`
	NewPinEnc         []byte   `cbor:"5,keyasint,omitempty"`
	PinHashEnc        []byte   `cbor:"6,keyasint,omitempty"`
	Permissions       byte     `cbor:"9,keyasint,omitempty"`
	RPID              string   `cbor:"10,keyasint,omitempty"`
}

const (
	subCmdGetKeyAgreement      = 0x02
	subCmdGetPINToken          = 0x05
	subCmdGetPINUVAuthTokenUsingPIN = 0x09
)

// getPinTokenResponse carries the encrypted pinUvAuthToken under CBOR map
// key 2.
type getPinTokenResponse struct {
	PinUvAuthToken []byte `cbor:"2,keyasint"`
}

// ECDH performs authenticatorClientPIN getKeyAgreement against dev and
// returns the platform's own ephemeral key pair together with the shared
// secret derived from the authenticator's public key.
func ECDH(dev ctap2.Device) (platform *ctap2crypto.P256KeyPair, secret *SharedSecret, err error) {
	req := clientPINRequest{
		PinUvAuthProtocol: 2,
		SubCommand:        subCmdGetKeyAgreement,
	}
	payload, err := cbor.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pinuv: encode getKeyAgreement request: %w", err)
	}
	body, err := exchange(dev, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("pinuv: getKeyAgreement: %w", err)
	}

	var resp getKeyAgreementResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoPlatformKey, err)
	}
	if resp.Key.Crv != 1 || len(resp.Key.X) != 32 || len(resp.Key.Y) != 32 {
		return nil, nil, ErrNoPlatformKey
	}

	authenticatorPub := make([]byte, ctap2crypto.P256PublicKeySizeBytes)
	authenticatorPub[0] = 0x04
	copy(authenticatorPub[1:33], resp.Key.X)
	copy(authenticatorPub[33:65], resp.Key.Y)
	if err := ctap2crypto.P256ValidatePublicKey(authenticatorPub); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoPlatformKey, err)
	}

	platform, err = ctap2crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("pinuv: generate platform key pair: %w", err)
	}

	z, err := ctap2crypto.P256ECDH(platform, authenticatorPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoSharedSecret, err)
	}
	defer secbuf.Zero(z)

	secret = &SharedSecret{}
	hmacKey, err := ctap2crypto.HKDFSHA256(z, nil, hmacKeyInfo, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("pinuv: derive HMAC key: %w", err)
	}
	copy(secret.hmacKey[:], hmacKey)
	secbuf.Zero(hmacKey)

	aesKey, err := ctap2crypto.HKDFSHA256(z, nil, aesKeyInfo, 32)
	if err != nil {
		secret.Wipe()
		return nil, nil, fmt.Errorf("pinuv: derive AES key: %w", err)
	}
	copy(secret.aesKey[:], aesKey)
	secbuf.Zero(aesKey)

	return platform, secret, nil
}

// Token obtains a pinUvAuthToken scoped to permissions (an OR of the
// Permission* bits) for the given rpID, using a previously agreed
// SharedSecret. pinHash is the first 16 bytes of SHA-256(pin); callers
// must zeroize it after the call returns.
func Token(dev ctap2.Device, platform *ctap2crypto.P256KeyPair, secret *SharedSecret, pinHash []byte, permissions byte, rpID string) (token []byte, err error) {
	pinHashEnc, err := aesCBCEncrypt(secret.aesKey[:], pinHash)
	if err != nil {
		return nil, fmt.Errorf("pinuv: encrypt pinHash: %w", err)
	}
	defer secbuf.Zero(pinHashEnc)

	pub := platform.P256PublicKey()
	x := pub[1:33]
	y := pub[33:65]

	req := clientPINRequest{
		PinUvAuthProtocol: 2,
		SubCommand:        subCmdGetPINUVAuthTokenUsingPIN,
		KeyAgreement: &coseKey{
			Kty: 2, Alg: -25, Crv: 1,
			X: x, Y: y,
		},
		PinHashEnc:  pinHashEnc,
		Permissions: permissions,
		RPID:        rpID,
	}
	payload, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pinuv: encode getPinUvAuthTokenUsingPin request: %w", err)
	}
	body, err := exchange(dev, payload)
	if err != nil {
		return nil, fmt.Errorf("pinuv: getPinUvAuthTokenUsingPin: %w", err)
	}

	var resp getPinTokenResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pinuv: decode pinUvAuthToken response: %w", err)
	}

	plainToken, err := aesCBCDecrypt(secret.aesKey[:], resp.PinUvAuthToken)
	if err != nil {
		return nil, fmt.Errorf("pinuv: decrypt pinUvAuthToken: %w", err)
	}
	return plainToken, nil
}

// Authenticate computes the pinUvAuthParam for message under token, per
// pinUvAuthProtocol Two's authenticate(key, message) = HMAC-SHA-256(key,
// message) (full 32 bytes; protocol One truncates to 16, but largeBlobArray
// writes require protocol Two).
func Authenticate(token, message []byte) []byte {
	mac := ctap2crypto.HMACSHA256(token, message)
	return mac[:]
}

// exchange sends a single authenticatorClientPIN CBOR request and returns
// its status-checked response body.
func exchange(dev ctap2.Device, payload []byte) ([]byte, error) {
	framed := make([]byte, 1+len(payload))
	framed[0] = ctap2.CBORClientPIN
	copy(framed[1:], payload)

	if err := dev.Transmit(ctap2.CmdCBOR, framed); err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	buf := make([]byte, dev.MaxMsgSize())
	n, err := dev.Receive(ctap2.CmdCBOR, buf, -1)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return ctap2.DecodeStatus(buf[:n])
}

// aesCBCEncrypt implements pinUvAuthProtocol Two's encrypt(key, demPlaintext):
// a random 16-byte IV followed by AES-256-CBC ciphertext, PKCS#7 padding
// omitted because every demPlaintext CTAP2 encrypts under this protocol
// (pinHash, pinUvAuthToken) is already a multiple of the block size.
func aesCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("pinuv: plaintext length %d is not a multiple of the AES block size", len(plaintext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(iv)+len(plaintext))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], plaintext)
	return out, nil
}

// aesCBCDecrypt implements pinUvAuthProtocol Two's decrypt(key, demCiphertext):
// the leading 16 bytes are the IV, the remainder the ciphertext.
func aesCBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("pinuv: malformed ciphertext length %d", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return out, nil
}
