package pinuv

import (
	"crypto/sha256"
	"fmt"

	"github.com/SigmaG33/ctap2largeblob/internal/secbuf"
	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

// Client drives the full getKeyAgreement -> getPinUvAuthTokenUsingPin
// exchange on every Token call, scoped to both the largeBlobArray write
// and credential-management permissions for RPID, so the same token can
// authorize a largeBlobArray write and, when Trim needs it, a
// credential-management enumeration in one PIN entry. It implements the
// two-method interface pkg/largeblob.Engine expects from its PinUVAuth
// collaborator, without pkg/largeblob needing to import this package.
type Client struct {
	// RPID is the relying party ID the token is scoped to. CTAP 2.1
	// permits an empty rpID for the largeBlobArray write permission,
	// since the array itself is not partitioned by relying party.
	RPID string
}

// Token implements largeblob.PinUVAuth.
func (c Client) Token(dev ctap2.Device, pin string) ([]byte, error) {
	platform, secret, err := ECDH(dev)
	if err != nil {
		return nil, fmt.Errorf("pinuv: key agreement: %w", err)
	}
	defer secret.Wipe()

	sum := sha256.Sum256([]byte(pin))
	pinHash := sum[:16]
	defer secbuf.Zero(pinHash)

	token, err := Token(dev, platform, secret, pinHash, PermissionLargeBlobWrite|PermissionCredentialManagement, c.RPID)
	if err != nil {
		return nil, fmt.Errorf("pinuv: token acquisition: %w", err)
	}
	return token, nil
}

// Authenticate implements largeblob.PinUVAuth.
func (c Client) Authenticate(token, message []byte) []byte {
	return Authenticate(token, message)
}
