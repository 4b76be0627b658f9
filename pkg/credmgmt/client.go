// Package credmgmt provides the narrow slice of CTAP 2.1's
// authenticatorCredentialManagement command this module needs: discovering
// the largeBlobKey of every resident credential, across every relying
// party, so a caller can locate or provision the largeBlobArray element
// that belongs to a given credential, or — via Trim — tell a live element
// apart from one left behind by a deleted credential.
package credmgmt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
	"github.com/SigmaG33/ctap2largeblob/pkg/largeblob"
)

const (
	cborCredentialManagement byte = 0x0a

	subCmdEnumerateRPsBegin         = 0x02
	subCmdEnumerateRPsGetNextRP     = 0x03
	subCmdEnumerateCredsBegin       = 0x04
	subCmdEnumerateCredsGetNextCred = 0x05
)

// Client is the subset of authenticatorCredentialManagement a
// largeBlobArray caller needs: walking every relying party's resident
// credentials to collect their largeBlobKey values. token must already be
// authorized for the credentialManagement permission; auth computes the
// pinUvAuthParam each *Begin subcommand requires.
type Client interface {
	// EnumerateRPIDHashes returns the rpIDHash of every relying party with
	// at least one resident credential on the device.
	EnumerateRPIDHashes(dev ctap2.Device, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([][]byte, error)

	// EnumerateLargeBlobKeys returns the largeBlobKey of every resident
	// credential registered for rpIDHash, in enumeration order.
	EnumerateLargeBlobKeys(dev ctap2.Device, rpIDHash []byte, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([]largeblob.Key, error)

	// EnumerateAllLargeBlobKeys returns every resident credential's
	// largeBlobKey across every relying party. It is what Trim calls: the
	// union of EnumerateRPIDHashes and EnumerateLargeBlobKeys per RP.
	EnumerateAllLargeBlobKeys(dev ctap2.Device, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([]largeblob.Key, error)
}

// client is the default Client implementation, driving
// authenticatorCredentialManagement's enumerateRPsBegin /
// enumerateRPsGetNextRP / enumerateCredentialsBegin /
// enumerateCredentialsGetNextCredential subcommands directly against a
// ctap2.Device.
type client struct{}

// NewClient returns the default credential-management client.
func NewClient() Client {
	return client{}
}

type managementRequest struct {
	SubCommand        int                   `cbor:"1,keyasint"`
	Params            *enumerateCredsParams `cbor:"2,keyasint,omitempty"`
	PinUvAuthProtocol int                   `cbor:"3,keyasint,omitempty"`
	PinUvAuthParam    []byte                `cbor:"4,keyasint,omitempty"`
}

type enumerateCredsParams struct {
	RPIDHash []byte `cbor:"1,keyasint"`
}

type managementResponse struct {
	ExistingRPCount  int    `cbor:"1,keyasint,omitempty"`
	RPIDHash         []byte `cbor:"3,keyasint,omitempty"`
	TotalCredentials int    `cbor:"4,keyasint,omitempty"`
	LargeBlobKey     []byte `cbor:"9,keyasint,omitempty"`
}

func (client) EnumerateRPIDHashes(dev ctap2.Device, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([][]byte, error) {
	param, err := pinUvAuthParam(auth, token, subCmdEnumerateRPsBegin, nil)
	if err != nil {
		return nil, fmt.Errorf("credmgmt: %w", err)
	}
	req := managementRequest{
		SubCommand:        subCmdEnumerateRPsBegin,
		PinUvAuthProtocol: pinUvAuthProtocol,
		PinUvAuthParam:    param,
	}
	resp, err := exchange(dev, req)
	if err != nil {
		if se, ok := err.(*ctap2.StatusError); ok && se.Status == ctap2.StatusNoCredentials {
			return nil, nil
		}
		return nil, fmt.Errorf("credmgmt: enumerateRPsBegin: %w", err)
	}
	if resp.RPIDHash == nil {
		return nil, nil
	}

	hashes := make([][]byte, 0, resp.ExistingRPCount)
	hashes = append(hashes, resp.RPIDHash)
	for i := 1; i < resp.ExistingRPCount; i++ {
		next, err := exchange(dev, managementRequest{SubCommand: subCmdEnumerateRPsGetNextRP})
		if err != nil {
			return nil, fmt.Errorf("credmgmt: enumerateRPsGetNextRP: %w", err)
		}
		hashes = append(hashes, next.RPIDHash)
	}
	return hashes, nil
}

func (c client) EnumerateLargeBlobKeys(dev ctap2.Device, rpIDHash []byte, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([]largeblob.Key, error) {
	first, remaining, err := c.enumerateCredentialsBegin(dev, rpIDHash, token, auth, pinUvAuthProtocol)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}

	keys := make([]largeblob.Key, 0, remaining+1)
	keys = appendKey(keys, first)

	for i := 0; i < remaining; i++ {
		key, err := c.enumerateCredentialsNext(dev)
		if err != nil {
			return nil, fmt.Errorf("credmgmt: enumerateCredentialsGetNextCredential: %w", err)
		}
		keys = appendKey(keys, key)
	}
	return keys, nil
}

func (c client) EnumerateAllLargeBlobKeys(dev ctap2.Device, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([]largeblob.Key, error) {
	rpIDHashes, err := c.EnumerateRPIDHashes(dev, token, auth, pinUvAuthProtocol)
	if err != nil {
		return nil, fmt.Errorf("credmgmt: %w", err)
	}

	var keys []largeblob.Key
	for _, rpIDHash := range rpIDHashes {
		rpKeys, err := c.EnumerateLargeBlobKeys(dev, rpIDHash, token, auth, pinUvAuthProtocol)
		if err != nil {
			return nil, fmt.Errorf("credmgmt: %w", err)
		}
		keys = append(keys, rpKeys...)
	}
	return keys, nil
}

func appendKey(keys []largeblob.Key, raw []byte) []largeblob.Key {
	if len(raw) != largeblob.KeySize {
		return keys
	}
	var k largeblob.Key
	copy(k[:], raw)
	return append(keys, k)
}

func (client) enumerateCredentialsBegin(dev ctap2.Device, rpIDHash []byte, token []byte, auth largeblob.PinUVAuth, pinUvAuthProtocol int) ([]byte, int, error) {
	params := &enumerateCredsParams{RPIDHash: rpIDHash}
	paramsCBOR, err := cbor.Marshal(params)
	if err != nil {
		return nil, 0, fmt.Errorf("credmgmt: encode enumerateCredentialsBegin params: %w", err)
	}
	param, err := pinUvAuthParam(auth, token, subCmdEnumerateCredsBegin, paramsCBOR)
	if err != nil {
		return nil, 0, fmt.Errorf("credmgmt: %w", err)
	}

	req := managementRequest{
		SubCommand:        subCmdEnumerateCredsBegin,
		Params:            params,
		PinUvAuthProtocol: pinUvAuthProtocol,
		PinUvAuthParam:    param,
	}
	resp, err := exchange(dev, req)
	if err != nil {
		if se, ok := err.(*ctap2.StatusError); ok && se.Status == ctap2.StatusNoCredentials {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("credmgmt: enumerateCredentialsBegin: %w", err)
	}
	return resp.LargeBlobKey, resp.TotalCredentials - 1, nil
}

func (client) enumerateCredentialsNext(dev ctap2.Device) ([]byte, error) {
	req := managementRequest{SubCommand: subCmdEnumerateCredsGetNextCred}
	resp, err := exchange(dev, req)
	if err != nil {
		return nil, err
	}
	return resp.LargeBlobKey, nil
}

// pinUvAuthParam computes the pinUvAuthParam authorizing a *Begin
// subcommand: authenticate(token, subCommand || subCommandParams), per
// CTAP 2.1 Section 6.8. GetNext* continuations take no pinUvAuthParam.
func pinUvAuthParam(auth largeblob.PinUVAuth, token []byte, subCommand byte, paramsCBOR []byte) ([]byte, error) {
	if auth == nil {
		return nil, fmt.Errorf("nil PIN/UV auth collaborator")
	}
	message := make([]byte, 0, 1+len(paramsCBOR))
	message = append(message, subCommand)
	message = append(message, paramsCBOR...)
	return auth.Authenticate(token, message), nil
}

func exchange(dev ctap2.Device, req managementRequest) (*managementResponse, error) {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	framed := make([]byte, 1+len(payload))
	framed[0] = cborCredentialManagement
	copy(framed[1:], payload)

	if err := dev.Transmit(ctap2.CmdCBOR, framed); err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	buf := make([]byte, dev.MaxMsgSize())
	n, err := dev.Receive(ctap2.CmdCBOR, buf, -1)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	body, err := ctap2.DecodeStatus(buf[:n])
	if err != nil {
		return nil, err
	}
	var resp managementResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
