package largeblob

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SigmaG33/ctap2largeblob/internal/secbuf"
	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

// setRequest is the authenticatorLargeBlobs request map for a write
// fragment: {2: chunk, 3: offset, 4: totalLength (offset 0 only),
// 5: pinUvAuthParam, 6: pinUvAuthProtocol} (CTAP 2.1 Section 6.10.4).
type setRequest struct {
	Set               []byte `cbor:"2,keyasint"`
	Offset            int    `cbor:"3,keyasint"`
	Length            int    `cbor:"4,keyasint,omitempty"`
	PinUvAuthParam    []byte `cbor:"5,keyasint,omitempty"`
	PinUvAuthProtocol int    `cbor:"6,keyasint,omitempty"`
}

// pinUvAuthProtocolTwo is the only pinUvAuthProtocol this module's pinuv
// package implements; see pkg/pinuv.
const pinUvAuthProtocolTwo = 2

// writeArray serializes arr, appends its digest, and transmits the result
// to the device in offset-indexed fragments, each individually authorized
// with the spec's per-fragment HMAC preamble when a PinUVAuth
// implementation is configured.
func (e *Engine) writeArray(ctx context.Context, arr Array, pin string) error {
	const op = "array.write"
	wire, err := arr.serialize()
	if err != nil {
		return newError(KindInternal, op, err)
	}

	var token []byte
	if e.pinuv != nil {
		token, err = e.pinuv.Token(e.dev, pin)
		if err != nil {
			return newError(KindAuth, op, fmt.Errorf("acquire pinUvAuthToken: %w", err))
		}
		defer secbuf.Zero(token)
	}

	fragLen := e.fragmentLength()
	if fragLen <= 0 {
		return newError(KindInvalidArgument, op, fmt.Errorf("device MaxMsgSize too small"))
	}

	for offset := 0; offset < len(wire); offset += fragLen {
		if err := ctx.Err(); err != nil {
			return newError(KindInternal, op, err)
		}
		end := offset + fragLen
		if end > len(wire) {
			end = len(wire)
		}
		if err := e.putFragment(wire[offset:end], offset, len(wire), token); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) putFragment(chunk []byte, offset, total int, token []byte) error {
	const op = "array.write"
	req := setRequest{
		Set:    chunk,
		Offset: offset,
	}
	if offset == 0 {
		req.Length = total
	}
	if e.pinuv != nil {
		preamble := hmacPreamble(offset, chunk)
		req.PinUvAuthParam = e.pinuv.Authenticate(token, preamble)
		req.PinUvAuthProtocol = pinUvAuthProtocolTwo
	}

	payload, err := cbor.Marshal(req)
	if err != nil {
		return newError(KindInternal, op, fmt.Errorf("encode setRequest: %w", err))
	}
	framed := make([]byte, 1+len(payload))
	framed[0] = ctap2.CBORLargeBlobs
	copy(framed[1:], payload)

	if err := e.dev.Transmit(ctap2.CmdCBOR, framed); err != nil {
		return newError(KindTransportTx, op, err)
	}
	buf := make([]byte, e.dev.MaxMsgSize())
	n, err := e.dev.Receive(ctap2.CmdCBOR, buf, int(e.opts.rxTimeout.Milliseconds()))
	if err != nil {
		return newError(KindTransportRx, op, err)
	}
	if _, err := ctap2.DecodeStatus(buf[:n]); err != nil {
		if se, ok := err.(*ctap2.StatusError); ok &&
			(se.Status == ctap2.StatusPINInvalid || se.Status == ctap2.StatusPINAuthInvalid) {
			return newError(KindAuth, op, err)
		}
		return newError(KindTransportRx, op, err)
	}
	return nil
}

// hmacPreamble builds the 70-byte buffer authorizing one write fragment:
// 32 bytes of 0xFF, the largeBlob command byte, a zero byte, the
// fragment's offset as a little-endian uint32, and the SHA-256 of the
// fragment body.
func hmacPreamble(offset int, fragment []byte) []byte {
	buf := make([]byte, 32+1+1+4+32)
	for i := 0; i < 32; i++ {
		buf[i] = 0xff
	}
	buf[32] = ctap2.CBORLargeBlobs
	buf[33] = 0x00
	binary.LittleEndian.PutUint32(buf[34:38], uint32(offset))
	sum := sha256.Sum256(fragment)
	copy(buf[38:], sum[:])
	return buf
}
