package largeblob

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

// getRequest is the authenticatorLargeBlobs request map for a read
// fragment: {1: count, 3: offset} (CTAP 2.1 Section 6.10.4).
type getRequest struct {
	Get    int `cbor:"1,keyasint"`
	Offset int `cbor:"3,keyasint"`
}

// getResponse carries one read fragment under CBOR map key 1.
type getResponse struct {
	Config []byte `cbor:"1,keyasint"`
}

// fetchArray reads the entire largeBlobArray off the device in
// MaxFragmentLength-sized chunks and parses it.
//
// The loop reads a full fragment at a time and stops as soon as a
// short fragment (or an empty one) comes back; a truncated final read is
// kept, not discarded, because it is the last real fragment the device
// sent, not an error.
func (e *Engine) fetchArray(ctx context.Context) (Array, error) {
	fragLen := e.fragmentLength()
	if fragLen <= 0 {
		return nil, newError(KindInvalidArgument, "array.fetch", fmt.Errorf("device MaxMsgSize too small"))
	}

	var wire []byte
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindInternal, "array.fetch", err)
		}
		chunk, err := e.getFragment(offset, fragLen)
		if err != nil {
			return nil, err
		}
		wire = append(wire, chunk...)
		offset += len(chunk)
		if len(chunk) < fragLen {
			break
		}
	}

	arr, err := loadArray(wire)
	if err != nil {
		e.log.Warnf("largeblob: array failed to decode, treating as empty: %v", err)
		return Array{}, nil
	}
	return arr, nil
}

func (e *Engine) getFragment(offset, count int) ([]byte, error) {
	req := getRequest{Get: count, Offset: offset}
	payload, err := cbor.Marshal(req)
	if err != nil {
		return nil, newError(KindInternal, "array.fetch", fmt.Errorf("encode getRequest: %w", err))
	}
	framed := make([]byte, 1+len(payload))
	framed[0] = ctap2.CBORLargeBlobs
	copy(framed[1:], payload)

	if err := e.dev.Transmit(ctap2.CmdCBOR, framed); err != nil {
		return nil, newError(KindTransportTx, "array.fetch", err)
	}
	buf := make([]byte, e.dev.MaxMsgSize())
	n, err := e.dev.Receive(ctap2.CmdCBOR, buf, int(e.opts.rxTimeout.Milliseconds()))
	if err != nil {
		return nil, newError(KindTransportRx, "array.fetch", err)
	}
	body, err := ctap2.DecodeStatus(buf[:n])
	if err != nil {
		return nil, newError(KindTransportRx, "array.fetch", err)
	}
	var resp getResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, newError(KindCorrupt, "array.fetch", fmt.Errorf("decode getResponse: %w", err))
	}
	return resp.Config, nil
}

// fragmentLength returns the configured fragment size, or the one derived
// from the device's MaxMsgSize if WithMaxFragment was never set.
func (e *Engine) fragmentLength() int {
	if e.opts.maxFragment > 0 {
		return e.opts.maxFragment
	}
	return ctap2.MaxFragmentLength(e.dev)
}
