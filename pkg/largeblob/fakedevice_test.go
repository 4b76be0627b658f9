package largeblob

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

// fakeDevice is an in-memory stand-in for a connected authenticator's
// largeBlobArray storage: it answers authenticatorLargeBlobs get/set
// requests against a single byte buffer, exactly as a real authenticator
// answers them against its own flash-backed array, with no transport
// framing or HID report chunking. Its only PIN/UV enforcement is that,
// with requireAuth set, it rejects a write fragment that carries no
// pinUvAuthParam; it never verifies the param's value.
type fakeDevice struct {
	store       []byte
	maxMsgSize  int
	lastReply   []byte
	failNextRx  error
	failNextTx  error
	requireAuth bool
	gotParam    []byte
}

func newFakeDevice(maxMsgSize int) *fakeDevice {
	return &fakeDevice{maxMsgSize: maxMsgSize}
}

func (f *fakeDevice) MaxMsgSize() int { return f.maxMsgSize }

func (f *fakeDevice) Transmit(cmd byte, payload []byte) error {
	if f.failNextTx != nil {
		err := f.failNextTx
		f.failNextTx = nil
		return err
	}
	if cmd != ctap2.CmdCBOR || len(payload) == 0 {
		return fmt.Errorf("fakeDevice: malformed transmit")
	}
	switch payload[0] {
	case ctap2.CBORLargeBlobs:
		return f.handleLargeBlobs(payload[1:])
	default:
		return fmt.Errorf("fakeDevice: unsupported command 0x%02x", payload[0])
	}
}

func (f *fakeDevice) Receive(cmd byte, buf []byte, timeoutMS int) (int, error) {
	if f.failNextRx != nil {
		err := f.failNextRx
		f.failNextRx = nil
		return 0, err
	}
	n := copy(buf, f.lastReply)
	return n, nil
}

// handleLargeBlobs decodes a get or set request the way a real
// authenticator would, and queues the CBOR status+body reply that
// Receive will hand back on the next call.
func (f *fakeDevice) handleLargeBlobs(payload []byte) error {
	var req struct {
		Get               int    `cbor:"1,keyasint"`
		Set               []byte `cbor:"2,keyasint"`
		Offset            int    `cbor:"3,keyasint"`
		Length            int    `cbor:"4,keyasint,omitempty"`
		PinUvAuthParam    []byte `cbor:"5,keyasint,omitempty"`
		PinUvAuthProtocol int    `cbor:"6,keyasint,omitempty"`
	}
	if err := cbor.Unmarshal(payload, &req); err != nil {
		f.lastReply = []byte{ctap2.StatusInvalidCBOR}
		return nil
	}

	if req.Set != nil {
		if f.requireAuth && len(req.PinUvAuthParam) == 0 {
			f.lastReply = []byte{ctap2.StatusPINAuthInvalid}
			return nil
		}
		f.gotParam = req.PinUvAuthParam
		if req.Offset == 0 {
			f.store = make([]byte, 0, req.Length)
		}
		if req.Offset != len(f.store) {
			f.lastReply = []byte{ctap2.StatusInvalidLength}
			return nil
		}
		f.store = append(f.store, req.Set...)
		f.lastReply = []byte{ctap2.StatusSuccess}
		return nil
	}

	// get
	fragLen := f.maxMsgSize - 64
	start := req.Offset
	if start > len(f.store) {
		f.lastReply = []byte{ctap2.StatusInvalidLength}
		return nil
	}
	end := start + req.Get
	if end > len(f.store) {
		end = len(f.store)
	}
	if end-start > fragLen {
		end = start + fragLen
	}
	body, err := cbor.Marshal(getResponse{Config: f.store[start:end]})
	if err != nil {
		f.lastReply = []byte{ctap2.StatusInvalidCBOR}
		return nil
	}
	f.lastReply = append([]byte{ctap2.StatusSuccess}, body...)
	return nil
}
