package credmgmt

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"

	ctap2crypto "github.com/SigmaG33/ctap2largeblob/pkg/crypto"
	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
	"github.com/SigmaG33/ctap2largeblob/pkg/largeblob"
)

// fakeAuth is a largeblob.PinUVAuth that computes a genuine HMAC-SHA-256
// pinUvAuthParam, the same way pkg/pinuv.Client does, without requiring a
// full ECDH/CBOR simulation for these tests.
type fakeAuth struct{}

func (fakeAuth) Token(dev ctap2.Device, pin string) ([]byte, error) {
	return bytes.Repeat([]byte{0x55}, 32), nil
}

func (fakeAuth) Authenticate(token, message []byte) []byte {
	mac := ctap2crypto.HMACSHA256(token, message)
	return mac[:]
}

// rp models one relying party's resident credentials for fakeDevice.
type rp struct {
	idHash []byte
	keys   [][]byte
}

// fakeDevice answers authenticatorCredentialManagement enumerateRPs and
// enumerateCredentials requests from a fixed, in-memory set of relying
// parties, mirroring the way a real authenticator walks its
// resident-credential store one entry at a time.
type fakeDevice struct {
	maxMsgSize int
	rps        []rp
	rpCursor   int
	credRP     int
	credCursor int
	lastReply  []byte
}

func (f *fakeDevice) MaxMsgSize() int { return f.maxMsgSize }

func (f *fakeDevice) Transmit(cmd byte, payload []byte) error {
	if cmd != ctap2.CmdCBOR || len(payload) == 0 || payload[0] != cborCredentialManagement {
		f.lastReply = []byte{ctap2.StatusInvalidCBOR}
		return nil
	}
	var req managementRequest
	if err := cbor.Unmarshal(payload[1:], &req); err != nil {
		f.lastReply = []byte{ctap2.StatusInvalidCBOR}
		return nil
	}

	switch req.SubCommand {
	case subCmdEnumerateRPsBegin:
		if len(f.rps) == 0 {
			f.lastReply = []byte{ctap2.StatusNoCredentials}
			return nil
		}
		f.rpCursor = 1
		f.lastReply = encodeResponse(managementResponse{
			ExistingRPCount: len(f.rps),
			RPIDHash:        f.rps[0].idHash,
		})
	case subCmdEnumerateRPsGetNextRP:
		if f.rpCursor >= len(f.rps) {
			f.lastReply = []byte{ctap2.StatusInvalidLength}
			return nil
		}
		f.lastReply = encodeResponse(managementResponse{RPIDHash: f.rps[f.rpCursor].idHash})
		f.rpCursor++
	case subCmdEnumerateCredsBegin:
		idx := f.findRP(req.Params.RPIDHash)
		if idx < 0 || len(f.rps[idx].keys) == 0 {
			f.lastReply = []byte{ctap2.StatusNoCredentials}
			return nil
		}
		f.credRP = idx
		f.credCursor = 1
		f.lastReply = encodeResponse(managementResponse{
			TotalCredentials: len(f.rps[idx].keys),
			LargeBlobKey:     f.rps[idx].keys[0],
		})
	case subCmdEnumerateCredsGetNextCred:
		keys := f.rps[f.credRP].keys
		if f.credCursor >= len(keys) {
			f.lastReply = []byte{ctap2.StatusInvalidLength}
			return nil
		}
		f.lastReply = encodeResponse(managementResponse{LargeBlobKey: keys[f.credCursor]})
		f.credCursor++
	default:
		f.lastReply = []byte{ctap2.StatusInvalidCBOR}
	}
	return nil
}

func (f *fakeDevice) findRP(idHash []byte) int {
	for i, r := range f.rps {
		if bytes.Equal(r.idHash, idHash) {
			return i
		}
	}
	return -1
}

func (f *fakeDevice) Receive(cmd byte, buf []byte, timeoutMS int) (int, error) {
	return copy(buf, f.lastReply), nil
}

func encodeResponse(resp managementResponse) []byte {
	body, err := cbor.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return append([]byte{ctap2.StatusSuccess}, body...)
}

func TestEnumerateLargeBlobKeys(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x01}, largeblob.KeySize)
	key2 := bytes.Repeat([]byte{0x02}, largeblob.KeySize)
	key3 := bytes.Repeat([]byte{0x03}, largeblob.KeySize)
	dev := &fakeDevice{maxMsgSize: 2048, rps: []rp{{idHash: []byte("rpidhash"), keys: [][]byte{key1, key2, key3}}}}

	c := NewClient()
	got, err := c.EnumerateLargeBlobKeys(dev, []byte("rpidhash"), []byte("token"), fakeAuth{}, 2)
	if err != nil {
		t.Fatalf("EnumerateLargeBlobKeys: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d keys, want 3", len(got))
	}
	for i, want := range [][]byte{key1, key2, key3} {
		var wantKey largeblob.Key
		copy(wantKey[:], want)
		if got[i] != wantKey {
			t.Errorf("key %d = %x, want %x", i, got[i], wantKey)
		}
	}
}

func TestEnumerateLargeBlobKeysNoCredentials(t *testing.T) {
	dev := &fakeDevice{maxMsgSize: 2048, rps: []rp{{idHash: []byte("rpidhash")}}}
	c := NewClient()
	got, err := c.EnumerateLargeBlobKeys(dev, []byte("rpidhash"), []byte("token"), fakeAuth{}, 2)
	if err != nil {
		t.Fatalf("EnumerateLargeBlobKeys: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d keys, want 0", len(got))
	}
}

func TestEnumerateRPIDHashes(t *testing.T) {
	dev := &fakeDevice{maxMsgSize: 2048, rps: []rp{
		{idHash: []byte("rp-one")},
		{idHash: []byte("rp-two")},
	}}
	c := NewClient()
	got, err := c.EnumerateRPIDHashes(dev, []byte("token"), fakeAuth{}, 2)
	if err != nil {
		t.Fatalf("EnumerateRPIDHashes: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], []byte("rp-one")) || !bytes.Equal(got[1], []byte("rp-two")) {
		t.Fatalf("got %v, want [rp-one rp-two]", got)
	}
}

func TestEnumerateRPIDHashesNoCredentials(t *testing.T) {
	dev := &fakeDevice{maxMsgSize: 2048}
	c := NewClient()
	got, err := c.EnumerateRPIDHashes(dev, []byte("token"), fakeAuth{}, 2)
	if err != nil {
		t.Fatalf("EnumerateRPIDHashes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d RPs, want 0", len(got))
	}
}

func TestEnumerateAllLargeBlobKeysAcrossRPs(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x01}, largeblob.KeySize)
	key2 := bytes.Repeat([]byte{0x02}, largeblob.KeySize)
	key3 := bytes.Repeat([]byte{0x03}, largeblob.KeySize)
	dev := &fakeDevice{maxMsgSize: 2048, rps: []rp{
		{idHash: []byte("rp-one"), keys: [][]byte{key1}},
		{idHash: []byte("rp-two"), keys: [][]byte{key2, key3}},
	}}

	c := NewClient()
	got, err := c.EnumerateAllLargeBlobKeys(dev, []byte("token"), fakeAuth{}, 2)
	if err != nil {
		t.Fatalf("EnumerateAllLargeBlobKeys: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d keys across RPs, want 3", len(got))
	}
}
