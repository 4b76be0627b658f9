// Package largeblob implements the client side of the CTAP 2.1 largeBlobArray
// mechanism (Section 6.10): reading and writing the authenticator's single,
// shared, per-device CBOR array of encrypted per-credential blobs.
//
// A largeBlobArray entry ("element") is addressed by its largeBlobKey, a
// 32-byte symmetric key the authenticator hands back for a given resident
// credential via authenticatorCredentialManagement or
// authenticatorGetAssertion/MakeCredential's largeBlobKey extension. This
// package never derives or stores that key; callers supply it for every
// Get/Put/Remove call, and Trim obtains the live keys from a
// CredentialManager.
package largeblob

import (
	"context"
	"fmt"

	"github.com/pion/logging"

	"github.com/SigmaG33/ctap2largeblob/internal/secbuf"
	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

// KeySize is the length in bytes of a largeBlobKey.
const KeySize = 32

// Key is a largeBlobKey: the per-credential symmetric key used to seal and
// open one element of the largeBlobArray.
type Key [KeySize]byte

// Engine is the entry point for largeBlobArray operations against a single
// connected authenticator. It is safe to reuse across calls but not safe
// for concurrent use: the authenticator itself serializes largeBlobArray
// access, and concurrent callers racing a read-modify-write Put or Remove
// would silently clobber each other's changes.
type Engine struct {
	dev    ctap2.Device
	pinuv  PinUVAuth
	log    logging.LeveledLogger
	opts   Options
}

// PinUVAuth is the contract largeblob needs from the PIN/UV auth protocol
// stack to authorize a write: obtain a pinUvAuthToken scoped to the
// largeBlobArray write permission, and compute the pinUvAuthParam over a
// write fragment.
type PinUVAuth interface {
	// Token returns a pinUvAuthToken authorized for the largeBlobArray
	// write permission, given the PIN. Implementations perform whatever
	// ECDH key agreement and PIN hashing CTAP2 requires internally.
	Token(dev ctap2.Device, pin string) (token []byte, err error)

	// Authenticate computes the pinUvAuthParam for message under token.
	Authenticate(token, message []byte) []byte
}

// CredentialManager is the contract Trim needs from the
// authenticatorCredentialManagement stack: the set of largeBlobKeys
// belonging to every currently resident credential, across every relying
// party, used to tell live elements apart from orphans. dev, token, auth
// and pinUvAuthProtocol are passed through unchanged so a concrete
// implementation (pkg/credmgmt.Client) can drive its own CBOR exchanges
// without this package needing to know its wire format.
type CredentialManager interface {
	EnumerateAllLargeBlobKeys(dev ctap2.Device, token []byte, auth PinUVAuth, pinUvAuthProtocol int) ([]Key, error)
}

// New constructs an Engine for dev. auth may be nil if the caller only
// ever performs Get, which requires no PIN/UV authorization; Trim always
// requires it, and it must be non-nil to call Put or Remove on an
// authenticator that requires pinUvAuthParam for largeBlobArray writes
// (CTAP 2.1 Section 6.10.4 step 2).
func New(dev ctap2.Device, auth PinUVAuth, opts ...Option) (*Engine, error) {
	if dev == nil {
		return nil, newError(KindInvalidArgument, "largeblob.New", fmt.Errorf("nil device"))
	}
	e := &Engine{
		dev:   dev,
		pinuv: auth,
		opts:  defaultOptions(),
	}
	for _, opt := range opts {
		opt(&e.opts)
	}
	e.log = e.opts.loggerFactory.NewLogger("largeblob")
	return e, nil
}

// Get fetches the whole largeBlobArray from the authenticator and returns
// the decompressed plaintext of the element sealed under key, if one
// exists.
func (e *Engine) Get(ctx context.Context, key Key) ([]byte, error) {
	const op = "largeblob.Get"
	if err := ctx.Err(); err != nil {
		return nil, newError(KindInternal, op, err)
	}
	arr, err := e.fetchArray(ctx)
	if err != nil {
		return nil, wrapOp(op, err)
	}
	plaintext, _, err := arr.find(key)
	if err != nil {
		return nil, wrapOp(op, err)
	}
	return plaintext, nil
}

// Put seals plaintext under key and inserts it into the largeBlobArray,
// replacing any existing element with the same key. When the Engine has a
// PinUVAuth collaborator, every write requests a pinUvAuthToken from it
// with pin, whether or not the authenticator requires one; the Engine does
// not query the authenticator for that. With a nil collaborator, the write
// fragments carry no pinUvAuthParam and pin is unused.
func (e *Engine) Put(ctx context.Context, key Key, plaintext []byte, pin string) error {
	const op = "largeblob.Put"
	if err := ctx.Err(); err != nil {
		return newError(KindInternal, op, err)
	}
	arr, err := e.fetchArray(ctx)
	if err != nil {
		return wrapOp(op, err)
	}
	elem, err := sealElement(key, plaintext)
	if err != nil {
		return wrapOp(op, err)
	}
	arr, err = arr.insert(key, elem)
	if err != nil {
		return wrapOp(op, err)
	}
	if err := e.writeArray(ctx, arr, pin); err != nil {
		return wrapOp(op, err)
	}
	return nil
}

// Remove deletes the element sealed under key from the largeBlobArray, if
// one exists. Removing a key that is not present is a no-op, not an
// error (CTAP 2.1 Section 6.10.4: "If ... not found, return success").
func (e *Engine) Remove(ctx context.Context, key Key, pin string) error {
	const op = "largeblob.Remove"
	if err := ctx.Err(); err != nil {
		return newError(KindInternal, op, err)
	}
	arr, err := e.fetchArray(ctx)
	if err != nil {
		return wrapOp(op, err)
	}
	next, removed := arr.remove(key)
	if !removed {
		return nil
	}
	if err := e.writeArray(ctx, next, pin); err != nil {
		return wrapOp(op, err)
	}
	return nil
}

// Trim recovers orphaned largeBlobArray elements: blobs left behind by a
// resident credential that has since been deleted. It fetches the array,
// asks cm for the largeBlobKey of every currently resident credential
// across every relying party, then rebuilds the array keeping only
// elements that either fail to decode (non-conformant entries are never
// guessed at) or open under one of those live keys — and writes the
// result back only if anything was actually dropped.
func (e *Engine) Trim(ctx context.Context, pin string, cm CredentialManager) error {
	const op = "largeblob.Trim"
	if err := ctx.Err(); err != nil {
		return newError(KindInternal, op, err)
	}
	if e.pinuv == nil {
		return newError(KindInvalidArgument, op, fmt.Errorf("trim requires a PIN/UV auth collaborator"))
	}
	if cm == nil {
		return newError(KindInvalidArgument, op, fmt.Errorf("trim requires a credential-management collaborator"))
	}

	arr, err := e.fetchArray(ctx)
	if err != nil {
		return wrapOp(op, err)
	}

	token, err := e.pinuv.Token(e.dev, pin)
	if err != nil {
		return newError(KindAuth, op, fmt.Errorf("acquire pinUvAuthToken: %w", err))
	}
	defer secbuf.Zero(token)
	live, err := cm.EnumerateAllLargeBlobKeys(e.dev, token, e.pinuv, pinUvAuthProtocolTwo)
	if err != nil {
		return wrapOp(op, fmt.Errorf("enumerate resident credentials: %w", err))
	}

	trimmed := arr.trim(live)
	if len(trimmed) == len(arr) {
		return nil
	}
	if err := e.writeArray(ctx, trimmed, pin); err != nil {
		return wrapOp(op, err)
	}
	return nil
}

func wrapOp(op string, err error) error {
	if lbErr, ok := err.(*Error); ok {
		return &Error{Kind: lbErr.Kind, Op: op, Err: lbErr}
	}
	return newError(KindInternal, op, err)
}
