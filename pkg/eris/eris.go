// Package eris implements the content-addressed block encoding used for
// message streams: plaintext is split into fixed-size blocks, each
// encrypted under a key derived from its own content, yielding a single
// read capability that describes the whole stream.
package eris

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/irdest/ratman/pkg/types"
)

const (
	// SmallBlockSize is used for streams under SmallStreamLimit.
	SmallBlockSize = 1024
	// LargeBlockSize is used for everything else.
	LargeBlockSize = 32768
	// SmallStreamLimit is the payload length at which the encoder
	// switches to large blocks.
	SmallStreamLimit = 16 * 1024

	// pairSize is one (reference, key) entry in an internal node block.
	pairSize = 64
)

// ErrNoSuchBlock is returned by storage when a reference is unknown.
var ErrNoSuchBlock = errors.New("eris: no such block")

// Block is one fixed-length encrypted content chunk.
type Block []byte

// ValidBlockSize reports whether n is one of the two legal block sizes.
func ValidBlockSize(n int) bool {
	return n == SmallBlockSize || n == LargeBlockSize
}

// Reconstruct validates a reassembled byte buffer as a block.
func Reconstruct(buf []byte) (Block, error) {
	if !ValidBlockSize(len(buf)) {
		return nil, fmt.Errorf("%w: block of %d bytes", types.ErrMalformedFrame, len(buf))
	}
	return Block(buf), nil
}

// Reference computes the content reference of an encrypted block.
func (b Block) Reference() types.Ident32 {
	return types.Ident32(blake2b.Sum256(b))
}

// BlockSizeFor selects a block size from the stream's payload length.
func BlockSizeFor(payloadLength uint64) int {
	if payloadLength < SmallStreamLimit {
		return SmallBlockSize
	}
	return LargeBlockSize
}

// ReadCapability is the root descriptor of one encoded stream.
// Traversing it yields the block set comprising the stream.
type ReadCapability struct {
	RootRef   types.Ident32
	RootKey   types.Ident32
	Level     uint8
	BlockSize int
}

// SizeMarker returns the one-byte wire form of the block size.
func (rc ReadCapability) SizeMarker() uint8 {
	return uint8(rc.BlockSize / 1024)
}

// Storage is the block persistence contract the encoder writes to and
// the decoder reads from.
type Storage interface {
	StoreBlock(ctx context.Context, b Block) error
	// FetchBlock returns ErrNoSuchBlock for unknown references.
	FetchBlock(ctx context.Context, ref types.Ident32) (Block, error)
}

// deriveKey computes the block key: a keyed blake2b MAC of the plaintext
// under the convergence secret.
func deriveKey(secret [32]byte, plaintext []byte) (types.Ident32, error) {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		return types.Ident32{}, fmt.Errorf("derive block key: %w", err)
	}
	h.Write(plaintext)
	return types.NewIdent32(h.Sum(nil)), nil
}

// crypt applies the block cipher in place-compatible fashion. The nonce
// is zero: block keys are unique per plaintext and secret.
func crypt(key types.Ident32, in []byte) ([]byte, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("block cipher: %w", err)
	}
	out := make([]byte, len(in))
	c.XORKeyStream(out, in)
	return out, nil
}
