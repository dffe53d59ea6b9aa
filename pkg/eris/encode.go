package eris

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/irdest/ratman/pkg/types"
)

type pair struct {
	ref types.Ident32
	key types.Ident32
}

// Encode reads the whole stream from r, splits it into encrypted blocks
// of blockSize bytes, stores every block, and returns the capability
// describing the stream. Encoding is deterministic: the same plaintext
// under the same convergence secret yields byte-identical blocks and an
// identical capability.
func Encode(ctx context.Context, r io.Reader, secret [32]byte, blockSize int, store Storage) (ReadCapability, error) {
	if !ValidBlockSize(blockSize) {
		return ReadCapability{}, fmt.Errorf("encode: invalid block size %d", blockSize)
	}

	var pairs []pair
	buf := make([]byte, blockSize)
	for done := false; !done; {
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			// full content block
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// pad the tail: terminator byte, then zeros
			buf[n] = 0x80
			for i := n + 1; i < blockSize; i++ {
				buf[i] = 0
			}
			done = true
		default:
			return ReadCapability{}, fmt.Errorf("encode: read stream: %w", err)
		}

		p, err := sealBlock(ctx, secret, buf, store)
		if err != nil {
			return ReadCapability{}, err
		}
		pairs = append(pairs, p)
	}

	// Collapse pairs through levels of indirection until one remains.
	arity := blockSize / pairSize
	level := uint8(0)
	for len(pairs) > 1 {
		level++
		var next []pair
		for start := 0; start < len(pairs); start += arity {
			end := start + arity
			if end > len(pairs) {
				end = len(pairs)
			}
			node := make([]byte, blockSize)
			for i, p := range pairs[start:end] {
				copy(node[i*pairSize:], p.ref[:])
				copy(node[i*pairSize+32:], p.key[:])
			}
			p, err := sealBlock(ctx, secret, node, store)
			if err != nil {
				return ReadCapability{}, err
			}
			next = append(next, p)
		}
		pairs = next
	}

	return ReadCapability{
		RootRef:   pairs[0].ref,
		RootKey:   pairs[0].key,
		Level:     level,
		BlockSize: blockSize,
	}, nil
}

// sealBlock derives the content key, encrypts the plaintext, stores the
// resulting block, and returns its (reference, key) pair.
func sealBlock(ctx context.Context, secret [32]byte, plaintext []byte, store Storage) (pair, error) {
	key, err := deriveKey(secret, plaintext)
	if err != nil {
		return pair{}, err
	}
	ct, err := crypt(key, plaintext)
	if err != nil {
		return pair{}, err
	}
	b := Block(ct)
	if err := store.StoreBlock(ctx, b); err != nil {
		return pair{}, fmt.Errorf("encode: store block: %w", err)
	}
	return pair{ref: b.Reference(), key: key}, nil
}
