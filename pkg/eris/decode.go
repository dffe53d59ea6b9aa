package eris

import (
	"context"
	"fmt"

	"github.com/irdest/ratman/pkg/types"
)

// Decode fetches and decrypts the block tree described by rc and returns
// the original stream bytes. A reference that cannot be fetched surfaces
// the storage error unchanged, so callers can retry on ErrNoSuchBlock.
func Decode(ctx context.Context, rc ReadCapability, store Storage) ([]byte, error) {
	if !ValidBlockSize(rc.BlockSize) {
		return nil, fmt.Errorf("decode: invalid block size %d", rc.BlockSize)
	}
	out, err := walk(ctx, rc, store, rc.RootRef, rc.RootKey, rc.Level, nil)
	if err != nil {
		return nil, err
	}
	return unpad(out)
}

func walk(ctx context.Context, rc ReadCapability, store Storage, ref, key types.Ident32, level uint8, out []byte) ([]byte, error) {
	b, err := store.FetchBlock(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(b) != rc.BlockSize {
		return nil, fmt.Errorf("%w: block %s has %d bytes, capability says %d",
			types.ErrMalformedFrame, ref.Short(), len(b), rc.BlockSize)
	}
	plaintext, err := crypt(key, b)
	if err != nil {
		return nil, err
	}
	if level == 0 {
		return append(out, plaintext...), nil
	}

	for off := 0; off+pairSize <= len(plaintext); off += pairSize {
		childRef := types.NewIdent32(plaintext[off : off+32])
		childKey := types.NewIdent32(plaintext[off+32 : off+pairSize])
		if childRef.IsZero() && childKey.IsZero() {
			break // trailing node padding
		}
		out, err = walk(ctx, rc, store, childRef, childKey, level-1, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// unpad strips the tail padding: trailing zeros back to the 0x80
// terminator, which must exist.
func unpad(buf []byte) ([]byte, error) {
	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case 0:
			continue
		case 0x80:
			return buf[:i], nil
		default:
			return nil, fmt.Errorf("%w: found %#02x", types.ErrPaddingError, buf[i])
		}
	}
	return nil, types.ErrPaddingError
}
