package eris

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/irdest/ratman/pkg/types"
)

func testSecret(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func testPayload(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

func TestBlockSizeFor(t *testing.T) {
	for _, c := range []struct {
		length uint64
		want   int
	}{
		{0, SmallBlockSize},
		{1, SmallBlockSize},
		{15 * 1024, SmallBlockSize},
		{16*1024 - 1, SmallBlockSize},
		{16 * 1024, LargeBlockSize},
		{1 << 20, LargeBlockSize},
	} {
		if got := BlockSizeFor(c.length); got != c.want {
			t.Errorf("BlockSizeFor(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	secret := testSecret(0x42)
	for _, n := range []int{0, 1, 1023, 1024, 1025, 8 * 1024, 15 * 1024, 16 * 1024, 100 * 1024} {
		payload := testPayload(n)
		bs := BlockSizeFor(uint64(n))
		store := NewMemoryStorage()

		rc, err := Encode(ctx, bytes.NewReader(payload), secret, bs, store)
		if err != nil {
			t.Fatalf("encode %d bytes: %v", n, err)
		}
		if rc.BlockSize != bs {
			t.Errorf("capability block size %d, want %d", rc.BlockSize, bs)
		}

		got, err := Decode(ctx, rc, store)
		if err != nil {
			t.Fatalf("decode %d bytes: %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip of %d bytes corrupted (got %d bytes)", n, len(got))
		}
	}
}

func TestEncodeMultiLevelTree(t *testing.T) {
	// 100 KiB at 1 KiB blocks forces internal node blocks
	ctx := context.Background()
	payload := testPayload(100 * 1024)
	store := NewMemoryStorage()

	rc, err := Encode(ctx, bytes.NewReader(payload), testSecret(1), SmallBlockSize, store)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Level == 0 {
		t.Fatal("expected at least one level of indirection")
	}
	got, err := Decode(ctx, rc, store)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("multi-level round trip corrupted payload")
	}
}

func TestEncodeIsConvergent(t *testing.T) {
	ctx := context.Background()
	payload := testPayload(40 * 1024)

	s1, s2 := NewMemoryStorage(), NewMemoryStorage()
	rc1, err := Encode(ctx, bytes.NewReader(payload), testSecret(7), LargeBlockSize, s1)
	if err != nil {
		t.Fatal(err)
	}
	rc2, err := Encode(ctx, bytes.NewReader(payload), testSecret(7), LargeBlockSize, s2)
	if err != nil {
		t.Fatal(err)
	}
	if rc1 != rc2 {
		t.Errorf("capabilities differ: %+v != %+v", rc1, rc2)
	}
	if s1.Len() != s2.Len() {
		t.Errorf("block counts differ: %d != %d", s1.Len(), s2.Len())
	}
	s1.Each(func(ref types.Ident32, b Block) bool {
		other, err := s2.FetchBlock(ctx, ref)
		if err != nil {
			t.Errorf("block %s missing from second encode", ref.Short())
			return false
		}
		if !bytes.Equal(b, other) {
			t.Errorf("block %s differs between encodes", ref.Short())
		}
		return true
	})
}

func TestDifferentSecretDisjointBlocks(t *testing.T) {
	ctx := context.Background()
	payload := testPayload(4 * 1024)

	s1, s2 := NewMemoryStorage(), NewMemoryStorage()
	rc1, err := Encode(ctx, bytes.NewReader(payload), testSecret(1), SmallBlockSize, s1)
	if err != nil {
		t.Fatal(err)
	}
	rc2, err := Encode(ctx, bytes.NewReader(payload), testSecret(2), SmallBlockSize, s2)
	if err != nil {
		t.Fatal(err)
	}
	if rc1.RootRef == rc2.RootRef {
		t.Error("different secrets produced the same root reference")
	}
	s1.Each(func(ref types.Ident32, _ Block) bool {
		if _, err := s2.FetchBlock(ctx, ref); err == nil {
			t.Errorf("block %s shared across secrets", ref.Short())
		}
		return true
	})
}

func TestDecodeMissingBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rc, err := Encode(ctx, bytes.NewReader(testPayload(512)), testSecret(3), SmallBlockSize, store)
	if err != nil {
		t.Fatal(err)
	}
	empty := NewMemoryStorage()
	if _, err := Decode(ctx, rc, empty); !errors.Is(err, ErrNoSuchBlock) {
		t.Errorf("expected missing block error, got %v", err)
	}
}

func TestUnpadRejectsMissingTerminator(t *testing.T) {
	if _, err := unpad(make([]byte, SmallBlockSize)); !errors.Is(err, types.ErrPaddingError) {
		t.Errorf("expected padding error, got %v", err)
	}
	if _, err := unpad([]byte{1, 2, 3}); !errors.Is(err, types.ErrPaddingError) {
		t.Errorf("expected padding error for unterminated tail, got %v", err)
	}
	got, err := unpad([]byte{1, 2, 0x80, 0, 0})
	if err != nil || !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("unpad: got %v, %v", got, err)
	}
}

func TestReconstructValidatesLength(t *testing.T) {
	if _, err := Reconstruct(make([]byte, 1000)); err == nil {
		t.Error("expected error for odd block length")
	}
	for _, n := range []int{SmallBlockSize, LargeBlockSize} {
		if _, err := Reconstruct(make([]byte, n)); err != nil {
			t.Errorf("valid %d-byte block rejected: %v", n, err)
		}
	}
}
