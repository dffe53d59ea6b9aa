package collector

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	_ "github.com/mattn/go-sqlite3"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/types"
)

// sliceBlock cuts one raw block into data envelopes the way the
// dispatcher does, so the collector sees realistic fragments.
func sliceBlock(t *testing.T, sender types.Address, to types.Recipient, block []byte, maxPayload int) []frame.Envelope {
	t.Helper()
	ref := types.Ident32(blake2b.Sum256(block))
	count := (len(block) + maxPayload - 1) / maxPayload
	max := uint8(count - 1)
	var out []frame.Envelope
	for num := 0; num < count; num++ {
		lo, hi := num*maxPayload, (num+1)*maxPayload
		if hi > len(block) {
			hi = len(block)
		}
		seq := types.SequenceID{Hash: ref, Num: uint8(num), Max: max}
		env, err := frame.NewEnvelope(frame.NewDataHeader(sender, to, seq, uint16(hi-lo)), block[lo:hi])
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, env)
	}
	return out
}

func testBlock(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestReassemblyAnyPermutation(t *testing.T) {
	ctx := context.Background()
	sender := types.RandomIdent()
	to := types.TargetOf(types.RandomIdent())
	block := testBlock(eris.SmallBlockSize)
	ref := types.Ident32(blake2b.Sum256(block))

	for round := 0; round < 5; round++ {
		store := eris.NewMemoryStorage()
		c := New(zerolog.Nop(), store)
		envs := sliceBlock(t, sender, to, block, 100)
		rand.New(rand.NewSource(int64(round))).Shuffle(len(envs), func(i, j int) {
			envs[i], envs[j] = envs[j], envs[i]
		})

		var done *types.Ident32
		for i, env := range envs {
			got, err := c.Offer(ctx, env)
			if err != nil {
				t.Fatalf("offer fragment %d: %v", i, err)
			}
			if got != nil && i != len(envs)-1 {
				t.Fatalf("block completed early at fragment %d", i)
			}
			if got != nil {
				done = got
			}
		}
		if done == nil || *done != ref {
			t.Fatalf("round %d: completed ref %v, want %v", round, done, ref)
		}
		b, err := store.FetchBlock(ctx, ref)
		if err != nil || !bytes.Equal(b, block) {
			t.Fatalf("round %d: stored block mismatch (%v)", round, err)
		}
		if c.Pending() != 0 {
			t.Errorf("round %d: %d partial blocks left", round, c.Pending())
		}
	}
}

func TestDuplicateFragmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := eris.NewMemoryStorage()
	c := New(zerolog.Nop(), store)
	envs := sliceBlock(t, types.RandomIdent(), types.TargetOf(types.RandomIdent()), testBlock(eris.SmallBlockSize), 256)

	if _, err := c.Offer(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Offer(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}
	for _, env := range envs[1:] {
		if _, err := c.Offer(ctx, env); err != nil {
			t.Fatal(err)
		}
	}
	if c.Pending() != 0 {
		t.Error("duplicate fragment corrupted reassembly")
	}
}

func TestInconsistentMaxDropsBlock(t *testing.T) {
	ctx := context.Background()
	c := New(zerolog.Nop(), eris.NewMemoryStorage())
	envs := sliceBlock(t, types.RandomIdent(), types.TargetOf(types.RandomIdent()), testBlock(eris.SmallBlockSize), 256)

	if _, err := c.Offer(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}
	bad := envs[1]
	bad.Header.SeqID.Max++
	if _, err := c.Offer(ctx, bad); err == nil {
		t.Fatal("expected error for inconsistent max")
	}
	if c.Pending() != 0 {
		t.Error("in-progress block survived inconsistent fragment")
	}
}

func TestAssemblerDeliversOnceBlocksArrive(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	payload := testBlock(600)
	var secret [32]byte
	secret[0] = 9

	// encode into a side store first; the journal gets the blocks late
	side := eris.NewMemoryStorage()
	rc, err := eris.Encode(ctx, bytes.NewReader(payload), secret, eris.SmallBlockSize, side)
	if err != nil {
		t.Fatal(err)
	}

	m := frame.Manifest{
		Letterhead: types.Letterhead{
			From:          types.RandomIdent(),
			To:            types.TargetOf(types.RandomIdent()),
			StreamID:      types.RandomIdent(),
			PayloadLength: uint64(len(payload)),
		},
		BlockSize:  rc.SizeMarker(),
		BlockLevel: rc.Level,
		RootRef:    rc.RootRef,
		RootKey:    rc.RootKey,
	}
	if err := j.StoreManifest(ctx, m); err != nil {
		t.Fatal(err)
	}

	delivered := make(chan []byte, 1)
	a := NewAssembler(zerolog.Nop(), j, func(_ frame.Manifest, p []byte) error {
		delivered <- p
		return nil
	}, nil)
	a.Notify(ctx, m)

	// let a few retries fail, then provide the blocks
	time.Sleep(300 * time.Millisecond)
	side.Each(func(_ types.Ident32, b eris.Block) bool {
		if err := j.BlockStore().StoreBlock(ctx, b); err != nil {
			t.Error(err)
		}
		return true
	})

	select {
	case p := <-delivered:
		if !bytes.Equal(p, payload) {
			t.Error("delivered payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream never delivered")
	}
	a.Wait()

	// the manifest is consumed on delivery
	if ms, _ := j.ManifestsFor(ctx, m.Letterhead.To.Addr); len(ms) != 0 {
		t.Error("manifest survived delivery")
	}
}
