package journal

import (
	"bytes"
	"context"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestPageBasics(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	p := j.Blocks

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("expected no-such-key, got %v", err)
	}
	if err := p.Put(ctx, "a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(ctx, "a", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if v, err := p.Get(ctx, "a"); err != nil || string(v) != "two" {
		t.Errorf("get after overwrite: %q, %v", v, err)
	}
	if ok, err := p.Has(ctx, "a"); err != nil || !ok {
		t.Errorf("has: %v, %v", ok, err)
	}
	if err := p.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Has(ctx, "a"); ok {
		t.Error("key survived delete")
	}
}

func TestPagePrefixScan(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	p := j.Frames

	for _, k := range []string{"aa/1", "aa/2", "ab/1", "b/9"} {
		if err := p.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	if err := p.EachPrefix(ctx, "aa/", func(k string, _ []byte) bool {
		got = append(got, k)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "aa/1" || got[1] != "aa/2" {
		t.Errorf("prefix scan: %v", got)
	}

	if n, err := p.DeletePrefix(ctx, "aa/"); err != nil || n != 2 {
		t.Errorf("delete prefix: %d, %v", n, err)
	}
	if n, _ := p.Len(ctx); n != 2 {
		t.Errorf("rows left: %d", n)
	}
}

func TestSeenFrames(t *testing.T) {
	j := openTestJournal(t)

	key := SeenKey(types.RandomIdent(), types.SequenceID{Hash: types.RandomIdent(), Num: 1, Max: 4})
	if seen, err := j.Seen.CheckAndInsert(key); err != nil || seen {
		t.Errorf("first insert: seen=%v, err=%v", seen, err)
	}
	if seen, err := j.Seen.CheckAndInsert(key); err != nil || !seen {
		t.Errorf("second insert: seen=%v, err=%v", seen, err)
	}
	if !j.Seen.Contains(key) {
		t.Error("contains after insert")
	}
	if j.Seen.Contains("unknown") {
		t.Error("contains for unknown key")
	}
}

func TestBlockStoreContract(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	store := j.BlockStore()

	b := eris.Block(bytes.Repeat([]byte{0x11}, eris.SmallBlockSize))
	if err := store.StoreBlock(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := store.FetchBlock(ctx, b.Reference())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, b) {
		t.Error("fetched block differs")
	}
	if _, err := store.FetchBlock(ctx, types.RandomIdent()); !errors.Is(err, eris.ErrNoSuchBlock) {
		t.Errorf("expected no-such-block, got %v", err)
	}
}

func TestFrameJournalDrain(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	sender := types.RandomIdent()
	rcpt := types.RandomIdent()
	other := types.RandomIdent()

	mkEnv := func(to types.Address, num uint8) frame.Envelope {
		seq := types.SequenceID{Hash: types.RandomIdent(), Num: num, Max: num}
		env, err := frame.NewEnvelope(frame.NewDataHeader(sender, types.TargetOf(to), seq, 3), []byte{1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}
		return env
	}

	if err := j.StoreFrame(ctx, mkEnv(rcpt, 0)); err != nil {
		t.Fatal(err)
	}
	if err := j.StoreFrame(ctx, mkEnv(rcpt, 1)); err != nil {
		t.Fatal(err)
	}
	if err := j.StoreFrame(ctx, mkEnv(other, 0)); err != nil {
		t.Fatal(err)
	}

	envs, err := j.DrainFrames(ctx, rcpt)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 {
		t.Fatalf("drained %d frames, want 2", len(envs))
	}
	for _, env := range envs {
		if env.Header.Recipient.Addr != rcpt {
			t.Error("drained frame for wrong recipient")
		}
	}

	// drained frames are gone; the other recipient's remain
	envs, err = j.DrainFrames(ctx, rcpt)
	if err != nil || len(envs) != 0 {
		t.Errorf("second drain: %d frames, %v", len(envs), err)
	}
	envs, err = j.DrainFrames(ctx, other)
	if err != nil || len(envs) != 1 {
		t.Errorf("other drain: %d frames, %v", len(envs), err)
	}
}

func TestManifestPages(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	rcpt := types.RandomIdent()
	m := frame.Manifest{
		Letterhead: types.Letterhead{
			From:          types.RandomIdent(),
			To:            types.TargetOf(rcpt),
			StreamID:      types.RandomIdent(),
			PayloadLength: 99,
		},
		BlockSize: 1,
		RootRef:   types.RandomIdent(),
		RootKey:   types.RandomIdent(),
	}
	if err := j.StoreManifest(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := j.ManifestsFor(ctx, rcpt)
	if err != nil || len(got) != 1 {
		t.Fatalf("manifests for recipient: %d, %v", len(got), err)
	}
	if got[0].Letterhead.StreamID != m.Letterhead.StreamID {
		t.Error("stream id mismatch")
	}

	count := 0
	if err := j.EachManifest(ctx, func(frame.Manifest) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("each manifest: %d", count)
	}

	if err := j.DeleteManifest(ctx, m); err != nil {
		t.Fatal(err)
	}
	if got, _ := j.ManifestsFor(ctx, rcpt); len(got) != 0 {
		t.Error("manifest survived delete")
	}
}
