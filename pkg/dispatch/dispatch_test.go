package dispatch

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	_ "github.com/mattn/go-sqlite3"

	"github.com/irdest/ratman/pkg/collector"
	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/keys"
	"github.com/irdest/ratman/pkg/links"
	"github.com/irdest/ratman/pkg/links/memlink"
	"github.com/irdest/ratman/pkg/routes"
	"github.com/irdest/ratman/pkg/types"
)

type testNode struct {
	sw      *Switch
	links   *links.Map
	routes  *routes.Table
	journal *journal.Journal
	set     *metrics.Set
	local   map[types.Address]bool
	member  map[types.Address]bool
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	n := &testNode{
		links:   links.NewMap(),
		journal: j,
		set:     metrics.NewSet(),
		local:   map[types.Address]bool{},
		member:  map[types.Address]bool{},
	}
	n.routes = routes.NewTable(zerolog.Nop(), j.Routes)
	col := collector.New(zerolog.Nop(), j.BlockStore())
	asm := collector.NewAssembler(zerolog.Nop(), j, func(frame.Manifest, []byte) error { return nil }, nil)
	n.sw = New(Config{
		Log:       zerolog.Nop(),
		Links:     n.links,
		Routes:    n.routes,
		Journal:   j,
		Collector: col,
		Assembler: asm,
		Metrics:   n.set,
		IsLocal:   func(a types.Address) bool { return n.local[a] },
		IsMember:  func(a types.Address) bool { return n.member[a] },
	})
	return n
}

// metric reads one counter out of the prometheus dump.
func (n *testNode) metric(t *testing.T, needle string) string {
	t.Helper()
	var b bytes.Buffer
	n.set.WritePrometheus(&b)
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, needle) {
			return line
		}
	}
	return ""
}

func recvOrTimeout(t *testing.T, ep *memlink.Endpoint, d time.Duration) (frame.Envelope, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	env, _, err := ep.Next(ctx)
	if err != nil {
		return frame.Envelope{}, false
	}
	return env, true
}

func TestSliceBlocksSequenceDiscipline(t *testing.T) {
	sender := types.RandomIdent()
	to := types.TargetOf(types.RandomIdent())

	block := make([]byte, eris.SmallBlockSize)
	for i := range block {
		block[i] = byte(i)
	}
	ref := types.Ident32(blake2b.Sum256(block))

	envs, err := SliceBlocks(sender, to, []RefBlock{{Ref: ref, Block: block}}, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := (eris.SmallBlockSize + 99) / 100
	if len(envs) != want {
		t.Fatalf("got %d fragments, want %d", len(envs), want)
	}

	var joined []byte
	for i, env := range envs {
		seq := env.Header.SeqID
		if seq == nil || seq.Hash != ref {
			t.Fatal("fragment without the block reference")
		}
		if int(seq.Num) != i {
			t.Errorf("fragment %d has num %d", i, seq.Num)
		}
		if int(seq.Max) != want-1 {
			t.Errorf("fragment %d has max %d, want %d", i, seq.Max, want-1)
		}
		joined = append(joined, env.Payload()...)
	}
	if !bytes.Equal(joined, block) {
		t.Error("joined fragments differ from block")
	}

	if _, err := SliceBlocks(sender, to, []RefBlock{{Ref: ref, Block: block}}, 0); err == nil {
		t.Error("expected error for zero payload budget")
	}
	if _, err := SliceBlocks(sender, to, []RefBlock{{Ref: ref, Block: make([]byte, eris.LargeBlockSize)}}, 100); err == nil {
		t.Error("expected error for fragment count over 256")
	}
}

func TestAnnounceUpdatesRoutesAndRefloods(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	// arrival link and one downstream link
	arrivalA, _ := memlink.NewPair("n-in", "peer-in", 1200)
	downA, downB := memlink.NewPair("n-out", "peer-out", 1200)
	arrivalID := n.links.Add("arrival", arrivalA)
	n.links.Add("down", downA)

	addr, priv, err := keys.CreateAddress()
	if err != nil {
		t.Fatal(err)
	}
	ann := frame.Announce{Origin: frame.NewOriginData()}
	ann.OriginSignature = keys.Sign(priv, ann.SignableBytes())
	payload := ann.Append(nil)
	env, err := frame.NewEnvelope(frame.NewAnnounceHeader(addr, uint16(len(payload))), payload)
	if err != nil {
		t.Fatal(err)
	}

	from, _ := n.links.Get(arrivalID)
	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))

	if !n.routes.Reachable(addr) {
		t.Fatal("announcement did not create an active route")
	}
	best, _ := n.routes.Best(addr)
	if best.Link != arrivalID {
		t.Errorf("route on link %d, want %d", best.Link, arrivalID)
	}
	if best.MTU != 1200 {
		t.Errorf("route mtu %d, want min with link mtu 1200", best.MTU)
	}

	// reflooded downstream, not on the arrival link
	if _, ok := recvOrTimeout(t, downB, time.Second); !ok {
		t.Fatal("announcement was not reflooded downstream")
	}

	// the same origin timestamp looping back is suppressed
	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))
	if line := n.metric(t, `reason="announce-loop"`); !strings.HasSuffix(line, " 1") {
		t.Errorf("expected one suppressed loop, got %q", line)
	}
	if _, ok := recvOrTimeout(t, downB, 100*time.Millisecond); ok {
		t.Error("looping announcement was reflooded again")
	}
}

func TestBadSignatureDropsAnnouncement(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	linkA, _ := memlink.NewPair("a", "b", 1200)
	id := n.links.Add("l", linkA)

	addr, priv, err := keys.CreateAddress()
	if err != nil {
		t.Fatal(err)
	}
	ann := frame.Announce{Origin: frame.NewOriginData()}
	ann.OriginSignature = keys.Sign(priv, ann.SignableBytes())
	// mutate the timestamp, keep the original signature
	ann.Origin.Timestamp = ann.Origin.Timestamp.Add(time.Second)
	payload := ann.Append(nil)
	env, err := frame.NewEnvelope(frame.NewAnnounceHeader(addr, uint16(len(payload))), payload)
	if err != nil {
		t.Fatal(err)
	}

	from, _ := n.links.Get(id)
	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))

	if n.routes.Reachable(addr) {
		t.Error("forged announcement created a route")
	}
	if line := n.metric(t, "ratmand_announce_sig_failures_total"); !strings.HasSuffix(line, " 1") {
		t.Errorf("sig failure counter: %q", line)
	}
}

func TestDataLoopSuppression(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	linkA, _ := memlink.NewPair("a", "b", 1200)
	id := n.links.Add("l", linkA)
	from, _ := n.links.Get(id)

	to := types.RandomIdent() // remote, no route: frame is journalled
	seq := types.SequenceID{Hash: types.RandomIdent(), Num: 0, Max: 0}
	env, err := frame.NewEnvelope(frame.NewDataHeader(types.RandomIdent(), types.TargetOf(to), seq, 4), []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}

	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))
	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))

	if line := n.metric(t, `reason="duplicate"`); !strings.HasSuffix(line, " 1") {
		t.Errorf("expected exactly one duplicate drop, got %q", line)
	}
	envs, err := n.journal.DrainFrames(ctx, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Errorf("journalled %d copies, want 1", len(envs))
	}
}

func TestNoForwardOnArrivalLink(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	linkA, linkB := memlink.NewPair("a", "b", 1200)
	id := n.links.Add("l", linkA)
	from, _ := n.links.Get(id)

	ns := types.RandomIdent()
	seq := types.SequenceID{Hash: types.RandomIdent(), Num: 0, Max: 0}
	env, err := frame.NewEnvelope(frame.NewDataHeader(types.RandomIdent(), types.NamespaceOf(ns), seq, 1), []byte{9})
	if err != nil {
		t.Fatal(err)
	}

	n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))

	if _, ok := recvOrTimeout(t, linkB, 100*time.Millisecond); ok {
		t.Error("namespace frame was emitted on its arrival link")
	}
}

func TestLocalDeliveryAssemblesBlock(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	linkA, _ := memlink.NewPair("a", "b", 1200)
	id := n.links.Add("l", linkA)
	from, _ := n.links.Get(id)

	local := types.RandomIdent()
	n.local[local] = true

	block := make([]byte, eris.SmallBlockSize)
	for i := range block {
		block[i] = byte(i * 7)
	}
	ref := types.Ident32(blake2b.Sum256(block))
	envs, err := SliceBlocks(types.RandomIdent(), types.TargetOf(local), []RefBlock{{Ref: ref, Block: block}}, 500)
	if err != nil {
		t.Fatal(err)
	}
	for _, env := range envs {
		n.sw.Ingress(ctx, env, from, types.SingleNeighbour(1))
	}

	got, err := n.journal.BlockStore().FetchBlock(ctx, ref)
	if err != nil {
		t.Fatalf("block not in journal after delivery: %v", err)
	}
	if !bytes.Equal(got, block) {
		t.Error("journalled block mismatch")
	}
}
