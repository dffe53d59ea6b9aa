package dispatch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/keys"
	"github.com/irdest/ratman/pkg/types"
)

// SendStream encodes a client payload for every recipient in the fan-out
// list and dispatches the resulting frames. The payload is spooled to
// disk first: each recipient derives a different convergence secret, so
// the same plaintext is encoded once per recipient.
func (s *Switch) SendStream(ctx context.Context, lh types.Letterhead, recipients []types.Recipient, priv ed25519.PrivateKey, payload io.Reader, spoolDir string) error {
	spool, err := os.CreateTemp(spoolDir, "stream-*.spool")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	if _, err := io.Copy(spool, io.LimitReader(payload, int64(lh.PayloadLength))); err != nil {
		return fmt.Errorf("spool payload: %w", err)
	}

	for _, rcpt := range recipients {
		if err := s.sendOne(ctx, lh, rcpt, priv, spool); err != nil {
			return err
		}
	}
	return nil
}

func (s *Switch) sendOne(ctx context.Context, lh types.Letterhead, rcpt types.Recipient, priv ed25519.PrivateKey, spool *os.File) error {
	secret, err := keys.DiffieHellman(priv, rcpt.Addr)
	if err != nil {
		return fmt.Errorf("derive convergence secret: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}

	rec := &recordingStore{inner: s.journal.BlockStore()}
	rc, err := eris.Encode(ctx, spool, secret, eris.BlockSizeFor(lh.PayloadLength), rec)
	if err != nil {
		return fmt.Errorf("encode stream: %w", err)
	}

	lh.To = rcpt
	manifest := frame.Manifest{
		Letterhead: lh,
		BlockSize:  rc.SizeMarker(),
		BlockLevel: rc.Level,
		RootRef:    rc.RootRef,
		RootKey:    rc.RootKey,
	}

	maxPayload := MaxPayloadFor(s.mtuFor(rcpt))
	envs, err := SliceBlocks(lh.From, rcpt, rec.blocks, maxPayload)
	if err != nil {
		return err
	}
	for _, env := range envs {
		s.Dispatch(ctx, env)
	}
	// the manifest travels after the blocks so most receivers assemble
	// on the first attempt
	return s.sendManifest(ctx, manifest)
}

func (s *Switch) sendManifest(ctx context.Context, m frame.Manifest) error {
	payload, err := m.Append(nil)
	if err != nil {
		return err
	}
	seq := types.SequenceID{Hash: types.Ident32(blake2b.Sum256(payload))}
	h := frame.NewManifestHeader(m.Letterhead.From, m.Letterhead.To, seq, uint16(len(payload)))
	env, err := frame.NewEnvelope(h, payload)
	if err != nil {
		return err
	}
	s.Dispatch(ctx, env)
	return nil
}

// Dispatch routes one locally originated envelope: local recipients are
// delivered directly, unicast goes over the best route, namespaces flood
// every link. The sequence id is recorded as seen so the mesh echoing
// the frame back cannot double-deliver.
func (s *Switch) Dispatch(ctx context.Context, env frame.Envelope) {
	h := env.Header
	if h.Recipient == nil {
		s.flood(ctx, env, nil, nil)
		return
	}
	if h.SeqID != nil {
		if _, err := s.journal.Seen.CheckAndInsert(journal.SeenKey(h.Sender, *h.SeqID)); err != nil {
			s.log.Warn().Err(err).Msg("seen-frames insert failed")
		}
	}

	switch h.Recipient.Kind {
	case types.RecipientTarget:
		if s.isLocal(h.Recipient.Addr) {
			s.deliverLocal(ctx, env)
			return
		}
		s.forward(ctx, env, nil, types.Neighbour{})
	case types.RecipientNamespace:
		if s.isMember(h.Recipient.Addr) {
			s.deliverLocal(ctx, env)
		}
		s.flood(ctx, env, nil, nil)
	}
}

// deliverLocal short-circuits frames addressed to this router.
func (s *Switch) deliverLocal(ctx context.Context, env frame.Envelope) {
	switch env.Header.Modes {
	case frame.ModeData:
		s.collect(ctx, env)
	case frame.ModeManifest:
		m, err := frame.ParseManifest(env.Payload())
		if err != nil {
			s.drops.Inc("malformed-manifest")
			return
		}
		if err := s.journal.StoreManifest(ctx, m); err != nil {
			s.log.Warn().Err(err).Msg("journal manifest")
			return
		}
		s.assembler.Notify(ctx, m)
	}
}

// mtuFor picks the fragment budget towards a recipient: the measured
// path MTU for routed targets, otherwise the smallest MTU across links.
func (s *Switch) mtuFor(rcpt types.Recipient) uint16 {
	if rcpt.Kind == types.RecipientTarget {
		if best, ok := s.routes.Best(rcpt.Addr); ok && best.MTU > 0 {
			return best.MTU
		}
	}
	var min uint16
	for _, r := range s.links.GetWithIDs() {
		if m := r.Link.MTU(); m > 0 && (min == 0 || m < min) {
			min = m
		}
	}
	if min == 0 {
		min = 1200
	}
	return min
}

// recordingStore tees encoder output so the slicer sees blocks in
// production order.
type recordingStore struct {
	inner eris.Storage

	mu     sync.Mutex
	known  map[types.Ident32]struct{}
	blocks []RefBlock
}

func (r *recordingStore) StoreBlock(ctx context.Context, b eris.Block) error {
	if err := r.inner.StoreBlock(ctx, b); err != nil {
		return err
	}
	ref := b.Reference()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known == nil {
		r.known = make(map[types.Ident32]struct{})
	}
	if _, dup := r.known[ref]; !dup {
		r.known[ref] = struct{}{}
		cp := make(eris.Block, len(b))
		copy(cp, b)
		r.blocks = append(r.blocks, RefBlock{Ref: ref, Block: cp})
	}
	return nil
}

func (r *recordingStore) FetchBlock(ctx context.Context, ref types.Ident32) (eris.Block, error) {
	return r.inner.FetchBlock(ctx, ref)
}
