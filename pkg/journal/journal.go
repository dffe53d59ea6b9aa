// Package journal implements the persistent partitioned KV store backing
// the router: content blocks, undeliverable frames, stream manifests,
// route state, and the seen-frames set, one partition directory each
// under state_dir/journal/.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

// Journal is the collection of journal partitions.
type Journal struct {
	// Blocks maps block reference → encrypted block bytes.
	Blocks *Page
	// Frames holds undeliverable fragments keyed recipient/sequence-id.
	Frames *Page
	// Manifests holds pending stream manifests keyed recipient/stream-id.
	Manifests *Page
	// Routes persists route entries keyed addr/link/neighbour.
	Routes *Page
	// Seen is the loop-suppression set.
	Seen *SeenFrames
}

// Open opens every partition under dir (the journal root), creating
// missing ones.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrJournalOpen, err)
	}
	var j Journal
	var err error
	for _, p := range []struct {
		name string
		dst  **Page
	}{
		{"blocks", &j.Blocks},
		{"frames", &j.Frames},
		{"manifests", &j.Manifests},
		{"routes", &j.Routes},
	} {
		if *p.dst, err = openPage(dir, p.name); err != nil {
			j.Close()
			return nil, fmt.Errorf("%w: %v", types.ErrJournalOpen, err)
		}
	}
	if j.Seen, err = openSeenFrames(dir); err != nil {
		j.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrJournalOpen, err)
	}
	return &j, nil
}

func (j *Journal) Close() error {
	var err error
	for _, p := range []*Page{j.Blocks, j.Frames, j.Manifests, j.Routes} {
		if p != nil {
			err = errors.Join(err, p.Close())
		}
	}
	if j.Seen != nil {
		err = errors.Join(err, j.Seen.Close())
	}
	return err
}

// BlockStore adapts the blocks partition to the block engine's storage
// contract.
func (j *Journal) BlockStore() eris.Storage {
	return blockStore{j.Blocks}
}

type blockStore struct {
	page *Page
}

func (s blockStore) StoreBlock(ctx context.Context, b eris.Block) error {
	return s.page.Put(ctx, b.Reference().String(), b)
}

func (s blockStore) FetchBlock(ctx context.Context, ref types.Ident32) (eris.Block, error) {
	v, err := s.page.Get(ctx, ref.String())
	if err != nil {
		if errors.Is(err, ErrNoSuchKey) {
			return nil, eris.ErrNoSuchBlock
		}
		return nil, err
	}
	return eris.Block(v), nil
}

// frameKey orders undeliverable fragments by recipient so a newly
// reachable address can be drained with one prefix scan.
func frameKey(recipient types.Address, seq types.SequenceID) string {
	return recipient.String() + "/" + seq.String()
}

// StoreFrame journals an undeliverable fragment.
func (j *Journal) StoreFrame(ctx context.Context, env frame.Envelope) error {
	if env.Header.SeqID == nil || env.Header.Recipient == nil {
		return fmt.Errorf("%w: frame without sequence id or recipient", types.ErrMalformedFrame)
	}
	return j.Frames.Put(ctx, frameKey(env.Header.Recipient.Addr, *env.Header.SeqID), env.Buffer)
}

// DrainFrames removes and returns every journalled fragment addressed to
// recipient.
func (j *Journal) DrainFrames(ctx context.Context, recipient types.Address) ([]frame.Envelope, error) {
	var out []frame.Envelope
	prefix := recipient.String() + "/"
	err := j.Frames.EachPrefix(ctx, prefix, func(_ string, value []byte) bool {
		env, err := frame.ParseEnvelope(value)
		if err != nil {
			return true // skip corrupt rows, they are dropped below
		}
		out = append(out, env)
		return true
	})
	if err != nil {
		return nil, err
	}
	if _, err := j.Frames.DeletePrefix(ctx, prefix); err != nil {
		return nil, err
	}
	return out, nil
}

// manifestKey orders manifests by recipient, then stream.
func manifestKey(recipient types.Address, streamID types.Ident32) string {
	return recipient.String() + "/" + streamID.String()
}

// StoreManifest journals a pending manifest.
func (j *Journal) StoreManifest(ctx context.Context, m frame.Manifest) error {
	buf, err := m.Append(nil)
	if err != nil {
		return err
	}
	return j.Manifests.Put(ctx, manifestKey(m.Letterhead.To.Addr, m.Letterhead.StreamID), buf)
}

// DeleteManifest removes a manifest once its stream is delivered.
func (j *Journal) DeleteManifest(ctx context.Context, m frame.Manifest) error {
	return j.Manifests.Delete(ctx, manifestKey(m.Letterhead.To.Addr, m.Letterhead.StreamID))
}

// EachManifest iterates every pending manifest.
func (j *Journal) EachManifest(ctx context.Context, fn func(m frame.Manifest) bool) error {
	return j.Manifests.Each(ctx, func(_ string, value []byte) bool {
		m, err := frame.ParseManifest(value)
		if err != nil {
			return true
		}
		return fn(m)
	})
}

// ManifestsFor returns the pending manifests addressed to recipient.
func (j *Journal) ManifestsFor(ctx context.Context, recipient types.Address) ([]frame.Manifest, error) {
	var out []frame.Manifest
	err := j.Manifests.EachPrefix(ctx, recipient.String()+"/", func(_ string, value []byte) bool {
		if m, err := frame.ParseManifest(value); err == nil {
			out = append(out, m)
		}
		return true
	})
	return out, err
}

// PurgeAddress drops every journal entry tagged with addr: pending
// frames and manifests addressed to it, and its persisted route entries.
func (j *Journal) PurgeAddress(ctx context.Context, addr types.Address) error {
	if _, err := j.Frames.DeletePrefix(ctx, addr.String()+"/"); err != nil {
		return err
	}
	if _, err := j.Manifests.DeletePrefix(ctx, addr.String()+"/"); err != nil {
		return err
	}
	if _, err := j.Routes.DeletePrefix(ctx, addr.String()+"/"); err != nil {
		return err
	}
	return nil
}
