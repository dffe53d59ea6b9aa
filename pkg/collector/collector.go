// Package collector reassembles carrier-frame fragments into blocks, and
// completed block sets into streams ready for client delivery.
package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

// Collector tracks in-progress blocks keyed by their sequence hash.
type Collector struct {
	log   zerolog.Logger
	store eris.Storage

	mu      sync.Mutex
	partial map[types.Ident32]*partialBlock
}

type partialBlock struct {
	max   uint8
	got   int
	frags [][]byte
}

func New(log zerolog.Logger, store eris.Storage) *Collector {
	return &Collector{
		log:     log.With().Str("component", "collector").Logger(),
		store:   store,
		partial: make(map[types.Ident32]*partialBlock),
	}
}

// Offer feeds one DATA fragment. When the fragment completes its block,
// the block is validated, stored, and its reference returned. A fragment
// whose max disagrees with the in-progress block drops the whole block.
func (c *Collector) Offer(ctx context.Context, env frame.Envelope) (*types.Ident32, error) {
	seq := env.Header.SeqID
	if seq == nil {
		return nil, fmt.Errorf("%w: data fragment without sequence id", types.ErrMalformedFrame)
	}
	if seq.Num > seq.Max {
		return nil, fmt.Errorf("%w: fragment %d outside sequence of %d", types.ErrMalformedFrame, seq.Num, int(seq.Max)+1)
	}

	c.mu.Lock()
	pb, ok := c.partial[seq.Hash]
	if !ok {
		pb = &partialBlock{max: seq.Max, frags: make([][]byte, int(seq.Max)+1)}
		c.partial[seq.Hash] = pb
	}
	if pb.max != seq.Max {
		delete(c.partial, seq.Hash)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: inconsistent fragment count for %s", types.ErrMalformedFrame, seq.Hash.Short())
	}
	if pb.frags[seq.Num] == nil {
		pb.frags[seq.Num] = append([]byte(nil), env.Payload()...)
		pb.got++
	}
	complete := pb.got == int(pb.max)+1
	if !complete {
		c.mu.Unlock()
		return nil, nil
	}
	delete(c.partial, seq.Hash)
	c.mu.Unlock()

	var buf []byte
	for _, f := range pb.frags {
		buf = append(buf, f...)
	}
	block, err := eris.Reconstruct(buf)
	if err != nil {
		return nil, err
	}
	if ref := block.Reference(); ref != seq.Hash {
		return nil, fmt.Errorf("%w: block %s does not hash to its sequence id", types.ErrMalformedFrame, seq.Hash.Short())
	}
	if err := c.store.StoreBlock(ctx, block); err != nil {
		return nil, err
	}
	ref := seq.Hash
	c.log.Trace().Stringer("ref", ref).Msg("block complete")
	return &ref, nil
}

// Pending counts in-progress blocks, for inspection.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partial)
}
