package dispatch

import (
	"fmt"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

// RefBlock is one encoded block together with its content reference, in
// the order the encoder produced it.
type RefBlock struct {
	Ref   types.Ident32
	Block eris.Block
}

// SliceBlocks cuts blocks into carrier-frame fragments of at most
// maxPayload bytes. Every fragment of one block shares the block
// reference as its sequence hash; num starts at 0 and is contiguous, max
// is identical on every fragment, so the collector knows when a block is
// complete without pre-coordination.
func SliceBlocks(sender types.Address, to types.Recipient, blocks []RefBlock, maxPayload int) ([]frame.Envelope, error) {
	if maxPayload < 1 {
		return nil, fmt.Errorf("%w: payload budget %d", types.ErrFrameTooLarge, maxPayload)
	}
	var out []frame.Envelope
	for _, b := range blocks {
		n := len(b.Block)
		count := (n + maxPayload - 1) / maxPayload
		if count > 256 {
			return nil, fmt.Errorf("%w: block needs %d fragments", types.ErrFrameTooLarge, count)
		}
		max := uint8(count - 1)
		for num := 0; num < count; num++ {
			lo := num * maxPayload
			hi := lo + maxPayload
			if hi > n {
				hi = n
			}
			chunk := b.Block[lo:hi]
			seq := types.SequenceID{Hash: b.Ref, Num: uint8(num), Max: max}
			env, err := frame.NewEnvelope(frame.NewDataHeader(sender, to, seq, uint16(len(chunk))), chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// MaxPayloadFor derives the fragment payload budget from a link MTU.
func MaxPayloadFor(mtu uint16) int {
	return int(mtu) - frame.DataHeaderSize()
}
