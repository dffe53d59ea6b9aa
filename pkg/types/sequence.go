package types

import (
	"fmt"

	"github.com/irdest/ratman/pkg/wire"
)

// SequenceID identifies one carrier-frame fragment of one block. Hash is
// the block's content reference; Num selects a fragment in [0, Max]. For
// one block exactly Max+1 fragments exist, sharing the same hash with Num
// covering the range without gaps.
type SequenceID struct {
	Hash Ident32
	Num  uint8
	Max  uint8
}

// String renders the canonical journal key form "hash:num".
func (s SequenceID) String() string {
	return fmt.Sprintf("%s:%d", s.Hash, s.Num)
}

// AppendOption encodes an optional sequence id: 0x00 for absent, or 0x01
// followed by the 32-byte hash, num, and max.
func (s *SequenceID) AppendOption(buf []byte) []byte {
	if s == nil {
		return wire.AppendAbsent(buf)
	}
	buf = wire.AppendU8(buf, 1)
	buf = append(buf, s.Hash[:]...)
	buf = wire.AppendU8(buf, s.Num)
	return wire.AppendU8(buf, s.Max)
}

// ParseOptionSequenceID decodes an optional sequence id from rd.
func ParseOptionSequenceID(rd *wire.Reader) (*SequenceID, error) {
	disc, err := rd.Option()
	if err != nil {
		return nil, err
	}
	switch disc {
	case 0:
		return nil, nil
	case 1:
		hash, err := rd.Array32()
		if err != nil {
			return nil, err
		}
		num, err := rd.U8()
		if err != nil {
			return nil, err
		}
		max, err := rd.U8()
		if err != nil {
			return nil, err
		}
		return &SequenceID{Hash: hash, Num: num, Max: max}, nil
	}
	return nil, fmt.Errorf("%w: sequence id discriminant %#02x", ErrMalformedFrame, disc)
}
