package types

import (
	"fmt"

	"github.com/irdest/ratman/pkg/wire"
)

// Letterhead carries the metadata of one message stream: who sent it,
// where it is going, and how many payload bytes follow it on the wire.
type Letterhead struct {
	From          Address
	To            Recipient
	StreamID      Ident32
	PayloadLength uint64
	AuxiliaryData []byte
}

// Append encodes the letterhead. The recipient is written through the
// optional-recipient encoding so the layout matches the carrier header.
func (l Letterhead) Append(buf []byte) ([]byte, error) {
	buf = append(buf, l.From[:]...)
	buf = l.To.AppendOption(buf)
	buf = append(buf, l.StreamID[:]...)
	buf = wire.AppendU64(buf, l.PayloadLength)
	return wire.AppendVec(buf, l.AuxiliaryData)
}

// ParseLetterhead decodes a letterhead from rd.
func ParseLetterhead(rd *wire.Reader) (Letterhead, error) {
	var l Letterhead
	from, err := rd.Array32()
	if err != nil {
		return l, err
	}
	to, err := ParseOptionRecipient(rd)
	if err != nil {
		return l, err
	}
	if to == nil {
		return l, fmt.Errorf("%w: letterhead without recipient", ErrMalformedFrame)
	}
	streamID, err := rd.Array32()
	if err != nil {
		return l, err
	}
	length, err := rd.U64()
	if err != nil {
		return l, err
	}
	aux, err := rd.Vec()
	if err != nil {
		return l, err
	}
	l = Letterhead{
		From:          from,
		To:            *to,
		StreamID:      streamID,
		PayloadLength: length,
	}
	if len(aux) != 0 {
		l.AuxiliaryData = append([]byte(nil), aux...)
	}
	return l, nil
}
