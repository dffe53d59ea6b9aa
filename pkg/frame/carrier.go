// Package frame implements the router's on-wire frame types: the carrier
// frame header shared by every frame, announcements, and stream manifests.
package frame

import (
	"fmt"

	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// VersionV1 is the only carrier frame version currently spoken.
const VersionV1 uint8 = 1

// Modes is the 2-byte frame type field: a namespace byte and an operation
// byte. Unknown combinations decode structurally and drop on receive.
type Modes uint16

// MakeModes assembles a modes word from a namespace and operation byte.
func MakeModes(ns, op uint8) Modes {
	return Modes(uint16(ns)<<8 | uint16(op))
}

// Split returns the namespace and operation bytes.
func (m Modes) Split() (ns, op uint8) {
	return uint8(m >> 8), uint8(m)
}

const (
	nsBase   uint8 = 0x00
	nsNetmod uint8 = 0x02
)

var (
	// ModeAnnounce carries a signed origin announcement.
	ModeAnnounce = MakeModes(nsBase, 0x01)
	// ModeData carries one fragment of an encrypted content block.
	ModeData = MakeModes(nsBase, 0x02)
	// ModeManifest carries a serialised stream manifest.
	ModeManifest = MakeModes(nsBase, 0x03)
	// ModeNetmodAnnounce and ModeNetmodReply are link-local peering
	// frames. The switch never forwards them.
	ModeNetmodAnnounce = MakeModes(nsNetmod, 0x01)
	ModeNetmodReply    = MakeModes(nsNetmod, 0x02)
)

func (m Modes) String() string {
	switch m {
	case ModeAnnounce:
		return "announce"
	case ModeData:
		return "data"
	case ModeManifest:
		return "manifest"
	case ModeNetmodAnnounce:
		return "netmod-announce"
	case ModeNetmodReply:
		return "netmod-reply"
	}
	ns, op := m.Split()
	return fmt.Sprintf("unknown(%#02x/%#02x)", ns, op)
}

// CarrierHeader is the header shared by every frame on the wire.
//
//	[1]   version
//	[2]   modes (big-endian)
//	[32]  sender address
//	[1+?] recipient: 0x00 absent, 0x01+32 target, 0x02+32 namespace
//	[1+?] sequence id: 0x00 absent, 0x01 + 32 hash + num + max
//	[2]   payload length (big-endian)
type CarrierHeader struct {
	Version       uint8
	Modes         Modes
	Sender        types.Address
	Recipient     *types.Recipient
	SeqID         *types.SequenceID
	PayloadLength uint16
}

// NewAnnounceHeader builds the header for a flooded announcement.
func NewAnnounceHeader(sender types.Address, payloadLen uint16) CarrierHeader {
	return CarrierHeader{
		Version:       VersionV1,
		Modes:         ModeAnnounce,
		Sender:        sender,
		PayloadLength: payloadLen,
	}
}

// NewDataHeader builds the header for one block fragment.
func NewDataHeader(sender types.Address, to types.Recipient, seq types.SequenceID, payloadLen uint16) CarrierHeader {
	return CarrierHeader{
		Version:       VersionV1,
		Modes:         ModeData,
		Sender:        sender,
		Recipient:     &to,
		SeqID:         &seq,
		PayloadLength: payloadLen,
	}
}

// NewManifestHeader builds the header for a manifest frame.
func NewManifestHeader(sender types.Address, to types.Recipient, seq types.SequenceID, payloadLen uint16) CarrierHeader {
	return CarrierHeader{
		Version:       VersionV1,
		Modes:         ModeManifest,
		Sender:        sender,
		Recipient:     &to,
		SeqID:         &seq,
		PayloadLength: payloadLen,
	}
}

// Size returns the encoded header length in bytes.
func (h CarrierHeader) Size() int {
	n := 1 + 2 + 32 + 1 + 1 + 2
	if h.Recipient != nil {
		n += 32
	}
	if h.SeqID != nil {
		n += 34
	}
	return n
}

// DataHeaderSize returns the encoded size of a DATA header carrying a
// recipient and a sequence id, which the slicer subtracts from the link
// MTU to size fragments.
func DataHeaderSize() int {
	return 1 + 2 + 32 + 1 + 32 + 1 + 34 + 2
}

// Append encodes the header.
func (h CarrierHeader) Append(buf []byte) []byte {
	buf = wire.AppendU8(buf, h.Version)
	buf = wire.AppendU16(buf, uint16(h.Modes))
	buf = append(buf, h.Sender[:]...)
	buf = h.Recipient.AppendOption(buf)
	buf = h.SeqID.AppendOption(buf)
	return wire.AppendU16(buf, h.PayloadLength)
}

// ParseCarrierHeader decodes a header from the front of buf and returns
// it together with the unconsumed remainder. Unknown versions are
// rejected with an invalid-version error; a payload length larger than
// the remaining input is rejected as frame-too-large.
func ParseCarrierHeader(buf []byte) (CarrierHeader, []byte, error) {
	var h CarrierHeader
	rd := wire.NewReader(buf)

	version, err := rd.U8()
	if err != nil {
		return h, nil, err
	}
	if version != VersionV1 {
		return h, nil, types.InvalidVersion(version)
	}
	modes, err := rd.U16()
	if err != nil {
		return h, nil, err
	}
	sender, err := rd.Array32()
	if err != nil {
		return h, nil, err
	}
	recipient, err := types.ParseOptionRecipient(rd)
	if err != nil {
		return h, nil, err
	}
	seq, err := types.ParseOptionSequenceID(rd)
	if err != nil {
		return h, nil, err
	}
	payloadLen, err := rd.U16()
	if err != nil {
		return h, nil, err
	}
	if int(payloadLen) > rd.Len() {
		return h, nil, fmt.Errorf("%w: payload %d, remaining %d", types.ErrFrameTooLarge, payloadLen, rd.Len())
	}

	h = CarrierHeader{
		Version:       version,
		Modes:         Modes(modes),
		Sender:        sender,
		Recipient:     recipient,
		SeqID:         seq,
		PayloadLength: payloadLen,
	}
	return h, rd.Rest(), nil
}

// Envelope is the canonical unit passed between switch, journal, and
// links: a decoded header plus the full encoded buffer (header and
// payload together).
type Envelope struct {
	Header CarrierHeader
	Buffer []byte
}

// NewEnvelope encodes header and payload into a fresh envelope.
func NewEnvelope(h CarrierHeader, payload []byte) (Envelope, error) {
	if int(h.PayloadLength) != len(payload) {
		return Envelope{}, fmt.Errorf("%w: header says %d, payload is %d",
			types.ErrMalformedFrame, h.PayloadLength, len(payload))
	}
	buf := make([]byte, 0, h.Size()+len(payload))
	buf = h.Append(buf)
	buf = append(buf, payload...)
	return Envelope{Header: h, Buffer: buf}, nil
}

// ParseEnvelope decodes the header from buf and wraps both in an
// envelope. Trailing bytes beyond the declared payload are discarded.
func ParseEnvelope(buf []byte) (Envelope, error) {
	h, _, err := ParseCarrierHeader(buf)
	if err != nil {
		return Envelope{}, err
	}
	size := h.Size() + int(h.PayloadLength)
	return Envelope{Header: h, Buffer: buf[:size]}, nil
}

// Payload returns the payload section of the buffer.
func (e Envelope) Payload() []byte {
	return e.Buffer[e.Header.Size():]
}
