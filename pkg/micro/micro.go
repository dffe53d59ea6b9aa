// Package micro implements the client-to-router framing: a 2-byte modes
// field, an optional 32-byte auth token, a 4-byte payload length, then
// the payload.
package micro

import (
	"fmt"
	"io"

	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// Mode namespaces.
const (
	NsIntrinsic uint8 = 0x0
	NsAddr      uint8 = 0x1
	NsContact   uint8 = 0x2
	NsLink      uint8 = 0x3
	NsPeer      uint8 = 0x4
	NsRecv      uint8 = 0x5
	NsSend      uint8 = 0x6
	NsStream    uint8 = 0x7
	NsSpace     uint8 = 0x8
)

// Mode operations.
const (
	OpIntrinsic uint8 = 0x0

	OpCreate  uint8 = 0x1
	OpDestroy uint8 = 0x2

	OpSub   uint8 = 0x3
	OpResub uint8 = 0x4
	OpUnsub uint8 = 0x5

	OpUp   uint8 = 0x10
	OpDown uint8 = 0x11

	OpAdd    uint8 = 0x20
	OpDelete uint8 = 0x21
	OpModify uint8 = 0x22

	OpList    uint8 = 0x30
	OpQuery   uint8 = 0x31
	OpOne     uint8 = 0x32
	OpMany    uint8 = 0x33
	OpStatus  uint8 = 0x34
	OpAnycast uint8 = 0x35

	// OpError marks an error reply in any namespace.
	OpError uint8 = 0xFF
)

// Make assembles a modes word from a namespace and an operation. Not
// every combination is valid and invalid ones are rejected by the
// router.
func Make(ns, op uint8) uint16 {
	return uint16(ns)<<8 | uint16(op)
}

// Split returns the namespace and operation bytes of a modes word.
func Split(modes uint16) (ns, op uint8) {
	return uint8(modes >> 8), uint8(modes)
}

// MaxPayload bounds a single microframe payload. Data streams are not
// framed this way; they follow a SEND header as raw bytes.
const MaxPayload = 32 * 1024 * 1024

// Header is the metadata section of one microframe.
type Header struct {
	Modes uint16
	Auth  *types.AddrAuth
	// PayloadSize is the length of the payload following the header.
	PayloadSize uint32
}

// Intrinsic builds the handshake header.
func Intrinsic(auth *types.AddrAuth) Header {
	return Header{Modes: Make(NsIntrinsic, OpIntrinsic), Auth: auth}
}

// Append encodes the header.
func (h Header) Append(buf []byte) []byte {
	buf = wire.AppendU16(buf, h.Modes)
	if h.Auth == nil {
		buf = wire.AppendAbsent(buf)
	} else {
		buf = wire.AppendU8(buf, 1)
		buf = append(buf, h.Auth[:]...)
	}
	return wire.AppendU32(buf, h.PayloadSize)
}

// ReadFrame reads one complete microframe from r: the variable-length
// header, then the declared payload.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var h Header

	var fixed [3]byte // modes + auth discriminant
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, nil, err
	}
	h.Modes = uint16(fixed[0])<<8 | uint16(fixed[1])

	switch fixed[2] {
	case 0:
	case 1:
		var auth types.AddrAuth
		if _, err := io.ReadFull(r, auth[:]); err != nil {
			return h, nil, fmt.Errorf("%w: truncated auth token", types.ErrBadProtocol)
		}
		h.Auth = &auth
	default:
		return h, nil, fmt.Errorf("%w: auth discriminant %#02x", types.ErrBadProtocol, fixed[2])
	}

	var szbuf [4]byte
	if _, err := io.ReadFull(r, szbuf[:]); err != nil {
		return h, nil, fmt.Errorf("%w: truncated payload size", types.ErrBadProtocol)
	}
	h.PayloadSize = uint32(szbuf[0])<<24 | uint32(szbuf[1])<<16 | uint32(szbuf[2])<<8 | uint32(szbuf[3])
	if h.PayloadSize > MaxPayload {
		return h, nil, fmt.Errorf("%w: payload of %d bytes", types.ErrBadProtocol, h.PayloadSize)
	}

	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("%w: truncated payload", types.ErrBadProtocol)
	}
	return h, payload, nil
}

// WriteFrame writes one complete microframe to w.
func WriteFrame(w io.Writer, modes uint16, auth *types.AddrAuth, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes", types.ErrBadProtocol, len(payload))
	}
	h := Header{Modes: modes, Auth: auth, PayloadSize: uint32(len(payload))}
	buf := h.Append(nil)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
