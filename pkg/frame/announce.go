package frame

import (
	"time"

	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// OriginData is the signed section of an announcement. It is produced
// once by the announcing router and never mutated in transit.
type OriginData struct {
	Timestamp time.Time
}

// NewOriginData stamps the current UTC time, truncated to whole seconds
// to match the fixed-width wire form.
func NewOriginData() OriginData {
	return OriginData{Timestamp: time.Now().UTC().Truncate(time.Second)}
}

// Append encodes the origin section. These exact bytes are what the
// origin signature covers.
func (o OriginData) Append(buf []byte) []byte {
	return wire.AppendTimestamp(buf, o.Timestamp)
}

// RouteData is the unsigned section of an announcement, mutated hop by
// hop: every forwarding router lowers MTU and size hint to the minimum
// it observed on the receiving channel.
type RouteData struct {
	MTU      uint16
	SizeHint uint16
}

// Announce is a signed, flooded assertion that an address is reachable
// from the announcing router.
//
//	[1]  version
//	[25] rfc3339 UTC timestamp
//	[64] ed25519 signature over the timestamp
//	[2]  route mtu
//	[2]  route size_hint
type Announce struct {
	Origin          OriginData
	OriginSignature [64]byte
	Route           RouteData
}

// Append encodes the announcement payload, version byte first.
func (a Announce) Append(buf []byte) []byte {
	buf = wire.AppendU8(buf, VersionV1)
	buf = a.Origin.Append(buf)
	buf = append(buf, a.OriginSignature[:]...)
	buf = wire.AppendU16(buf, a.Route.MTU)
	return wire.AppendU16(buf, a.Route.SizeHint)
}

// SignableBytes returns the exact bytes covered by the origin signature.
func (a Announce) SignableBytes() []byte {
	return a.Origin.Append(nil)
}

// ParseAnnounce decodes an announcement payload.
func ParseAnnounce(buf []byte) (Announce, error) {
	var a Announce
	rd := wire.NewReader(buf)

	version, err := rd.U8()
	if err != nil {
		return a, err
	}
	if version != VersionV1 {
		return a, types.InvalidVersion(version)
	}
	ts, err := rd.Timestamp()
	if err != nil {
		return a, err
	}
	sig, err := rd.Array64()
	if err != nil {
		return a, err
	}
	mtu, err := rd.U16()
	if err != nil {
		return a, err
	}
	sizeHint, err := rd.U16()
	if err != nil {
		return a, err
	}
	a = Announce{
		Origin:          OriginData{Timestamp: ts},
		OriginSignature: sig,
		Route:           RouteData{MTU: mtu, SizeHint: sizeHint},
	}
	return a, nil
}
