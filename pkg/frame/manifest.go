package frame

import (
	"fmt"

	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// Manifest encodes the root descriptor of an encrypted block stream plus
// the stream's letterhead. The recipient uses it to know which blocks to
// assemble and how to decrypt them.
//
//	letterhead (length-delimited fields)
//	[1]  block size marker, 1 (1 KiB) or 32 (32 KiB)
//	[1]  block tree level
//	[32] root reference
//	[32] root key
type Manifest struct {
	Letterhead types.Letterhead
	BlockSize  uint8
	BlockLevel uint8
	RootRef    types.Ident32
	RootKey    types.Ident32
}

// Append encodes the manifest payload, version byte first.
func (m Manifest) Append(buf []byte) ([]byte, error) {
	if m.BlockSize != 1 && m.BlockSize != 32 {
		return nil, fmt.Errorf("%w: block size marker %d", types.ErrMalformedFrame, m.BlockSize)
	}
	buf = wire.AppendU8(buf, VersionV1)
	buf, err := m.Letterhead.Append(buf)
	if err != nil {
		return nil, err
	}
	buf = wire.AppendU8(buf, m.BlockSize)
	buf = wire.AppendU8(buf, m.BlockLevel)
	buf = append(buf, m.RootRef[:]...)
	return append(buf, m.RootKey[:]...), nil
}

// ParseManifest decodes a manifest payload.
func ParseManifest(buf []byte) (Manifest, error) {
	var m Manifest
	rd := wire.NewReader(buf)

	version, err := rd.U8()
	if err != nil {
		return m, err
	}
	if version != VersionV1 {
		return m, types.InvalidVersion(version)
	}
	lh, err := types.ParseLetterhead(rd)
	if err != nil {
		return m, err
	}
	blockSize, err := rd.U8()
	if err != nil {
		return m, err
	}
	if blockSize != 1 && blockSize != 32 {
		return m, fmt.Errorf("%w: block size marker %d", types.ErrMalformedFrame, blockSize)
	}
	blockLevel, err := rd.U8()
	if err != nil {
		return m, err
	}
	rootRef, err := rd.Array32()
	if err != nil {
		return m, err
	}
	rootKey, err := rd.Array32()
	if err != nil {
		return m, err
	}
	m = Manifest{
		Letterhead: lh,
		BlockSize:  blockSize,
		BlockLevel: blockLevel,
		RootRef:    rootRef,
		RootKey:    rootKey,
	}
	return m, nil
}

// BlockSizeBytes maps the wire marker to the actual block size.
func (m Manifest) BlockSizeBytes() int {
	return int(m.BlockSize) * 1024
}
