package micro

import (
	"fmt"

	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// Handshake opens a client session. The router rejects clients whose
// protocol version or semver fall below its configured minimum.
type Handshake struct {
	ProtoVersion  uint8
	ClientName    string
	ClientVersion string
}

func (p Handshake) Append(buf []byte) []byte {
	buf = wire.AppendU8(buf, p.ProtoVersion)
	buf = wire.AppendCString(buf, p.ClientName)
	return wire.AppendCString(buf, p.ClientVersion)
}

func ParseHandshake(buf []byte) (Handshake, error) {
	rd := wire.NewReader(buf)
	ver, err := rd.U8()
	if err != nil {
		return Handshake{}, err
	}
	name, err := rd.CString()
	if err != nil {
		return Handshake{}, err
	}
	version, err := rd.CString()
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{ProtoVersion: ver, ClientName: name, ClientVersion: version}, nil
}

// AddrCreate requests a fresh address, optionally named.
type AddrCreate struct {
	Name          string
	NamespaceData *types.Ident32
}

func (p AddrCreate) Append(buf []byte) []byte {
	if p.Name == "" {
		buf = wire.AppendAbsent(buf)
	} else {
		buf = wire.AppendU8(buf, 1)
		buf = wire.AppendCString(buf, p.Name)
	}
	if p.NamespaceData == nil {
		return wire.AppendAbsent(buf)
	}
	buf = wire.AppendU8(buf, 1)
	return append(buf, p.NamespaceData[:]...)
}

func ParseAddrCreate(buf []byte) (AddrCreate, error) {
	var p AddrCreate
	rd := wire.NewReader(buf)
	disc, err := rd.Option()
	if err != nil {
		return p, err
	}
	if disc == 1 {
		if p.Name, err = rd.CString(); err != nil {
			return p, err
		}
	}
	disc, err = rd.Option()
	if err != nil {
		return p, err
	}
	if disc == 1 {
		id, err := rd.Array32()
		if err != nil {
			return p, err
		}
		nd := types.Ident32(id)
		p.NamespaceData = &nd
	}
	return p, nil
}

// AddrCreateReply returns the new address and its bearer token.
type AddrCreateReply struct {
	Addr types.Address
	Auth types.AddrAuth
}

func (p AddrCreateReply) Append(buf []byte) []byte {
	buf = append(buf, p.Addr[:]...)
	return append(buf, p.Auth[:]...)
}

func ParseAddrCreateReply(buf []byte) (AddrCreateReply, error) {
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return AddrCreateReply{}, err
	}
	auth, err := rd.Array32()
	if err != nil {
		return AddrCreateReply{}, err
	}
	return AddrCreateReply{Addr: addr, Auth: types.AddrAuth(auth)}, nil
}

// AddrDestroy wipes an address and everything journalled under it.
type AddrDestroy struct {
	Addr  types.Address
	Force bool
}

func (p AddrDestroy) Append(buf []byte) []byte {
	buf = append(buf, p.Addr[:]...)
	if p.Force {
		return wire.AppendU8(buf, 1)
	}
	return wire.AppendU8(buf, 0)
}

func ParseAddrDestroy(buf []byte) (AddrDestroy, error) {
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return AddrDestroy{}, err
	}
	force, err := rd.U8()
	if err != nil {
		return AddrDestroy{}, err
	}
	return AddrDestroy{Addr: addr, Force: force == 1}, nil
}

// AddrState toggles announcements for one address (UP and DOWN share
// the payload shape).
type AddrState struct {
	Addr types.Address
}

func (p AddrState) Append(buf []byte) []byte {
	return append(buf, p.Addr[:]...)
}

func ParseAddrState(buf []byte) (AddrState, error) {
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return AddrState{}, err
	}
	return AddrState{Addr: addr}, nil
}

// AddrListReply enumerates local addresses with their names and
// announcement state.
type AddrListReply struct {
	Addrs []AddrInfo
}

type AddrInfo struct {
	Addr types.Address
	Name string
	Up   bool
}

func (p AddrListReply) Append(buf []byte) ([]byte, error) {
	if len(p.Addrs) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d addresses", wire.ErrTooLarge, len(p.Addrs))
	}
	buf = wire.AppendU16(buf, uint16(len(p.Addrs)))
	for _, a := range p.Addrs {
		buf = append(buf, a.Addr[:]...)
		buf = wire.AppendCString(buf, a.Name)
		if a.Up {
			buf = wire.AppendU8(buf, 1)
		} else {
			buf = wire.AppendU8(buf, 0)
		}
	}
	return buf, nil
}

func ParseAddrListReply(buf []byte) (AddrListReply, error) {
	var p AddrListReply
	rd := wire.NewReader(buf)
	count, err := rd.U16()
	if err != nil {
		return p, err
	}
	for i := 0; i < int(count); i++ {
		var info AddrInfo
		addr, err := rd.Array32()
		if err != nil {
			return p, err
		}
		info.Addr = addr
		if info.Name, err = rd.CString(); err != nil {
			return p, err
		}
		up, err := rd.U8()
		if err != nil {
			return p, err
		}
		info.Up = up == 1
		p.Addrs = append(p.Addrs, info)
	}
	return p, nil
}

// Subscribe opens a subscription for streams addressed to recipient,
// authorised by addr's token.
type Subscribe struct {
	Addr      types.Address
	Recipient types.Recipient
}

func (p Subscribe) Append(buf []byte) []byte {
	buf = append(buf, p.Addr[:]...)
	return p.Recipient.AppendOption(buf)
}

func ParseSubscribe(buf []byte) (Subscribe, error) {
	var p Subscribe
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return p, err
	}
	recipient, err := types.ParseOptionRecipient(rd)
	if err != nil {
		return p, err
	}
	if recipient == nil {
		return p, fmt.Errorf("%w: subscribe without recipient", types.ErrBadProtocol)
	}
	return Subscribe{Addr: addr, Recipient: *recipient}, nil
}

// SubHandle names an existing subscription (UNSUB and RESUB).
type SubHandle struct {
	SubID types.Ident32
	Addr  types.Address
}

func (p SubHandle) Append(buf []byte) []byte {
	buf = append(buf, p.SubID[:]...)
	return append(buf, p.Addr[:]...)
}

func ParseSubHandle(buf []byte) (SubHandle, error) {
	rd := wire.NewReader(buf)
	id, err := rd.Array32()
	if err != nil {
		return SubHandle{}, err
	}
	addr, err := rd.Array32()
	if err != nil {
		return SubHandle{}, err
	}
	return SubHandle{SubID: id, Addr: addr}, nil
}

// SubReply returns the handle of a fresh subscription.
type SubReply struct {
	SubID types.Ident32
}

func (p SubReply) Append(buf []byte) []byte {
	return append(buf, p.SubID[:]...)
}

func ParseSubReply(buf []byte) (SubReply, error) {
	rd := wire.NewReader(buf)
	id, err := rd.Array32()
	if err != nil {
		return SubReply{}, err
	}
	return SubReply{SubID: id}, nil
}

// SpaceKey joins, toggles, or queries a flood namespace.
type SpaceKey struct {
	Addr      types.Address
	Namespace types.Address
	KeyData   *types.Ident32
}

func (p SpaceKey) Append(buf []byte) []byte {
	buf = append(buf, p.Addr[:]...)
	buf = append(buf, p.Namespace[:]...)
	if p.KeyData == nil {
		return wire.AppendAbsent(buf)
	}
	buf = wire.AppendU8(buf, 1)
	return append(buf, p.KeyData[:]...)
}

func ParseSpaceKey(buf []byte) (SpaceKey, error) {
	var p SpaceKey
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return p, err
	}
	ns, err := rd.Array32()
	if err != nil {
		return p, err
	}
	p.Addr, p.Namespace = addr, ns
	disc, err := rd.Option()
	if err != nil {
		return p, err
	}
	if disc == 1 {
		id, err := rd.Array32()
		if err != nil {
			return p, err
		}
		kd := types.Ident32(id)
		p.KeyData = &kd
	}
	return p, nil
}

// AnycastReply resolves the closest subscribed peer of a namespace.
type AnycastReply struct {
	Addr types.Address
}

func (p AnycastReply) Append(buf []byte) []byte {
	return append(buf, p.Addr[:]...)
}

func ParseAnycastReply(buf []byte) (AnycastReply, error) {
	rd := wire.NewReader(buf)
	addr, err := rd.Array32()
	if err != nil {
		return AnycastReply{}, err
	}
	return AnycastReply{Addr: addr}, nil
}

// ErrorReply reports a failed operation: a short stable tag plus an
// English message.
type ErrorReply struct {
	Tag string
	Msg string
}

func (p ErrorReply) Append(buf []byte) []byte {
	buf = wire.AppendCString(buf, p.Tag)
	return wire.AppendCString(buf, p.Msg)
}

func ParseErrorReply(buf []byte) (ErrorReply, error) {
	rd := wire.NewReader(buf)
	tag, err := rd.CString()
	if err != nil {
		return ErrorReply{}, err
	}
	msg, err := rd.CString()
	if err != nil {
		return ErrorReply{}, err
	}
	return ErrorReply{Tag: tag, Msg: msg}, nil
}
