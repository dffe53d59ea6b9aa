package types

import (
	"fmt"

	"github.com/irdest/ratman/pkg/wire"
)

// RecipientKind distinguishes the two delivery scopes a frame can have.
type RecipientKind uint8

const (
	// RecipientTarget routes to exactly one address.
	RecipientTarget RecipientKind = 1
	// RecipientNamespace floods within a namespace scope.
	RecipientNamespace RecipientKind = 2
)

// Recipient is the tagged delivery scope of a frame or stream.
type Recipient struct {
	Kind RecipientKind
	Addr Address
}

// TargetOf wraps a single destination address.
func TargetOf(addr Address) Recipient {
	return Recipient{Kind: RecipientTarget, Addr: addr}
}

// NamespaceOf wraps a flood namespace address.
func NamespaceOf(addr Address) Recipient {
	return Recipient{Kind: RecipientNamespace, Addr: addr}
}

func (r Recipient) String() string {
	switch r.Kind {
	case RecipientTarget:
		return "target:" + r.Addr.Short()
	case RecipientNamespace:
		return "namespace:" + r.Addr.Short()
	}
	return "invalid"
}

// AppendOption encodes an optional recipient: 0x00 for absent, or the
// kind discriminant followed by the 32-byte address.
func (r *Recipient) AppendOption(buf []byte) []byte {
	if r == nil {
		return wire.AppendAbsent(buf)
	}
	buf = wire.AppendU8(buf, uint8(r.Kind))
	return append(buf, r.Addr[:]...)
}

// ParseOptionRecipient decodes an optional recipient from rd.
func ParseOptionRecipient(rd *wire.Reader) (*Recipient, error) {
	disc, err := rd.Option()
	if err != nil {
		return nil, err
	}
	switch RecipientKind(disc) {
	case 0:
		return nil, nil
	case RecipientTarget, RecipientNamespace:
		addr, err := rd.Array32()
		if err != nil {
			return nil, err
		}
		return &Recipient{Kind: RecipientKind(disc), Addr: addr}, nil
	}
	return nil, fmt.Errorf("%w: recipient discriminant %#02x", ErrMalformedFrame, disc)
}
