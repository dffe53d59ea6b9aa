// Package types defines the identifiers and shared data model used across
// the router: 32-byte idents, addresses, auth tokens, recipients, sequence
// ids, letterheads, and the error taxonomy.
package types

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
)

// identEncoding is the canonical textual form of an Ident32: unpadded
// standard base-32.
var identEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Ident32 is a 32-byte opaque identifier. It is the building block for
// addresses, auth tokens, block references, and stream ids.
type Ident32 [32]byte

// NewIdent32 copies up to 32 bytes from b into a fresh ident.
func NewIdent32(b []byte) Ident32 {
	var id Ident32
	copy(id[:], b)
	return id
}

// RandomIdent returns a cryptographically random ident.
func RandomIdent() Ident32 {
	var id Ident32
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return id
}

// ParseIdent32 decodes the canonical base-32 form.
func ParseIdent32(s string) (Ident32, error) {
	var id Ident32
	b, err := identEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse ident: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse ident: got %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func (id Ident32) String() string {
	return identEncoding.EncodeToString(id[:])
}

// Short returns a truncated form for log output.
func (id Ident32) Short() string {
	return id.String()[:8]
}

// IsZero reports whether every byte of the ident is zero.
func (id Ident32) IsZero() bool {
	return id == Ident32{}
}

func (id Ident32) Bytes() []byte {
	return id[:]
}

// Address is an Ident32 that is the public half of an ed25519 keypair. A
// node may host many local addresses.
type Address = Ident32

// AddrAuth is the 32-byte bearer token bound to one Address at
// registration. Every privileged client API call must present it.
type AddrAuth [32]byte

// RandomAuth returns a fresh bearer token.
func RandomAuth() AddrAuth {
	var a AddrAuth
	if _, err := rand.Read(a[:]); err != nil {
		panic(err)
	}
	return a
}

// Equal reports whether two tokens match.
func (a AddrAuth) Equal(b AddrAuth) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (a AddrAuth) String() string {
	return identEncoding.EncodeToString(a[:])
}
