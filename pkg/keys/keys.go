// Package keys manages address keypairs: ed25519 signing for
// announcements, x25519 agreement for stream convergence secrets, and
// at-rest encryption of private key material.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"

	"github.com/irdest/ratman/pkg/types"
)

// CreateAddress generates a fresh ed25519 keypair. The public key is the
// address.
func CreateAddress() (types.Address, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return types.Address{}, nil, fmt.Errorf("generate address keypair: %w", err)
	}
	return types.NewIdent32(pub), priv, nil
}

// Sign signs msg with the address private key.
func Sign(priv ed25519.PrivateKey, msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify checks sig over msg against the address public key.
func Verify(addr types.Address, msg []byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(addr[:]), msg, sig[:])
}

// DiffieHellman derives the 32-byte shared secret between a local
// private key and a remote address. The ed25519 keys are mapped onto
// curve25519: the private scalar is the clamped sha512 prefix of the
// seed, the remote point is converted through its montgomery form.
func DiffieHellman(priv ed25519.PrivateKey, remote types.Address) ([32]byte, error) {
	var secret [32]byte

	h := sha512.Sum512(priv.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	p, err := new(edwards25519.Point).SetBytes(remote[:])
	if err != nil {
		return secret, fmt.Errorf("remote address is not a valid curve point: %w", err)
	}
	shared, err := curve25519.X25519(scalar, p.BytesMontgomery())
	if err != nil {
		return secret, fmt.Errorf("x25519 agreement: %w", err)
	}
	copy(secret[:], shared)
	return secret, nil
}

// SealPrivateKey encrypts private key material for storage, keyed by the
// address auth token. The chacha20 nonce is zero: every auth token is
// random and used for exactly one key.
func SealPrivateKey(auth types.AddrAuth, priv ed25519.PrivateKey) ([]byte, error) {
	return cryptPrivateKey(auth, priv.Seed())
}

// OpenPrivateKey decrypts stored private key material.
func OpenPrivateKey(auth types.AddrAuth, sealed []byte) (ed25519.PrivateKey, error) {
	if len(sealed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sealed key material is %d bytes, want %d", len(sealed), ed25519.SeedSize)
	}
	seed, err := cryptPrivateKey(auth, sealed)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func cryptPrivateKey(auth types.AddrAuth, in []byte) ([]byte, error) {
	key := blake2b.Sum256(auth[:])
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("key storage cipher: %w", err)
	}
	out := make([]byte, len(in))
	c.XORKeyStream(out, in)
	return out, nil
}
