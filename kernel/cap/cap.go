// Package cap issues and verifies the signed authorisation tokens used to
// transfer capabilities between processes. Tokens are ed25519 signatures
// over (issuer pid, capability id) under a key generated at boot and held
// only by the kernel; user space sees tokens as opaque 80-byte blobs.
package cap

import (
	"crypto/ed25519"

	"kyanos/kernel"
	"kyanos/kernel/rand"
)

const (
	// TokenLen is the wire size of a token: issuer u64, cap id u64,
	// signature 64.
	TokenLen = 8 + 8 + ed25519.SignatureSize

	// KernelIssuer is the issuer pid stamped on tokens minted directly
	// by the kernel at boot.
	KernelIssuer = uint64(0)
)

var (
	errKeyGen = &kernel.Error{Module: "cap", Message: "signing key generation failed"}

	// ErrBadToken is returned by Verify for malformed or forged tokens.
	ErrBadToken = &kernel.Error{Module: "cap", Message: "token verification failed"}

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
)

// Init generates the boot signing key. The private half never leaves this
// package; the public half is embedded in every verification.
func Init() *kernel.Error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader{})
	if err != nil {
		return errKeyGen
	}
	signPub, signPriv = pub, priv
	return nil
}

// Sign mints a token binding capID to issuer.
func Sign(issuer, capID uint64) []byte {
	token := make([]byte, TokenLen)
	putU64(token[0:], issuer)
	putU64(token[8:], capID)
	copy(token[16:], ed25519.Sign(signPriv, token[:16]))
	return token
}

// Verify checks a token's signature and returns the (issuer, capID) pair
// it binds.
func Verify(token []byte) (issuer, capID uint64, err *kernel.Error) {
	if len(token) != TokenLen {
		return 0, 0, ErrBadToken
	}
	if !ed25519.Verify(signPub, token[:16], token[16:]) {
		return 0, 0, ErrBadToken
	}
	return getU64(token[0:]), getU64(token[8:]), nil
}

// Set is a process's capability set. The zero value is usable.
type Set struct {
	caps map[uint64]bool
}

// Has reports whether capID is present.
func (s *Set) Has(capID uint64) bool { return s.caps[capID] }

// Add inserts capID.
func (s *Set) Add(capID uint64) {
	if s.caps == nil {
		s.caps = make(map[uint64]bool)
	}
	s.caps[capID] = true
}

// Drop removes capID; reductions are irreversible since Add is only ever
// reachable through a verified token or inheritance.
func (s *Set) Drop(capID uint64) { delete(s.caps, capID) }

// CopyFrom replaces this set's contents with a copy of other's.
func (s *Set) CopyFrom(other *Set) {
	s.caps = make(map[uint64]bool, len(other.caps))
	for id := range other.caps {
		s.caps[id] = true
	}
}

// Len returns the number of capabilities held.
func (s *Set) Len() int { return len(s.caps) }

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
