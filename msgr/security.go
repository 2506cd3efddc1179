package msgr

import (
	"crypto/hmac"

	"golang.org/x/crypto/sha3"
)

// SessionSecurity signs and verifies the region of a message covered by
// cephx-style per-message signatures (spec.md §3 "session_security", §4.3
// step 5 "verify signature when session_security is present"). Payload
// encryption itself is an explicit Non-goal (spec.md §1); only signing is in
// scope.
type SessionSecurity interface {
	Sign(region []byte) uint64
	Verify(region []byte, sig uint64) bool
}

// hmacSHA3Security implements SessionSecurity with an HMAC constructed over
// SHA3-256, grounded on munonun-Web4's crypto stack (internal/crypto/crypto.go
// uses sha3.Sum256 for its KDF); HMAC-over-SHA3 is the teacher-adjacent way
// to turn that primitive into a keyed MAC suitable for a per-message
// signature truncated to the wire's 64-bit Sig field.
type hmacSHA3Security struct {
	key []byte
}

// NewSessionSecurity builds a SessionSecurity from a session key negotiated
// during authorization (spec.md §4.2.1 step 5 "installs the session signer
// from the verified session key").
func NewSessionSecurity(sessionKey []byte) SessionSecurity {
	return &hmacSHA3Security{key: sessionKey}
}

func (s *hmacSHA3Security) mac(region []byte) []byte {
	h := hmac.New(sha3.New256, s.key)
	h.Write(region)
	return h.Sum(nil)
}

func (s *hmacSHA3Security) Sign(region []byte) uint64 {
	sum := s.mac(region)
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return v
}

func (s *hmacSHA3Security) Verify(region []byte, sig uint64) bool {
	return s.Sign(region) == sig
}
