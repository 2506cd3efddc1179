package msgr

import "crypto/hmac"

// Authorizer is the credential a connecting Pipe offers during the connect
// handshake (spec.md §4.2.1 step 3 "Authorizer invalid", §6
// "authorizer_protocol"/"authorizer_len"). The core treats Token as an
// opaque blob; only AuthorizerVerifier gives it meaning.
type Authorizer struct {
	Protocol   uint32
	Token      []byte
	SessionKey []byte
}

// AuthorizerVerifier validates an incoming authorizer token and derives the
// session key used to build SessionSecurity (spec.md §4.2.1 step 5
// "installs the session signer from the verified session key").
type AuthorizerVerifier interface {
	Verify(protocol uint32, token []byte) (sessionKey []byte, ok bool)
}

// StaticKeyVerifier is the simplest cephx analogue: a single shared cluster
// secret rather than a full ticket-granting exchange (SPEC_FULL.md §6
// "CephxRequireSignatures" names the signature requirement; key
// distribution/rotation is out of this core's scope). A token equal to Key
// authorizes the peer and becomes the session key.
type StaticKeyVerifier struct {
	Protocol uint32
	Key      []byte
}

func (v StaticKeyVerifier) Verify(protocol uint32, token []byte) ([]byte, bool) {
	if protocol != v.Protocol || len(token) != len(v.Key) || !hmac.Equal(token, v.Key) {
		return nil, false
	}
	return v.Key, true
}
