package msgr

import "testing"

func TestStaticKeyVerifierAcceptsMatchingKey(t *testing.T) {
	v := StaticKeyVerifier{Protocol: 1, Key: []byte("cluster-secret")}
	key, ok := v.Verify(1, []byte("cluster-secret"))
	if !ok {
		t.Fatal("expected matching token to verify")
	}
	if string(key) != "cluster-secret" {
		t.Fatalf("expected session key to equal the pre-shared key")
	}
}

func TestStaticKeyVerifierRejectsWrongProtocolOrToken(t *testing.T) {
	v := StaticKeyVerifier{Protocol: 1, Key: []byte("cluster-secret")}

	if _, ok := v.Verify(2, []byte("cluster-secret")); ok {
		t.Fatal("expected protocol mismatch to fail")
	}
	if _, ok := v.Verify(1, []byte("wrong")); ok {
		t.Fatal("expected token mismatch to fail")
	}
}

func TestSessionSecuritySignVerifyRoundTrip(t *testing.T) {
	s := NewSessionSecurity([]byte("session-key"))
	region := []byte("front|middle|data")

	sig := s.Sign(region)
	if !s.Verify(region, sig) {
		t.Fatal("expected signature to verify against its own region")
	}
	if s.Verify([]byte("tampered"), sig) {
		t.Fatal("expected signature to fail against a different region")
	}
}
