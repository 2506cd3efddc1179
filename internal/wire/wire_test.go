package wire

import (
	"bytes"
	"testing"
)

func TestBannerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBanner(&buf); err != nil {
		t.Fatal(err)
	}
	if err := ReadBanner(&buf); err != nil {
		t.Fatal(err)
	}
}

func TestBannerMismatch(t *testing.T) {
	if err := ReadBanner(bytes.NewReader([]byte("not a real banner!!!!"))); err == nil {
		t.Fatal("expected banner mismatch error")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address{Family: FamilyIPv4, Port: 6800, Nonce: 0xdeadbeef}
	copy(a.Bytes[:], []byte{10, 0, 0, 1})

	var buf bytes.Buffer
	if err := a.Marshal(&buf); err != nil {
		t.Fatal(err)
	}

	var got Address
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("got %+v, want %+v", got, a)
	}
}

func TestAddressIsBlank(t *testing.T) {
	var a Address
	if !a.IsBlank() {
		t.Fatal("zero-value address should be blank")
	}
	a.Bytes[0] = 1
	if a.IsBlank() {
		t.Fatal("address with a set byte should not be blank")
	}
}

func TestConnectRoundTrip(t *testing.T) {
	c := Connect{
		Features:           uint64(FeatureMsgAuth | FeatureReconnectSeq),
		HostType:           1,
		GlobalSeq:          42,
		ConnectSeq:         7,
		ProtocolVersion:    1,
		AuthorizerProtocol: 2,
		AuthorizerLen:      5,
		Flags:              0,
	}

	var buf bytes.Buffer
	if err := c.Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	if err := WriteAuthorizer(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	var got Connect
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}

	auth, err := ReadAuthorizer(&buf, got.AuthorizerLen)
	if err != nil {
		t.Fatal(err)
	}
	if string(auth) != "hello" {
		t.Fatalf("got authorizer %q", auth)
	}
}

func TestConnectReplyRoundTrip(t *testing.T) {
	cr := ConnectReply{
		Tag:             TagRetrySession,
		Features:        uint64(FeatureMsgAuth),
		GlobalSeq:       99,
		ConnectSeq:      3,
		ProtocolVersion: 1,
		AuthorizerLen:   0,
		Flags:           ReplyFlagLossy,
	}

	var buf bytes.Buffer
	if err := cr.Marshal(&buf); err != nil {
		t.Fatal(err)
	}

	var got ConnectReply
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if got != cr {
		t.Fatalf("got %+v, want %+v", got, cr)
	}
}

func TestHeaderRoundTripNewLayout(t *testing.T) {
	h := Header{
		Seq: 42, Tid: 7, Type: 3, Priority: 10,
		FrontLen: 1, MiddleLen: 2, DataLen: 3, DataOff: 0, Src: 0xabc,
	}

	var buf bytes.Buffer
	if err := MarshalHeader(&buf, h, false); err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalHeader(&buf, false)
	if err != nil {
		t.Fatal(err)
	}
	h.CRC = got.CRC
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHeaderRoundTripOldLayout(t *testing.T) {
	h := Header{Seq: 1, Tid: 2, Type: 1, Priority: 5, FrontLen: 0, MiddleLen: 0, DataLen: 0, DataOff: 0}

	var buf bytes.Buffer
	if err := MarshalHeader(&buf, h, true); err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalHeader(&buf, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Src != 0 {
		t.Fatalf("old layout should not carry Src, got %d", got.Src)
	}
}

func TestHeaderCRCMismatch(t *testing.T) {
	h := Header{Seq: 1}
	var buf bytes.Buffer
	if err := MarshalHeader(&buf, h, false); err != nil {
		t.Fatal(err)
	}

	corrupted := buf.Bytes()
	corrupted[0] ^= 0xff

	if _, err := UnmarshalHeader(bytes.NewReader(corrupted), false); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestFooterRoundTripAndAborted(t *testing.T) {
	f := Footer{FrontCRC: 1, MiddleCRC: 2, DataCRC: 3, Sig: 0x1234, Flags: FooterComplete}

	var buf bytes.Buffer
	if err := MarshalFooter(&buf, f, false); err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalFooter(&buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != f {
		t.Fatalf("got %+v, want %+v", got, f)
	}
	if got.Aborted() {
		t.Fatal("COMPLETE footer should not be aborted")
	}

	f.Flags = 0
	var buf2 bytes.Buffer
	if err := MarshalFooter(&buf2, f, true); err != nil {
		t.Fatal(err)
	}
	got2, err := UnmarshalFooter(&buf2, true)
	if err != nil {
		t.Fatal(err)
	}
	if !got2.Aborted() {
		t.Fatal("footer without COMPLETE should be aborted")
	}
	if got2.Sig != 0 {
		t.Fatal("old layout should not carry Sig")
	}
}

func TestCRC32C(t *testing.T) {
	if CRC32C([]byte("123456789")) != 0xe3069283 {
		t.Fatalf("unexpected CRC32C value: %#x", CRC32C([]byte("123456789")))
	}
}
