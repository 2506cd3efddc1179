package msgr

import "errors"

// Sentinel errors for the few cases the application needs to tell apart
// (spec.md §7), following the teacher's flat errors.New style rather than
// distinct wrapped types.
var (
	ErrBadBanner         = errors.New("msgr: bad banner")
	ErrProtocolMismatch  = errors.New("msgr: protocol version mismatch")
	ErrFeatureMismatch   = errors.New("msgr: required feature missing")
	ErrBadAuthorizer     = errors.New("msgr: authorizer rejected")
	ErrHeaderCRC         = errors.New("msgr: header CRC mismatch")
	ErrUnknownTag        = errors.New("msgr: unknown protocol tag")
	ErrPipeClosed        = errors.New("msgr: pipe closed")
	ErrConnectRaceAssert = errors.New("msgr: connect_seq race with no valid existing state")
	ErrReconnectSeqUnsupported = errors.New("msgr: SEQ reply sent to peer without RECONNECT_SEQ feature")
)
