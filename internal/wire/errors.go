package wire

import "errors"

// Sentinel failure modes from spec.md §4.1. Each is wrapped in a
// *errors.CodecError by Deserialize so callers can use the shared
// classification helpers while still matching on the specific cause with
// errors.Is.
var (
	ErrBadMagic              = errors.New("bad magic")
	ErrShortHeader           = errors.New("short header")
	ErrPayloadLengthMismatch = errors.New("payload length mismatch")
	ErrCrcMismatch           = errors.New("crc mismatch")
	ErrAeadMismatch          = errors.New("aead mismatch")
)
