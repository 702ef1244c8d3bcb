package api

import "errors"

// Sentinel errors for the API-layer error kinds named in spec.md §7.
// Malformed and CryptoFailed never escape pkg/packet/pkg/protocol to the
// application; they are logged and counted there. The rest are returned
// from Socket/Session/Channel/Message methods, wrapped with call-site
// context via fmt.Errorf("...: %w", err) at the point of failure.
var (
	ErrInvalidArgument  = errors.New("api: invalid argument")
	ErrIllegalState     = errors.New("api: illegal state for this operation")
	ErrMessageOverflow  = errors.New("api: message write exceeds parcel capacity")
	ErrMessageUnderflow = errors.New("api: message read exceeds remaining bytes")
	ErrSessionInvalid   = errors.New("api: session is no longer valid")
	ErrChannelInvalid   = errors.New("api: channel index is out of range")
	ErrConnectDenied    = errors.New("api: connection denied")
	ErrConnectTimedOut  = errors.New("api: connection attempt timed out")
	ErrMalformed        = errors.New("api: malformed packet")
	ErrCryptoFailed     = errors.New("api: crypto operation failed")
)
