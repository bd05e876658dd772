package masp

import "github.com/pkg/errors"

// Error taxonomy per the protocol's error handling design. Data-plane errors
// (malformed packet, unexpected source/type, timeout) are recovered locally;
// session-establishment errors (handshake failure) propagate to the
// coordinator.
var (
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrUnexpectedSource = errors.New("unexpected source address")
	ErrUnexpectedType   = errors.New("unexpected packet type")
	ErrTimeout          = errors.New("timed out")
	ErrHandshakeFailed  = errors.New("handshake failed")
)
