package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode is the parent of every inbound frame error.
	ErrDecode = errors.New("decode error")

	// ErrMalformed indicates a frame that is not a JSON object
	ErrMalformed = fmt.Errorf("%w: malformed frame", ErrDecode)

	// ErrUnclassified indicates a well-formed object matching no known envelope
	ErrUnclassified = fmt.Errorf("%w: unclassified frame", ErrDecode)

	// ErrInvalid indicates a frame that failed schema validation
	ErrInvalid = fmt.Errorf("%w: invalid frame", ErrDecode)

	// ErrConnection indicates a transport read or write failure
	ErrConnection = errors.New("connection error")

	// ErrPolicyViolation indicates a frame the sender's role is not allowed to send
	ErrPolicyViolation = errors.New("policy violation")

	// ErrUnknownPeer indicates a connection id that is not registered
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerClosed indicates a send to a peer whose queue is already closed
	ErrPeerClosed = errors.New("peer closed")
)
