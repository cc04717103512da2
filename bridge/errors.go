package bridge

import (
	"errors"
	"fmt"
)

// ErrSessionNotEstablished reports a packet exchange attempted before the
// handshake. The handshake is a precondition, not a side effect: the hot
// transfer path never establishes a session implicitly.
var ErrSessionNotEstablished = errors.New("protocol session not established")

// ConnectionError indicates no usable device: nothing attached in
// download mode, or no interface with the required bulk endpoints.
type ConnectionError struct {
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

// HandshakeError indicates the magic exchange was exhausted without the
// device ever answering with the expected reply.
type HandshakeError struct {
	// Attempts is the number of handshake attempts made
	Attempts int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed after %d attempts (device may not be in download mode)", e.Attempts)
}

// SafetyGateError indicates a destructive or unverified operation was
// attempted without the explicit force flag. Worded distinctly from
// ordinary failures so operators understand the external tool is the
// safe path.
type SafetyGateError struct {
	// Op is the refused operation ("write" or "erase")
	Op string
}

func (e *SafetyGateError) Error() string {
	return fmt.Sprintf(
		"refusing raw-protocol %s without the force flag: install heimdall (the safe, verified path) or set force to accept the risk of an experimental, unverified transfer",
		e.Op)
}
