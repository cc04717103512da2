// Package heimdall invokes the heimdall flashing utility as the preferred,
// authoritative execution path for device operations.
//
// Every invocation is a synchronous subprocess call with a per-operation
// timeout. A zero exit code is success; any failure, a timeout, or the
// binary being absent from the host is a signal for the caller to fall
// back to the raw protocol implementation, never a fatal error.
package heimdall
