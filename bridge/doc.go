// Package bridge implements the download-mode flashing client: device
// discovery and session handshake, raw partition transfers, and a
// top-level orchestrator that prefers the external heimdall tool and
// falls back to the raw protocol behind an explicit force gate.
package bridge
