// Package pit parses partition information tables and resolves partition
// names to protocol identifiers.
//
// A PIT (Partition Information Table) is a binary record describing a
// device's flashable partitions. Three parsers cover the ways the table
// reaches the host:
//
//   - ParseToolOutput reads the structured text the external heimdall
//     tool prints for a PIT file.
//   - ParseHeuristic scans raw PIT bytes for partition records when no
//     authoritative parser is available.
//   - Catalog.Detect orchestrates both plus the tool's and the session's
//     own PIT download paths, in preference order, and caches the result
//     for the session's lifetime.
//
// Identifier resolution degrades gracefully: an explicit id from the
// table wins, a static well-known mapping covers common partitions, and
// everything else resolves to the UnknownID sentinel, which transfer
// logic sends as-is for the device to accept or reject.
package pit
