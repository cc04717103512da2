// Package protocol implements the ODIN download-mode wire format.
//
// The protocol is a vendor bulk-USB download protocol spoken by Exynos
// bootloaders in download mode. Communication is framed in packets:
//
//	[CMD(1)][LEN(4, little-endian)][PAYLOAD(LEN)]
//
// Session setup happens outside the packet layer: the host writes a fixed
// 4-byte magic and the device answers with a reply prefixed by a second
// fixed magic (see HandshakeMagic, HandshakeReply).
//
// # Building packets
//
//	pkt := protocol.Encode(protocol.CmdFileTransfer, payload)
//
// # Decoding headers
//
//	cmd, length, err := protocol.DecodeHeader(header)
//	if err != nil {
//	    // fewer than HeaderSize bytes arrived: framing violation
//	}
//
// The codec carries no checksum; partition content integrity is handled
// above this layer.
package protocol
