package protocol

import (
	"encoding/binary"
)

// Encode builds a wire packet for the given command and payload.
//
// Packet structure:
//
//	[CMD(1)][LEN(4, little-endian)][PAYLOAD(LEN)]
//
// There is no padding and no checksum at this layer; integrity of
// partition contents is the caller's responsibility via an explicit
// digest.
func Encode(cmd Command, payload []byte) []byte {
	pkt := make([]byte, 0, HeaderSize+len(payload))
	pkt = append(pkt, byte(cmd))

	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(payload)))
	pkt = append(pkt, lenBytes...)

	pkt = append(pkt, payload...)
	return pkt
}

// DecodeHeader extracts the command and payload length from a received
// header. The caller is expected to read exactly HeaderSize bytes from the
// wire; anything shorter is a framing violation, never silently padded.
//
// The codec enforces no maximum payload length; callers must bound reads.
func DecodeHeader(header []byte) (Command, uint32, error) {
	if len(header) < HeaderSize {
		return 0, 0, &FramingError{Got: len(header)}
	}

	cmd := Command(header[0])
	length := binary.LittleEndian.Uint32(header[1:5])
	return cmd, length, nil
}

// EncodeID builds the 4-byte little-endian partition id payload used by
// file-transfer requests and erase requests.
func EncodeID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}

// EncodePartitionInfo builds the partition-info payload announcing the
// target partition id and the total transfer size.
//
// Payload structure:
//
//	[ID(4, little-endian)][SIZE(4, little-endian)]
func EncodePartitionInfo(id uint32, size uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	return buf
}
