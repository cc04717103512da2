package protocol

// ProtocolVersion is the ODIN download-mode protocol revision this library speaks.
const ProtocolVersion = 3

// VendorID is the Samsung USB vendor id.
const VendorID = 0x04E8

// ProductIDs lists the product ids known to be exposed by Exynos
// bootloaders in download mode. Not exhaustive: some firmware revisions
// report other ids and have to be verified with a handshake probe instead.
var ProductIDs = []uint16{0x685D, 0x6860, 0x6861, 0x6863, 0x6864, 0x6866, 0x7000}

// Handshake magics exchanged before any partition operation.
var (
	// HandshakeMagic is the 4-byte magic the host sends to open a session
	HandshakeMagic = []byte("ODIN")

	// HandshakeReply is the 4-byte prefix the device answers with when it
	// speaks the protocol
	HandshakeReply = []byte("LOKE")
)

// HeaderSize is the wire size of a packet header:
// command (1 byte) + payload length (4 bytes, little-endian).
const HeaderSize = 5

// Command is a single-byte ODIN packet command code.
type Command byte

// Command codes. The exact values are a contract between the host and the
// device family's bootloader firmware.
const (
	// CmdSessionStart opens a protocol session
	CmdSessionStart Command = 0x65

	// CmdSessionEnd closes the session; sent as a bare command byte
	CmdSessionEnd Command = 0x66

	// CmdFileTransfer carries partition data in either direction
	CmdFileTransfer Command = 0x67

	// CmdFileComplete terminates a transfer and acknowledges completion
	CmdFileComplete Command = 0x68

	// CmdGetPIT requests the partition information table
	CmdGetPIT Command = 0x69

	// CmdPartitionInfo announces the target partition id and total size
	CmdPartitionInfo Command = 0x70

	// CmdErasePartition erases the partition named by id
	CmdErasePartition Command = 0x71

	// CmdReboot reboots the device out of download mode
	CmdReboot Command = 0x72
)

// String returns the protocol name of a command code.
func (c Command) String() string {
	switch c {
	case CmdSessionStart:
		return "session-start"
	case CmdSessionEnd:
		return "session-end"
	case CmdFileTransfer:
		return "file-transfer"
	case CmdFileComplete:
		return "file-complete"
	case CmdGetPIT:
		return "get-pit"
	case CmdPartitionInfo:
		return "partition-info"
	case CmdErasePartition:
		return "erase-partition"
	case CmdReboot:
		return "reboot"
	default:
		return "unknown"
	}
}
