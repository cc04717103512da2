package bridge

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xynclient/xyn/heimdall"
	"github.com/xynclient/xyn/pit"
	"github.com/xynclient/xyn/protocol"
)

// pitBlob is raw table data the heuristic parser can extract names from.
func pitBlob() []byte {
	var b bytes.Buffer
	b.Write(bytes.Repeat([]byte{0x00}, 16))
	b.WriteString("boot\x00")
	b.Write(bytes.Repeat([]byte{0x00}, 16))
	b.WriteString("recovery\x00")
	b.Write(bytes.Repeat([]byte{0x00}, 16))
	return b.Bytes()
}

// frameSteps scripts one framed packet as the read steps ReceivePacket
// performs: the header, then the payload in receive-sized chunks.
func frameSteps(cmd protocol.Command, payload []byte) []readStep {
	pkt := protocol.Encode(cmd, payload)
	steps := []readStep{{data: pkt[:protocol.HeaderSize]}}
	for off := 0; off < len(payload); off += recvChunkSize {
		end := off + recvChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		steps = append(steps, readStep{data: payload[off:end]})
	}
	return steps
}

// establishedEngine connects a session against dev (whose first scripted
// read must be the handshake reply) and wraps it in an engine whose
// catalog already knows the boot and recovery partitions.
func establishedEngine(t *testing.T, dev *fakeDevice) *Engine {
	t.Helper()
	enum := &fakeEnumerator{products: map[uint16]*fakeDevice{dev.pid: dev}}
	s := NewSession(enum)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	catalog := pit.NewCatalog(new(heimdall.Runner), pit.WithPITBytes(pitBlob()))
	return NewEngine(s, catalog)
}

func TestReadPartitionFramedStream(t *testing.T) {
	// Only file-transfer payloads belong in the dump; headers and the
	// completion packet must not leak into it.
	payload := bytes.Repeat([]byte{0x5A}, 512)
	reads := []readStep{{data: loke16()}}
	reads = append(reads, frameSteps(protocol.CmdFileTransfer, payload)...)
	reads = append(reads, frameSteps(protocol.CmdFileComplete, nil)...)
	dev := &fakeDevice{pid: 0x6860, reads: reads}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "boot.img")
	if err := e.ReadPartition("boot", outPath); err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("cannot read dump: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("dump = %d bytes, want the %d payload bytes only", len(got), len(payload))
	}
}

func TestReadPartitionTimeoutAfterDataIsSuccess(t *testing.T) {
	// No completion packet: the device just goes quiet after the data.
	payload := bytes.Repeat([]byte{0x5A}, 1000)
	reads := []readStep{{data: loke16()}}
	reads = append(reads, frameSteps(protocol.CmdFileTransfer, payload)...)
	// queue exhaustion yields a timeout, ending the stream
	dev := &fakeDevice{pid: 0x6860, reads: reads}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "boot.img")
	if err := e.ReadPartition("boot", outPath); err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("cannot read dump: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("dump length = %d, want %d", len(got), len(payload))
	}
}

func TestReadPartitionRejectsUnexpectedPacket(t *testing.T) {
	reads := []readStep{{data: loke16()}}
	reads = append(reads, frameSteps(protocol.CmdSessionStart, nil)...)
	dev := &fakeDevice{pid: 0x6860, reads: reads}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "boot.img")
	err := e.ReadPartition("boot", outPath)
	var cmdErr *protocol.UnexpectedCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *protocol.UnexpectedCommandError", err)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatal("failed read left a partial file behind")
	}
}

func TestReadPartitionEnforcesCeiling(t *testing.T) {
	reads := []readStep{{data: loke16()}}
	reads = append(reads, frameSteps(protocol.CmdFileTransfer, bytes.Repeat([]byte{0x11}, 800))...)
	reads = append(reads, frameSteps(protocol.CmdFileTransfer, bytes.Repeat([]byte{0x22}, 800))...)
	dev := &fakeDevice{pid: 0x6860, reads: reads}
	e := establishedEngine(t, dev)
	e.readLimit = 1024

	outPath := filepath.Join(t.TempDir(), "boot.img")
	if err := e.ReadPartition("boot", outPath); err == nil {
		t.Fatal("ReadPartition succeeded past the read ceiling")
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatal("over-ceiling read left a partial file behind")
	}
}

func TestReadPartitionNoDataIsFailure(t *testing.T) {
	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "boot.img")
	if err := e.ReadPartition("boot", outPath); err == nil {
		t.Fatal("ReadPartition succeeded with no data")
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatal("failed read left a partial file behind")
	}
}

func TestReadPartitionUnknownName(t *testing.T) {
	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	err := e.ReadPartition("nosuch", filepath.Join(t.TempDir(), "x.img"))
	var nfErr *pit.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("error = %v, want *pit.NotFoundError", err)
	}
	if nfErr.Name != "nosuch" {
		t.Fatalf("Name = %q, want %q", nfErr.Name, "nosuch")
	}
}

func TestWritePartitionOptimisticOnAckTimeout(t *testing.T) {
	image := bytes.Repeat([]byte{0xC3}, 5000)
	inPath := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(inPath, image, 0644); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{
		pid: 0x6860,
		// only the handshake reply: the final acknowledgement read
		// times out and the transfer is assumed to have succeeded
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	if err := e.WritePartition("boot", inPath); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}

	// magic, partition-info, one data chunk, file-complete
	if len(dev.writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(dev.writes))
	}
	wantInfo := protocol.Encode(protocol.CmdPartitionInfo, protocol.EncodePartitionInfo(1, uint32(len(image))))
	if !bytes.Equal(dev.writes[1], wantInfo) {
		t.Fatalf("partition info frame = %x, want %x", dev.writes[1], wantInfo)
	}
	wantData := protocol.Encode(protocol.CmdFileTransfer, image)
	if !bytes.Equal(dev.writes[2], wantData) {
		t.Fatalf("data frame length = %d, want %d", len(dev.writes[2]), len(wantData))
	}
	wantDone := protocol.Encode(protocol.CmdFileComplete, nil)
	if !bytes.Equal(dev.writes[3], wantDone) {
		t.Fatalf("completion frame = %x, want %x", dev.writes[3], wantDone)
	}
}

func TestWritePartitionAcknowledged(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(inPath, []byte{0x01}, 0644); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: protocol.Encode(protocol.CmdFileComplete, nil)},
		},
	}
	e := establishedEngine(t, dev)

	if err := e.WritePartition("boot", inPath); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}
}

func TestWritePartitionRejectsUnexpectedAck(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(inPath, []byte{0x01}, 0644); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: protocol.Encode(protocol.CmdSessionStart, nil)},
		},
	}
	e := establishedEngine(t, dev)

	err := e.WritePartition("boot", inPath)
	var cmdErr *protocol.UnexpectedCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *protocol.UnexpectedCommandError", err)
	}
	if cmdErr.Got != protocol.CmdSessionStart || cmdErr.Want != protocol.CmdFileComplete {
		t.Fatalf("got=%v want=%v", cmdErr.Got, cmdErr.Want)
	}
}

func TestWritePartitionRejectsEmptyImage(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(inPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	if err := e.WritePartition("boot", inPath); err == nil {
		t.Fatal("WritePartition accepted an empty image")
	}
	// nothing beyond the handshake was written
	if len(dev.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(dev.writes))
	}
}

func TestErasePartitionTimeoutIsFailure(t *testing.T) {
	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	if err := e.ErasePartition("boot"); err == nil {
		t.Fatal("ErasePartition succeeded without confirmation")
	}
}

func TestErasePartitionConfirmed(t *testing.T) {
	// The device acknowledges a finished erase with file-complete.
	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: protocol.Encode(protocol.CmdFileComplete, nil)},
		},
	}
	e := establishedEngine(t, dev)

	if err := e.ErasePartition("boot"); err != nil {
		t.Fatalf("ErasePartition failed: %v", err)
	}
	wantReq := protocol.Encode(protocol.CmdErasePartition, protocol.EncodeID(1))
	if !bytes.Equal(dev.writes[1], wantReq) {
		t.Fatalf("erase frame = %x, want %x", dev.writes[1], wantReq)
	}
}

func TestErasePartitionRejectsUnexpectedAck(t *testing.T) {
	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: protocol.Encode(protocol.CmdSessionStart, nil)},
		},
	}
	e := establishedEngine(t, dev)

	err := e.ErasePartition("boot")
	var cmdErr *protocol.UnexpectedCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *protocol.UnexpectedCommandError", err)
	}
	if cmdErr.Want != protocol.CmdFileComplete {
		t.Fatalf("Want = %v, want %v", cmdErr.Want, protocol.CmdFileComplete)
	}
}

func TestDownloadPITShortChunkEndsStream(t *testing.T) {
	table := pitBlob()
	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: table},
		},
	}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "device.pit")
	if err := e.DownloadPIT(outPath); err != nil {
		t.Fatalf("DownloadPIT failed: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, table) {
		t.Fatalf("table length = %d, want %d", len(got), len(table))
	}
	wantReq := protocol.Encode(protocol.CmdGetPIT, nil)
	if !bytes.Equal(dev.writes[1], wantReq) {
		t.Fatalf("request frame = %x, want %x", dev.writes[1], wantReq)
	}
}

func TestDownloadPITEmptyIsFailure(t *testing.T) {
	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()},
			{data: []byte{}},
		},
	}
	e := establishedEngine(t, dev)

	outPath := filepath.Join(t.TempDir(), "device.pit")
	if err := e.DownloadPIT(outPath); err == nil {
		t.Fatal("DownloadPIT succeeded with an empty table")
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatal("failed download left a partial file behind")
	}
}

func TestRebootSendsBareCommand(t *testing.T) {
	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	if err := e.Reboot(); err != nil {
		t.Fatalf("Reboot failed: %v", err)
	}
	wantReq := protocol.Encode(protocol.CmdReboot, nil)
	if !bytes.Equal(dev.writes[1], wantReq) {
		t.Fatalf("reboot frame = %x, want %x", dev.writes[1], wantReq)
	}
}

func TestTransfersWithoutDeviceFail(t *testing.T) {
	s := NewSession(&fakeEnumerator{})
	catalog := pit.NewCatalog(new(heimdall.Runner), pit.WithPITBytes(pitBlob()))
	e := NewEngine(s, catalog)

	var connErr *ConnectionError
	if err := e.ReadPartition("boot", filepath.Join(t.TempDir(), "x.img")); !errors.As(err, &connErr) {
		t.Fatalf("ReadPartition error = %v, want *ConnectionError", err)
	}
	if err := e.ErasePartition("boot"); !errors.As(err, &connErr) {
		t.Fatalf("ErasePartition error = %v, want *ConnectionError", err)
	}
	if err := e.DownloadPIT(filepath.Join(t.TempDir(), "x.pit")); !errors.As(err, &connErr) {
		t.Fatalf("DownloadPIT error = %v, want *ConnectionError", err)
	}
	if err := e.Reboot(); !errors.As(err, &connErr) {
		t.Fatalf("Reboot error = %v, want *ConnectionError", err)
	}
}

func TestTransferReestablishesSession(t *testing.T) {
	dev := &fakeDevice{
		pid: 0x6860,
		reads: []readStep{
			{data: loke16()}, // connect handshake
			{data: loke16()}, // handshake re-run by the transfer
		},
	}
	enum := &fakeEnumerator{products: map[uint16]*fakeDevice{0x6860: dev}}
	s := NewSession(enum)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	s.EndSession()

	catalog := pit.NewCatalog(new(heimdall.Runner), pit.WithPITBytes(pitBlob()))
	e := NewEngine(s, catalog)

	if err := e.Reboot(); err != nil {
		t.Fatalf("Reboot after session end failed: %v", err)
	}
	if !s.Established() {
		t.Fatal("session not re-established by the transfer")
	}
	// magic, session-end byte, second magic, reboot frame
	last := dev.writes[len(dev.writes)-1]
	wantReq := protocol.Encode(protocol.CmdReboot, nil)
	if !bytes.Equal(last, wantReq) {
		t.Fatalf("final frame = %x, want %x", last, wantReq)
	}
	if len(dev.writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(dev.writes))
	}
}

func TestWritePartitionUnknownNameDegrades(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "vendor.img")
	if err := os.WriteFile(inPath, []byte{0x01, 0x02}, 0644); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{
		pid:   0x6860,
		reads: []readStep{{data: loke16()}},
	}
	e := establishedEngine(t, dev)

	// Not in the detected layout and not in the static table: the
	// write proceeds with the sentinel identifier for the device to
	// accept or reject.
	if err := e.WritePartition("nosuch", inPath); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}
	wantInfo := protocol.Encode(protocol.CmdPartitionInfo, protocol.EncodePartitionInfo(pit.UnknownID, 2))
	if !bytes.Equal(dev.writes[1], wantInfo) {
		t.Fatalf("partition info frame = %x, want %x", dev.writes[1], wantInfo)
	}
}
