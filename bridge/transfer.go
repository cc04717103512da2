package bridge

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xynclient/xyn/pit"
	"github.com/xynclient/xyn/protocol"
)

// Transfer timeouts and bounds. The read path treats a timeout after at
// least one byte as end-of-stream, so readChunkTimeout doubles as the
// stream termination detector.
const (
	readChunkTimeout = 10 * time.Second
	writeAckTimeout  = 30 * time.Second
	eraseTimeout     = 60 * time.Second
	pitChunkTimeout  = 5 * time.Second

	// DefaultWriteChunkSize is the flash payload chunk size.
	DefaultWriteChunkSize = 128 * 1024

	// maxReadBytes caps a partition dump. No supported device exposes a
	// partition larger than this; exceeding it means the device is
	// streaming garbage.
	maxReadBytes = int64(16) << 30

	// maxPITBytes caps a raw PIT download.
	maxPITBytes = 10 << 20

	// maxWriteBytes is the largest image the 32-bit wire size field can
	// announce.
	maxWriteBytes = int64(1)<<32 - 1
)

// Engine runs partition transfers over the session, re-establishing it
// first when it is down. It resolves partition names through the
// catalog and reports progress through an optional callback.
type Engine struct {
	session   *Session
	catalog   *pit.Catalog
	log       *logrus.Entry
	progress  ProgressFunc
	chunkSize int
	readLimit int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineLogger sets the logger used for transfer tracing.
func EngineLogger(log *logrus.Entry) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// EngineProgress sets the progress callback for transfers.
func EngineProgress(fn ProgressFunc) EngineOption {
	return func(e *Engine) {
		e.progress = fn
	}
}

// EngineChunkSize overrides the flash payload chunk size.
func EngineChunkSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.chunkSize = size
		}
	}
}

// NewEngine creates a transfer engine bound to a session and a partition
// catalog.
func NewEngine(session *Session, catalog *pit.Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		session:   session,
		catalog:   catalog,
		log:       logrus.WithField("component", "transfer"),
		chunkSize: DefaultWriteChunkSize,
		readLimit: maxReadBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) report(op, partition string, done, total int64, started time.Time) {
	if e.progress == nil {
		return
	}
	e.progress(Progress{
		Op:        op,
		Partition: partition,
		Bytes:     done,
		Total:     total,
		Elapsed:   time.Since(started),
	})
}

// resolve looks the partition up in the detected layout and fails with
// NotFoundError when no entry matches.
func (e *Engine) resolve(name string) (pit.Partition, error) {
	part, ok := e.catalog.Get(name)
	if !ok {
		return pit.Partition{}, &pit.NotFoundError{Name: name}
	}
	return part, nil
}

// ensureSession re-runs the handshake when the session is down, so a
// transfer after a session end or a lost handshake recovers instead of
// failing outright. Without a connected device this still fails.
func (e *Engine) ensureSession() error {
	if e.session.Established() {
		return nil
	}
	e.log.Debug("Session not established, performing handshake")
	return e.session.EstablishSession(HandshakeAttempts)
}

// ReadPartition dumps a partition into outPath. The device streams the
// partition as framed packets: payload-bearing file-transfer packets are
// appended to the dump and a file-complete packet ends the stream. Some
// bootloader revisions never send the completion packet and just go
// quiet, so a timeout after at least one byte arrived also ends the
// stream successfully; a timeout before any data is a failure. A failed
// dump never leaves a partial file behind.
func (e *Engine) ReadPartition(name, outPath string) (retErr error) {
	part, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := e.ensureSession(); err != nil {
		return err
	}

	id := e.catalog.GuessIdentifier(part.Name)
	e.log.Infof("Reading partition %s (id=%d) to %s", part.Name, id, outPath)

	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "cannot create output file %s", outPath)
	}
	defer func() {
		out.Close()
		if retErr != nil {
			if rmErr := os.Remove(outPath); rmErr != nil && !os.IsNotExist(rmErr) {
				e.log.Warnf("Cannot remove partial dump %s: %v", outPath, rmErr)
			}
		}
	}()

	if err := e.session.SendPacket(protocol.CmdFileTransfer, protocol.EncodeID(id)); err != nil {
		return errors.Wrapf(err, "cannot request transfer of %s", part.Name)
	}

	started := time.Now()
	var total int64
receive:
	for {
		cmd, payload, err := e.session.ReceivePacket(readChunkTimeout)
		if err != nil {
			if IsTimeout(err) {
				if total > 0 {
					break
				}
				return errors.Errorf("device sent no data for partition %s", part.Name)
			}
			return errors.Wrapf(err, "read of %s failed after %d bytes", part.Name, total)
		}
		switch cmd {
		case protocol.CmdFileTransfer:
			if len(payload) == 0 {
				continue
			}
			if _, err := out.Write(payload); err != nil {
				return errors.Wrapf(err, "cannot write dump file %s", outPath)
			}
			total += int64(len(payload))
			if total > e.readLimit {
				return errors.Errorf("partition %s exceeded the %s read ceiling", part.Name, units.BytesSize(float64(e.readLimit)))
			}
			e.report("read", part.Name, total, part.Length, started)
		case protocol.CmdFileComplete:
			break receive
		default:
			return &protocol.UnexpectedCommandError{Got: cmd, Want: protocol.CmdFileTransfer}
		}
	}

	if err := out.Sync(); err != nil {
		return errors.Wrapf(err, "cannot sync dump file %s", outPath)
	}
	e.log.Infof("Read %s from %s in %v", units.BytesSize(float64(total)), part.Name, time.Since(started).Round(time.Millisecond))
	return nil
}

// WritePartition flashes the image at inPath onto the named partition.
// The image digest is logged before the transfer begins so a bad flash
// can be traced back to the exact bytes that were sent. The final
// acknowledgement is optimistic: a timeout waiting for it is logged as
// unverified but not treated as failure, because several bootloader
// revisions reboot before acknowledging.
func (e *Engine) WritePartition(name, inPath string) error {
	if err := e.ensureSession(); err != nil {
		return err
	}

	// A write can target a partition the layout detection missed, so an
	// unresolved name degrades to the static identifier table with a
	// warning instead of failing.
	target := name
	if part, err := e.resolve(name); err == nil {
		target = part.Name
	} else {
		e.log.Warnf("Partition %s not in detected layout, flashing by guessed identifier", name)
	}

	in, err := os.Open(inPath)
	if err != nil {
		return errors.Wrapf(err, "cannot open image %s", inPath)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "cannot stat image %s", inPath)
	}
	size := info.Size()
	if size == 0 {
		return errors.Errorf("image %s is empty", inPath)
	}
	if size > maxWriteBytes {
		return errors.Errorf("image %s is %s, larger than the wire format allows", inPath, units.BytesSize(float64(size)))
	}

	digest := md5.New()
	if _, err := io.Copy(digest, in); err != nil {
		return errors.Wrapf(err, "cannot digest image %s", inPath)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "cannot rewind image %s", inPath)
	}

	id := e.catalog.GuessIdentifier(target)
	e.log.Infof("Flashing %s (%s, md5=%s) to partition %s (id=%d)",
		inPath, units.BytesSize(float64(size)), hex.EncodeToString(digest.Sum(nil)), target, id)

	if err := e.session.SendPacket(protocol.CmdPartitionInfo, protocol.EncodePartitionInfo(id, uint32(size))); err != nil {
		return errors.Wrapf(err, "cannot announce transfer of %s", target)
	}

	started := time.Now()
	buf := make([]byte, e.chunkSize)
	var sent int64
	for sent < size {
		n, err := in.Read(buf)
		if n > 0 {
			if err := e.session.SendPacket(protocol.CmdFileTransfer, buf[:n]); err != nil {
				return errors.Wrapf(err, "flash of %s failed after %d bytes", target, sent)
			}
			sent += int64(n)
			e.report("write", target, sent, size, started)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "cannot read image %s", inPath)
		}
	}

	if err := e.session.SendPacket(protocol.CmdFileComplete, nil); err != nil {
		return errors.Wrapf(err, "cannot finish transfer of %s", target)
	}

	cmd, _, err := e.session.ReceivePacket(writeAckTimeout)
	switch {
	case err == nil && cmd == protocol.CmdFileComplete:
		e.log.Infof("Flashed %s to %s in %v", units.BytesSize(float64(sent)), target, time.Since(started).Round(time.Millisecond))
		return nil
	case err != nil && IsTimeout(err):
		e.log.Warnf("No acknowledgement for %s within %v; transfer is unverified, assuming success", target, writeAckTimeout)
		return nil
	case err != nil:
		return errors.Wrapf(err, "acknowledgement read for %s failed", target)
	default:
		return &protocol.UnexpectedCommandError{Got: cmd, Want: protocol.CmdFileComplete}
	}
}

// ErasePartition erases the named partition. Unlike read and write, an
// erase that the device does not acknowledge within the deadline is a
// hard failure: an unconfirmed erase leaves the partition in an unknown
// state and the caller must know that.
func (e *Engine) ErasePartition(name string) error {
	if err := e.ensureSession(); err != nil {
		return err
	}

	// An erase can target a partition the layout detection missed, so
	// an unresolved name degrades to the static identifier table
	// instead of failing.
	target := name
	if part, err := e.resolve(name); err == nil {
		target = part.Name
	} else {
		e.log.Warnf("Partition %s not in detected layout, erasing by guessed identifier", name)
	}
	id := e.catalog.GuessIdentifier(target)

	e.log.Infof("Erasing partition %s (id=%d)", target, id)
	if err := e.session.SendPacket(protocol.CmdErasePartition, protocol.EncodeID(id)); err != nil {
		return errors.Wrapf(err, "cannot request erase of %s", target)
	}

	cmd, _, err := e.session.ReceivePacket(eraseTimeout)
	if err != nil {
		if IsTimeout(err) {
			return errors.Errorf("erase of %s unconfirmed after %v", target, eraseTimeout)
		}
		return errors.Wrapf(err, "erase confirmation for %s failed", target)
	}
	// The device acknowledges a finished erase with file-complete, the
	// same completion code that ends transfers.
	if cmd != protocol.CmdFileComplete {
		return &protocol.UnexpectedCommandError{Got: cmd, Want: protocol.CmdFileComplete}
	}
	e.log.Infof("Erased partition %s", target)
	return nil
}

// DownloadPIT streams the partition table into outPath. The table is
// sent raw, not framed: chunks are read until the device goes quiet or
// returns a short chunk. Receiving nothing at all is a failure.
func (e *Engine) DownloadPIT(outPath string) (retErr error) {
	if err := e.ensureSession(); err != nil {
		return err
	}

	if err := e.session.SendPacket(protocol.CmdGetPIT, nil); err != nil {
		return errors.Wrap(err, "cannot request partition table")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "cannot create PIT file %s", outPath)
	}
	defer func() {
		out.Close()
		if retErr != nil {
			if rmErr := os.Remove(outPath); rmErr != nil && !os.IsNotExist(rmErr) {
				e.log.Warnf("Cannot remove partial PIT %s: %v", outPath, rmErr)
			}
		}
	}()

	var total int64
	for {
		chunk, err := e.session.ReadRaw(recvChunkSize, pitChunkTimeout)
		if err != nil {
			if IsTimeout(err) && total > 0 {
				break
			}
			return errors.Wrap(err, "partition table read failed")
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := out.Write(chunk); err != nil {
			return errors.Wrapf(err, "cannot write PIT file %s", outPath)
		}
		total += int64(len(chunk))
		if total > maxPITBytes {
			return errors.Errorf("partition table exceeded the %s ceiling", units.BytesSize(float64(int64(maxPITBytes))))
		}
		if len(chunk) < recvChunkSize {
			break
		}
	}
	if total == 0 {
		return errors.New("device sent an empty partition table")
	}

	e.log.Infof("Downloaded partition table (%s) to %s", units.BytesSize(float64(total)), outPath)
	return nil
}

// Reboot asks the device to leave download mode. The device drops off
// the bus immediately, so no acknowledgement is expected.
func (e *Engine) Reboot() error {
	if err := e.ensureSession(); err != nil {
		return err
	}
	if err := e.session.SendPacket(protocol.CmdReboot, nil); err != nil {
		return errors.Wrap(err, "cannot send reboot")
	}
	e.log.Info("Reboot sent, device is leaving download mode")
	return nil
}
