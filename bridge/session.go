package bridge

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xynclient/xyn/protocol"
)

// Session lifecycle timeouts and retry bounds.
const (
	// DefaultPacketTimeout bounds ordinary packet writes and reads
	DefaultPacketTimeout = 30 * time.Second

	// HandshakeAttempts is the default number of magic exchanges tried
	HandshakeAttempts = 3

	handshakeWriteTimeout = 2 * time.Second
	handshakeReadTimeout  = 3 * time.Second
	handshakeRetryDelay   = 500 * time.Millisecond

	probeWriteTimeout = 1 * time.Second
	probeReadTimeout  = 2 * time.Second

	// recvChunkSize bounds single payload reads so large transfers
	// stream instead of materializing in one transport call
	recvChunkSize = 4096
)

// State is a session lifecycle state.
type State int

// Session states, in connection order.
const (
	StateDisconnected State = iota
	StateDiscovering
	StateClaimed
	StateHandshakeInFlight
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateClaimed:
		return "claimed"
	case StateHandshakeInFlight:
		return "handshake-in-flight"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Session owns the connection and handshake state for one device. It is
// the sole holder of the session-established invariant: every packet
// exchange checks it and fails immediately when it does not hold.
//
// A Session is driven from a single goroutine; bulk transfers are
// synchronous blocking calls with explicit timeouts.
type Session struct {
	enum    Enumerator
	log     *logrus.Entry
	timeout time.Duration

	dev         Device
	claimed     bool
	established bool
	state       State
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// SessionLogger sets the logger used for connection tracing.
func SessionLogger(log *logrus.Entry) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

// SessionTimeout sets the default packet exchange timeout.
func SessionTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewSession creates a disconnected Session that will discover devices
// through the given enumerator.
func NewSession(enum Enumerator, opts ...SessionOption) *Session {
	s := &Session{
		enum:    enum,
		log:     logrus.WithField("component", "session"),
		timeout: DefaultPacketTimeout,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Established reports whether the handshake invariant currently holds.
func (s *Session) Established() bool {
	return s.established
}

// Connect discovers a download-mode device, claims its bulk interface and
// establishes the protocol session.
func (s *Session) Connect() error {
	if err := s.findDevice(); err != nil {
		return err
	}

	if !s.claimed {
		if err := s.dev.Claim(); err != nil {
			s.Disconnect()
			return &ConnectionError{Reason: err.Error()}
		}
		s.claimed = true
	}
	s.state = StateClaimed

	if err := s.EstablishSession(HandshakeAttempts); err != nil {
		s.Disconnect()
		return err
	}
	return nil
}

// findDevice scans for the known download-mode product ids. When none
// match it probes every device of the vendor with a best-effort endpoint
// setup and a throwaway handshake, because not all bootloader revisions
// expose a known product id.
func (s *Session) findDevice() error {
	s.state = StateDiscovering

	for _, pid := range protocol.ProductIDs {
		dev, err := s.enum.OpenProduct(protocol.VendorID, pid)
		if err != nil {
			s.log.Debugf("Open 0x%04X:0x%04X failed: %v", protocol.VendorID, pid, err)
			continue
		}
		if dev == nil {
			continue
		}
		s.log.Infof("Found device in download mode: vid=0x%04X pid=0x%04X", protocol.VendorID, pid)
		s.dev = dev
		return nil
	}

	devs, err := s.enum.OpenVendor(protocol.VendorID)
	if err != nil {
		s.state = StateDisconnected
		return &ConnectionError{Reason: "device enumeration failed: " + err.Error()}
	}

	for _, dev := range devs {
		if s.dev == nil && s.probe(dev) {
			_, pid := dev.Product()
			s.log.Infof("Verified download mode on unlisted device pid=0x%04X", pid)
			s.dev = dev
			s.claimed = true
			continue
		}
		if err := dev.Release(); err != nil {
			s.log.Debugf("Probe release failed: %v", err)
		}
		if err := dev.Close(); err != nil {
			s.log.Debugf("Probe close failed: %v", err)
		}
	}
	if s.dev != nil {
		return nil
	}

	s.state = StateDisconnected
	return &ConnectionError{Reason: "no device found in download mode"}
}

// probe claims the device and runs a throwaway handshake to check
// whether it speaks the protocol. The device stays claimed on success.
func (s *Session) probe(dev Device) bool {
	if err := dev.Claim(); err != nil {
		return false
	}
	if _, err := dev.WriteBulk(protocol.HandshakeMagic, probeWriteTimeout); err != nil {
		return false
	}
	reply, err := dev.ReadBulk(8, probeReadTimeout)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(reply, protocol.HandshakeReply)
}

// EstablishSession performs the magic exchange: send the host magic,
// expect a reply prefixed by the device magic, within bounded timeouts.
// On mismatch or timeout it waits briefly and retries, up to attempts
// times. This is the only place blocking retry-with-backoff occurs.
func (s *Session) EstablishSession(attempts int) error {
	if s.dev == nil {
		return &ConnectionError{Reason: "no device connected"}
	}

	s.state = StateHandshakeInFlight
	for attempt := 1; attempt <= attempts; attempt++ {
		s.log.Debugf("Session handshake attempt %d/%d", attempt, attempts)

		reply, err := s.exchangeMagic()
		if err != nil {
			s.log.Debugf("Handshake attempt %d failed: %v", attempt, err)
		} else if bytes.HasPrefix(reply, protocol.HandshakeReply) {
			s.established = true
			s.state = StateEstablished
			s.log.Info("Protocol session established")
			return nil
		} else {
			s.log.Debugf("Handshake attempt %d: unexpected reply %x", attempt, reply)
		}

		if attempt < attempts {
			time.Sleep(handshakeRetryDelay)
		}
	}

	s.state = StateClaimed
	return &HandshakeError{Attempts: attempts}
}

func (s *Session) exchangeMagic() ([]byte, error) {
	if _, err := s.dev.WriteBulk(protocol.HandshakeMagic, handshakeWriteTimeout); err != nil {
		return nil, err
	}
	return s.dev.ReadBulk(16, handshakeReadTimeout)
}

// EndSession tells the device the session is over. It never fails:
// errors are logged and swallowed because the session is being torn down
// regardless. On the wire this is a bare command byte, not a framed
// packet.
func (s *Session) EndSession() {
	if !s.established {
		return
	}
	if _, err := s.dev.WriteBulk([]byte{byte(protocol.CmdSessionEnd)}, handshakeWriteTimeout); err != nil {
		s.log.Debugf("Session end failed: %v", err)
	}
	s.established = false
}

// Disconnect ends the session, releases the interface and closes the
// device, each best-effort, then unconditionally resets local state.
// Safe to call multiple times and on a session that never connected.
func (s *Session) Disconnect() {
	s.EndSession()

	if s.dev != nil {
		if s.claimed {
			if err := s.dev.Release(); err != nil {
				s.log.Debugf("Interface release failed: %v", err)
			}
		}
		if err := s.dev.Close(); err != nil {
			s.log.Debugf("Device close failed: %v", err)
		}
	}

	s.dev = nil
	s.claimed = false
	s.established = false
	s.state = StateDisconnected
}

// SendPacket frames and writes one packet. The session must already be
// established.
func (s *Session) SendPacket(cmd protocol.Command, payload []byte) error {
	if !s.established {
		return ErrSessionNotEstablished
	}
	_, err := s.dev.WriteBulk(protocol.Encode(cmd, payload), s.timeout)
	return err
}

// ReceivePacket reads one framed packet: an exact header read, then the
// payload streamed in bounded chunks. A header shorter than the wire
// format is a framing error, never silently padded.
func (s *Session) ReceivePacket(timeout time.Duration) (protocol.Command, []byte, error) {
	if !s.established {
		return 0, nil, ErrSessionNotEstablished
	}

	header, err := s.dev.ReadBulk(protocol.HeaderSize, timeout)
	if err != nil {
		return 0, nil, err
	}
	cmd, length, err := protocol.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}

	payload := make([]byte, 0, length)
	for remaining := int(length); remaining > 0; {
		chunkLen := remaining
		if chunkLen > recvChunkSize {
			chunkLen = recvChunkSize
		}
		chunk, err := s.dev.ReadBulk(chunkLen, timeout)
		if err != nil {
			return 0, nil, err
		}
		// A zero-length chunk without an error makes no progress; the
		// announced payload can never complete.
		if len(chunk) == 0 {
			return 0, nil, errors.Errorf("payload truncated: got %d of %d bytes", len(payload), length)
		}
		payload = append(payload, chunk...)
		remaining -= len(chunk)
	}

	return cmd, payload, nil
}

// ReadRaw reads unframed bytes off the bulk-IN endpoint. Used for the
// PIT download path, which streams raw data rather than packets.
func (s *Session) ReadRaw(max int, timeout time.Duration) ([]byte, error) {
	if !s.established {
		return nil, ErrSessionNotEstablished
	}
	return s.dev.ReadBulk(max, timeout)
}
