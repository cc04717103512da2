package bridge

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport is the bulk-endpoint capability the session drives. It is
// supplied by the USB layer; the protocol core never touches libusb
// directly.
type Transport interface {
	// WriteBulk writes p to the bulk-OUT endpoint.
	WriteBulk(p []byte, timeout time.Duration) (int, error)

	// ReadBulk reads one bulk-IN transfer of up to max bytes.
	ReadBulk(max int, timeout time.Duration) ([]byte, error)
}

// Device is one download-mode device handed out by an Enumerator.
type Device interface {
	Transport

	// Claim selects the first interface exposing one bulk-IN and one
	// bulk-OUT endpoint and claims it, detaching a bound kernel driver
	// when needed.
	Claim() error

	// Release undoes Claim, reattaching the kernel driver when this
	// device detached it. Safe to call when nothing is claimed.
	Release() error

	// Product reports the device's vendor and product ids.
	Product() (vid, pid uint16)

	// Close releases all device resources.
	Close() error
}

// Enumerator finds download-mode devices by USB identity.
type Enumerator interface {
	// OpenProduct opens the device matching vid/pid, or (nil, nil) when
	// no such device is attached.
	OpenProduct(vid, pid uint16) (Device, error)

	// OpenVendor opens every attached device of the vendor, for
	// handshake probing when no known product id matches.
	OpenVendor(vid uint16) ([]Device, error)
}

// timeouter matches transport errors that self-identify as timeouts.
type timeouter interface {
	Timeout() bool
}

// IsTimeout reports whether a transport error was caused by a timeout
// rather than a hard failure. The distinction drives transfer semantics:
// a read that times out mid-stream can still be a success, a write that
// fails hard never is.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
