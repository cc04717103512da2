package usb

import (
	"context"
	"sort"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/xynclient/xyn/bridge"
)

// Enumerator finds devices through libusb. It owns the libusb context
// and must be closed after every device handed out is closed.
type Enumerator struct {
	ctx *gousb.Context
}

// NewEnumerator initializes a libusb context.
func NewEnumerator() *Enumerator {
	return &Enumerator{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (e *Enumerator) Close() error {
	return e.ctx.Close()
}

// OpenProduct opens the device matching vid/pid, or (nil, nil) when no
// such device is attached.
func (e *Enumerator) OpenProduct(vid, pid uint16) (bridge.Device, error) {
	dev, err := e.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open device 0x%04X:0x%04X", vid, pid)
	}
	if dev == nil {
		return nil, nil
	}
	return &Device{dev: dev}, nil
}

// OpenVendor opens every attached device of the vendor. Devices that
// fail to open are skipped; an error is returned only when the bus scan
// itself fails and nothing was opened.
func (e *Enumerator) OpenVendor(vid uint16) ([]bridge.Device, error) {
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid)
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrapf(err, "cannot scan for vendor 0x%04X devices", vid)
	}

	out := make([]bridge.Device, 0, len(devs))
	for _, dev := range devs {
		out = append(out, &Device{dev: dev})
	}
	return out, nil
}

// Device adapts one libusb device handle to the transport the session
// drives: a claimed interface with one bulk-IN and one bulk-OUT
// endpoint.
type Device struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// Claim walks the device's configurations for the first interface
// setting exposing a bulk-IN and bulk-OUT pair and claims it. The kernel
// driver is detached automatically and reattached on release.
func (d *Device) Claim() error {
	if d.intf != nil {
		return nil
	}
	if err := d.dev.SetAutoDetach(true); err != nil {
		return errors.Wrap(err, "cannot enable kernel driver auto-detach")
	}

	cfgNums := make([]int, 0, len(d.dev.Desc.Configs))
	for num := range d.dev.Desc.Configs {
		cfgNums = append(cfgNums, num)
	}
	sort.Ints(cfgNums)

	for _, cfgNum := range cfgNums {
		cfgDesc := d.dev.Desc.Configs[cfgNum]
		for _, ifDesc := range cfgDesc.Interfaces {
			for _, alt := range ifDesc.AltSettings {
				inDesc, outDesc, ok := bulkPair(alt)
				if !ok {
					continue
				}
				if err := d.claimSetting(cfgNum, alt, inDesc, outDesc); err != nil {
					return err
				}
				return nil
			}
		}
	}
	return errors.New("no interface with a bulk-IN and bulk-OUT endpoint pair")
}

func (d *Device) claimSetting(cfgNum int, alt gousb.InterfaceSetting, inDesc, outDesc gousb.EndpointDesc) error {
	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return errors.Wrapf(err, "cannot select configuration %d", cfgNum)
	}
	intf, err := cfg.Interface(alt.Number, alt.Alternate)
	if err != nil {
		cfg.Close()
		return errors.Wrapf(err, "cannot claim interface %d alt %d", alt.Number, alt.Alternate)
	}
	in, err := intf.InEndpoint(inDesc.Number)
	if err != nil {
		intf.Close()
		cfg.Close()
		return errors.Wrapf(err, "cannot open bulk-IN endpoint %d", inDesc.Number)
	}
	out, err := intf.OutEndpoint(outDesc.Number)
	if err != nil {
		intf.Close()
		cfg.Close()
		return errors.Wrapf(err, "cannot open bulk-OUT endpoint %d", outDesc.Number)
	}

	d.cfg = cfg
	d.intf = intf
	d.in = in
	d.out = out
	return nil
}

// bulkPair returns the first bulk-IN and bulk-OUT endpoint descriptors
// of an interface setting.
func bulkPair(alt gousb.InterfaceSetting) (in, out gousb.EndpointDesc, ok bool) {
	var haveIn, haveOut bool
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			in = ep
			haveIn = true
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			out = ep
			haveOut = true
		}
	}
	return in, out, haveIn && haveOut
}

// Release undoes Claim. Safe to call when nothing is claimed.
func (d *Device) Release() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
		d.in = nil
		d.out = nil
	}
	if d.cfg != nil {
		err := d.cfg.Close()
		d.cfg = nil
		if err != nil {
			return errors.Wrap(err, "cannot release configuration")
		}
	}
	return nil
}

// Product reports the device's vendor and product ids.
func (d *Device) Product() (uint16, uint16) {
	return uint16(d.dev.Desc.Vendor), uint16(d.dev.Desc.Product)
}

// Close releases the claimed interface and the device handle.
func (d *Device) Close() error {
	releaseErr := d.Release()
	if err := d.dev.Close(); err != nil {
		return errors.Wrap(err, "cannot close device")
	}
	return releaseErr
}

// WriteBulk writes p to the bulk-OUT endpoint within the timeout.
func (d *Device) WriteBulk(p []byte, timeout time.Duration) (int, error) {
	if d.out == nil {
		return 0, errors.New("interface not claimed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := d.out.WriteContext(ctx, p)
	if err != nil {
		return n, wrapTransferErr(err)
	}
	return n, nil
}

// ReadBulk reads one bulk-IN transfer of up to max bytes. A transfer
// that times out after delivering data returns that data without error;
// the caller decides whether a later timeout ends the stream.
func (d *Device) ReadBulk(max int, timeout time.Duration) ([]byte, error) {
	if d.in == nil {
		return nil, errors.New("interface not claimed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, max)
	n, err := d.in.ReadContext(ctx, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, wrapTransferErr(err)
	}
	return nil, nil
}

// timeoutError marks a transfer error as a timeout for
// bridge.IsTimeout.
type timeoutError struct {
	err error
}

func (e *timeoutError) Error() string { return e.err.Error() }
func (e *timeoutError) Timeout() bool { return true }
func (e *timeoutError) Unwrap() error { return e.err }

func wrapTransferErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferTimedOut) {
		return &timeoutError{err: err}
	}
	return err
}
