// Package usb backs the bridge transport with libusb via gousb. It is
// the only package that touches the USB stack; everything above it works
// against the bridge interfaces and is tested with fakes.
package usb
