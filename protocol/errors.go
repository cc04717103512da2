package protocol

import "fmt"

// FramingError indicates a received packet header shorter than the wire
// format requires.
type FramingError struct {
	// Got is the number of header bytes actually received
	Got int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("invalid packet header: got %d bytes, need %d", e.Got, HeaderSize)
}

// UnexpectedCommandError indicates the device answered with a command code
// the current exchange does not allow.
type UnexpectedCommandError struct {
	Got  Command
	Want Command
}

func (e *UnexpectedCommandError) Error() string {
	return fmt.Sprintf("unexpected command in response: got %s (0x%02X), expected %s (0x%02X)",
		e.Got, byte(e.Got), e.Want, byte(e.Want))
}
