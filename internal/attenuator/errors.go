package attenuator

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkBusy is returned when a command is issued while another exchange
	// is in flight on the same link.
	ErrLinkBusy = errors.New("attenuator link busy")

	// ErrResponseTimeout is returned when no response line arrives before the
	// link's response timeout.
	ErrResponseTimeout = errors.New("timed out waiting for device response")

	// ErrNotConnected is returned for commands issued to a link that is not
	// in the idle state (disconnected, connecting or failed).
	ErrNotConnected = errors.New("attenuator link not connected")

	// ErrNoDevices is returned by batch operations when the registry is empty.
	ErrNoDevices = errors.New("no attenuators connected")

	// ErrConnectAborted is returned by a connect that finished after
	// DisconnectAll cleared the registry.
	ErrConnectAborted = errors.New("connect aborted by disconnect")

	// ErrInvalidFrequency is returned for NaN, infinite or negative frequencies.
	ErrInvalidFrequency = errors.New("invalid frequency")
)

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a response that does not match the command sent.
// The link stays usable after a protocol error.
type ProtocolError struct {
	Command  string
	Response string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response %q to %q", e.Response, e.Command)
}

// AttenuationSetError reports a failed attenuation command.
type AttenuationSetError struct {
	Port  string
	Value float64
	Err   error
}

func (e *AttenuationSetError) Error() string {
	return fmt.Sprintf("set attenuation %.2f dB on %s: %v", e.Value, e.Port, e.Err)
}

func (e *AttenuationSetError) Unwrap() error { return e.Err }

// AttenuationReadError reports a failed attenuation read. Response holds the
// raw line when one was received.
type AttenuationReadError struct {
	Port     string
	Response string
	Err      error
}

func (e *AttenuationReadError) Error() string {
	return fmt.Sprintf("read attenuation on %s: %v", e.Port, e.Err)
}

func (e *AttenuationReadError) Unwrap() error { return e.Err }

// Bound names the limit an OutOfRangeError violated.
type Bound string

const (
	BoundMin    Bound = "min"
	BoundMax    Bound = "max"
	BoundFinite Bound = "finite"
)

// OutOfRangeError reports a target attenuation outside the legal range. It is
// returned before any serial I/O.
type OutOfRangeError struct {
	Value float64
	Min   float64
	Max   float64
	Bound Bound
}

func (e *OutOfRangeError) Error() string {
	switch e.Bound {
	case BoundMax:
		return fmt.Sprintf("attenuation %.2f dB exceeds maximum %.2f dB", e.Value, e.Max)
	case BoundFinite:
		return fmt.Sprintf("attenuation %v is not a finite number", e.Value)
	default:
		return fmt.Sprintf("attenuation %.2f dB is below the minimum %.2f dB at the current frequency", e.Value, e.Min)
	}
}

// DeviceNotFoundError reports an unknown device ID.
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q not found", e.DeviceID)
}
