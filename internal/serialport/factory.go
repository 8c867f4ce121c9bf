package serialport

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Factory opens serial ports. Links receive a Factory so that real hardware,
// simulated devices and test doubles are interchangeable.
type Factory interface {
	// Open opens the port at path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// RealFactory opens ports with go.bug.st/serial.
type RealFactory struct{}

// NewRealFactory returns a Factory backed by real serial hardware.
func NewRealFactory() *RealFactory {
	return &RealFactory{}
}

// Open opens the serial port at path.
func (RealFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// PortInfo describes a port discovered during a scan.
type PortInfo struct {
	Path         string `json:"port"`
	FriendlyName string `json:"friendly_name"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Scanner enumerates candidate ports without opening them.
type Scanner interface {
	Scan() ([]PortInfo, error)
}

// EnumeratorScanner lists ports through go.bug.st/serial/enumerator, which
// also reports USB descriptors (the attenuators are USB CDC devices that carry
// their serial number in the descriptor).
type EnumeratorScanner struct {
	// Pattern restricts results to ports whose path contains it. Empty keeps
	// every port.
	Pattern string
}

// Scan implements Scanner.
func (s EnumeratorScanner) Scan() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Path:         d.Name,
			FriendlyName: FriendlyName(d.Name),
			IsUSB:        d.IsUSB,
		}
		if d.IsUSB {
			info.VendorID = d.VID
			info.ProductID = d.PID
			info.SerialNumber = d.SerialNumber
			info.Product = d.Product
		}
		ports = append(ports, info)
	}
	return FilterPorts(ports, s.Pattern), nil
}

// FilterPorts keeps ports whose path contains pattern and returns them sorted
// by path.
func FilterPorts(ports []PortInfo, pattern string) []PortInfo {
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if pattern == "" || strings.Contains(p.Path, pattern) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FriendlyName generates a user-friendly name for a serial port.
func FriendlyName(portPath string) string {
	deviceName := filepath.Base(portPath)

	switch {
	case strings.HasPrefix(deviceName, "ttyUSB"):
		return fmt.Sprintf("USB Serial Adapter (%s)", deviceName)
	case strings.HasPrefix(deviceName, "ttyACM"):
		return fmt.Sprintf("USB CDC Device (%s)", deviceName)
	case strings.HasPrefix(deviceName, "ttyAMA"):
		return fmt.Sprintf("Raspberry Pi Serial (%s)", deviceName)
	case strings.HasPrefix(strings.ToUpper(deviceName), "COM"):
		return fmt.Sprintf("Windows Serial (%s)", deviceName)
	default:
		return deviceName
	}
}
