package serialport

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimulatedAttenuator is an in-memory port that speaks the attenuator wire
// protocol. It backs dev mode and the link/controller tests.
type SimulatedAttenuator struct {
	*TestablePort

	// Serial is returned in response to the identify command.
	Serial string
	// IdentifyCommand is the query answered with Serial.
	IdentifyCommand string
	// Latency delays every response.
	Latency time.Duration

	mu          sync.Mutex
	pending     []byte
	silent      bool
	attenuation float64
	commands    []string
}

// NewSimulatedAttenuator returns a simulator answering "*IDN?" with serial.
func NewSimulatedAttenuator(serial string) *SimulatedAttenuator {
	s := &SimulatedAttenuator{
		TestablePort:    NewTestablePort(),
		Serial:          serial,
		IdentifyCommand: "*IDN?",
	}
	s.TestablePort.OnWrite = s.receive
	return s
}

// SetSilent makes the simulator swallow commands without answering, like a
// device that lost power on the far side of a USB hub.
func (s *SimulatedAttenuator) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Attenuation returns the value last applied by an att- command.
func (s *SimulatedAttenuator) Attenuation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attenuation
}

// Commands returns every complete command line received so far.
func (s *SimulatedAttenuator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *SimulatedAttenuator) receive(p []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, p...)

	var replies []string
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.pending[:i]), "\r")
		s.pending = s.pending[i+1:]
		s.commands = append(s.commands, line)
		if s.silent {
			continue
		}
		replies = append(replies, s.respond(line))
	}
	latency := s.Latency
	s.mu.Unlock()

	for _, r := range replies {
		data := []byte(r + "\r\n")
		if latency > 0 {
			time.AfterFunc(latency, func() { s.AddReadData(data) })
			continue
		}
		s.AddReadData(data)
	}
}

// respond must be called with s.mu held.
func (s *SimulatedAttenuator) respond(line string) string {
	switch {
	case line == s.IdentifyCommand:
		return s.Serial
	case line == "READ":
		return fmt.Sprintf("%.2f", s.attenuation)
	case strings.HasPrefix(line, "att-"):
		v, err := strconv.ParseFloat(strings.TrimPrefix(line, "att-"), 64)
		if err != nil || v < 0 {
			return "attERR"
		}
		s.attenuation = v
		return "attOK"
	default:
		return "ERR"
	}
}

// NewSimulatedBench builds a factory and scanner exposing n simulated
// attenuators on /dev/ttyACM0../dev/ttyACM<n-1>. Each Open returns a fresh
// simulator whose serial number is derived from the port name.
func NewSimulatedBench(n int) (*MockFactory, StaticScanner) {
	factory := NewMockFactory()
	factory.New = func(path string) SerialPorter {
		return NewSimulatedAttenuator(simulatedSerial(path))
	}

	scanner := StaticScanner{}
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/dev/ttyACM%d", i)
		scanner.Ports = append(scanner.Ports, PortInfo{
			Path:         path,
			FriendlyName: FriendlyName(path),
			IsUSB:        true,
			VendorID:     "0483",
			ProductID:    "5740",
			SerialNumber: simulatedSerial(path),
			Product:      "Simulated step attenuator",
		})
	}
	return factory, scanner
}

func simulatedSerial(path string) string {
	return "SIM-" + strings.ToUpper(filepath.Base(path))
}
