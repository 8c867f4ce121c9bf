package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by in-memory ports after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestablePort implements SerialPorter with configurable behaviour for testing.
// Reads block until data is added or the port is closed, which matches a real
// serial port opened without a read timeout.
type TestablePort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// OnWrite, when set, is called with every successful write after the
	// port lock has been released. Simulators use it to queue responses.
	OnWrite func(p []byte)
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	tp := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tp.readCond = sync.NewCond(&tp.mu)
	return tp
}

// Read blocks until data is available, an injected error is pending or the
// port is closed.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.Closed {
			return 0, ErrPortClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
		if t.ReadBuffer.Len() > 0 {
			return t.ReadBuffer.Read(p)
		}
		t.readCond.Wait()
	}
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	n, err := t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil && err == nil {
		hook(append([]byte(nil), p[:n]...))
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// InjectReadError makes the next (or currently blocked) Read fail with err.
func (t *TestablePort) InjectReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return
	}
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close has been called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// Reopen clears buffers and the closed flag so the same port value can be
// handed out again by a MockFactory.
func (t *TestablePort) Reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.WriteCalls = 0
}

// MockFactory implements Factory for testing and dev mode.
type MockFactory struct {
	mu sync.Mutex

	// Ports maps a path to the port returned by Open.
	Ports map[string]SerialPorter

	// Errors maps a path to the error returned by Open.
	Errors map[string]error

	// New, when set, builds a fresh port for paths missing from Ports.
	New func(path string) SerialPorter

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockFactory creates an empty MockFactory.
func NewMockFactory() *MockFactory {
	return &MockFactory{
		Ports:  make(map[string]SerialPorter),
		Errors: make(map[string]error),
	}
}

// Add registers port under path and returns the factory for chaining.
func (f *MockFactory) Add(path string, port SerialPorter) *MockFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ports[path] = port
	return f
}

// Fail makes Open(path) return err.
func (f *MockFactory) Fail(path string, err error) *MockFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[path] = err
	return f
}

// Open returns the configured port or error.
func (f *MockFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})

	if err, ok := f.Errors[path]; ok {
		return nil, err
	}

	if port, ok := f.Ports[path]; ok {
		if r, ok := port.(interface{ Reopen() }); ok {
			r.Reopen()
		}
		return port, nil
	}

	if f.New != nil {
		return f.New(path), nil
	}
	return nil, errors.New("no such port: " + path)
}

// Calls returns the number of Open calls for path.
func (f *MockFactory) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.OpenCalls {
		if c.Path == path {
			n++
		}
	}
	return n
}

// StaticScanner is a Scanner returning a fixed port list.
type StaticScanner struct {
	Ports   []PortInfo
	Pattern string
	Err     error
}

// Scan implements Scanner.
func (s StaticScanner) Scan() ([]PortInfo, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return FilterPorts(s.Ports, s.Pattern), nil
}
