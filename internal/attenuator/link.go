// Package attenuator drives RF step attenuators over serial links. A Link
// owns one port and runs the half-duplex command/response protocol; a
// Controller owns every Link, assigns device IDs and fans commands out across
// devices while enforcing the frequency-dependent attenuation floor.
package attenuator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/monitoring"
	"github.com/banshee-data/attenuator/internal/serialport"
	"github.com/banshee-data/attenuator/internal/timeutil"
)

const (
	// DefaultResponseTimeout bounds every command round trip.
	DefaultResponseTimeout = 2 * time.Second
	// DefaultIdentifyCommand is sent on connect; the reply is the device serial.
	DefaultIdentifyCommand = "*IDN?"
	// MaxAttenuation is the hardware ceiling in dB.
	MaxAttenuation = 90.0

	replyOK     = "attOK"
	commandRead = "READ"
)

// State is the lifecycle state of a Link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connected reports whether the link holds an open transport.
func (s State) Connected() bool {
	return s == StateIdle || s == StateBusy
}

// LinkConfig configures a Link.
type LinkConfig struct {
	Port            string
	Options         serialport.PortOptions
	ResponseTimeout time.Duration

	// IdentifyCommand is sent after opening the port. Empty means
	// DefaultIdentifyCommand.
	IdentifyCommand string
	// DescriptorSerial is the serial number reported by USB enumeration.
	// It is used when identification is skipped or the device rejects it.
	DescriptorSerial string
	// SkipIdentify takes the serial from DescriptorSerial without querying.
	SkipIdentify bool

	Factory serialport.Factory
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
}

// Link is one serial connection to one attenuator. Commands are serialised by
// the Idle/Busy state: a command issued while another is in flight fails
// immediately with ErrLinkBusy.
type Link struct {
	cfg LinkConfig

	mu          sync.Mutex
	state       State
	sess        *session
	serial      string
	last        *float64
	sessionID   string
	connectedAt time.Time
	lastErr     error
}

// NewLink returns a disconnected link.
func NewLink(cfg LinkConfig) *Link {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.IdentifyCommand == "" {
		cfg.IdentifyCommand = DefaultIdentifyCommand
	}
	if cfg.Factory == nil {
		cfg.Factory = serialport.NewRealFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Link{cfg: cfg}
}

// session is one open transport and its line reader.
type session struct {
	conn  serialport.SerialPorter
	lines chan string
	done  chan struct{}
	once  sync.Once
	err   error // valid once lines is closed
}

func newSession(conn serialport.SerialPorter) *session {
	s := &session{
		conn:  conn,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *session) read() {
	defer close(s.lines)

	sc := bufio.NewScanner(s.conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.done:
			s.err = io.ErrClosedPipe
			return
		}
	}
	s.err = sc.Err()
	if s.err == nil {
		s.err = io.EOF
	}
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// exchange writes command and waits for one response line. Lines left over
// from earlier exchanges are discarded first.
func (s *session) exchange(command string, timeout time.Duration, clock timeutil.Clock) (string, error) {
	for drained := false; !drained; {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return "", fmt.Errorf("serial read: %w", s.err)
			}
			log.Debug().Str("line", line).Msg("discarding stale response")
		default:
			drained = true
		}
	}

	if _, err := io.WriteString(s.conn, command+"\r\n"); err != nil {
		return "", fmt.Errorf("serial write: %w", err)
	}

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", fmt.Errorf("serial read: %w", s.err)
		}
		return line, nil
	case <-timer.C():
		return "", ErrResponseTimeout
	}
}

// Connect opens the port and identifies the device. Connecting a link that is
// already connected is a no-op.
func (l *Link) Connect() error {
	l.mu.Lock()
	switch l.state {
	case StateIdle, StateBusy:
		l.mu.Unlock()
		return nil
	case StateConnecting:
		l.mu.Unlock()
		return &ConnectError{Port: l.cfg.Port, Err: ErrLinkBusy}
	}
	l.state = StateConnecting
	l.lastErr = nil
	l.mu.Unlock()

	conn, err := l.cfg.Factory.Open(l.cfg.Port, l.cfg.Options)
	if err != nil {
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateError
			l.lastErr = err
		}
		l.mu.Unlock()
		log.Warn().Err(err).Str("port", l.cfg.Port).Msg("failed to open serial port")
		return &ConnectError{Port: l.cfg.Port, Err: err}
	}

	sess := newSession(conn)
	l.mu.Lock()
	if l.state != StateConnecting {
		// Disconnected while the port was opening.
		l.mu.Unlock()
		_ = sess.close()
		return &ConnectError{Port: l.cfg.Port, Err: ErrNotConnected}
	}
	l.sess = sess
	l.mu.Unlock()

	serial := l.cfg.DescriptorSerial
	if !l.cfg.SkipIdentify {
		start := l.cfg.Clock.Now()
		line, err := sess.exchange(l.cfg.IdentifyCommand, l.cfg.ResponseTimeout, l.cfg.Clock)
		l.cfg.Metrics.ObserveCommand("identify", resultLabel(err), l.cfg.Clock.Since(start))
		if err != nil {
			l.fail(sess, err)
			log.Warn().Err(err).Str("port", l.cfg.Port).Msg("device did not identify")
			return &ConnectError{Port: l.cfg.Port, Err: err}
		}
		if isErrorReply(line) {
			log.Warn().Str("port", l.cfg.Port).Str("response", line).
				Msg("device rejected identify command, using USB serial number")
		} else {
			serial = line
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess != sess || l.state != StateConnecting {
		_ = sess.close()
		return &ConnectError{Port: l.cfg.Port, Err: ErrNotConnected}
	}
	l.state = StateIdle
	l.serial = serial
	l.last = nil
	l.sessionID = uuid.NewString()
	l.connectedAt = l.cfg.Clock.Now()

	log.Info().Str("port", l.cfg.Port).Str("serial", serial).Str("session_id", l.sessionID).
		Int("baud_rate", l.cfg.Options.BaudRate).Msg("attenuator connected")
	return nil
}

// Disconnect closes the transport from any state. It is idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	sess := l.sess
	l.sess = nil
	wasConnected := l.state != StateDisconnected
	l.state = StateDisconnected
	l.mu.Unlock()

	if sess == nil {
		return nil
	}
	err := sess.close()
	if wasConnected {
		log.Info().Str("port", l.cfg.Port).Msg("attenuator disconnected")
	}
	return err
}

// SetAttenuation sends value to the device. Range checks are the caller's
// responsibility.
func (l *Link) SetAttenuation(value float64) error {
	cmd := FormatAttenuation(value)
	_, err := l.roundTrip("set", cmd, func(line string) error {
		if line != replyOK {
			return &ProtocolError{Command: cmd, Response: line}
		}
		v := compensation.Round2(value)
		l.last = &v
		return nil
	})
	if err != nil {
		return &AttenuationSetError{Port: l.cfg.Port, Value: value, Err: err}
	}
	return nil
}

// ReadAttenuation queries the attenuation currently applied by the device.
func (l *Link) ReadAttenuation() (float64, error) {
	var value float64
	line, err := l.roundTrip("read", commandRead, func(line string) error {
		v, ok := ParseReading(line)
		if !ok {
			return &ProtocolError{Command: commandRead, Response: line}
		}
		value = v
		l.last = &v
		return nil
	})
	if err != nil {
		return 0, &AttenuationReadError{Port: l.cfg.Port, Response: line, Err: err}
	}
	return value, nil
}

// Send performs a raw exchange and returns the response line.
func (l *Link) Send(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, "\r\n") {
		return "", fmt.Errorf("invalid command %q", command)
	}
	return l.roundTrip("raw", command, nil)
}

// roundTrip runs one exchange under the Busy state. handle, when set, is
// called with l.mu held; an error from it is a protocol-level failure that
// leaves the link Idle. Timeouts and transport failures move the link to
// Error and close the transport.
func (l *Link) roundTrip(op, command string, handle func(line string) error) (string, error) {
	l.mu.Lock()
	switch l.state {
	case StateIdle:
	case StateBusy:
		l.mu.Unlock()
		l.cfg.Metrics.ObserveCommand(op, "busy", 0)
		return "", ErrLinkBusy
	default:
		state := l.state
		l.mu.Unlock()
		return "", fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	l.state = StateBusy
	sess := l.sess
	l.mu.Unlock()

	start := l.cfg.Clock.Now()
	line, err := sess.exchange(command, l.cfg.ResponseTimeout, l.cfg.Clock)
	elapsed := l.cfg.Clock.Since(start)
	if err != nil {
		l.cfg.Metrics.ObserveCommand(op, resultLabel(err), elapsed)
		l.fail(sess, err)
		log.Warn().Err(err).Str("port", l.cfg.Port).Str("command", command).
			Dur("elapsed", elapsed).Msg("serial exchange failed")
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if handle != nil {
		err = handle(line)
	}
	if l.sess == sess && l.state == StateBusy {
		l.state = StateIdle
	}
	if err != nil {
		l.lastErr = err
		l.cfg.Metrics.ObserveCommand(op, "protocol_error", elapsed)
		log.Warn().Str("port", l.cfg.Port).Str("command", command).Str("response", line).
			Msg("unexpected device response")
		return line, err
	}
	l.cfg.Metrics.ObserveCommand(op, "ok", elapsed)
	log.Debug().Str("port", l.cfg.Port).Str("command", command).Str("response", line).
		Dur("elapsed", elapsed).Msg("serial exchange")
	return line, nil
}

// fail moves the link to Error and closes sess, unless the link has since
// been disconnected or reconnected.
func (l *Link) fail(sess *session, err error) {
	l.mu.Lock()
	if l.sess != sess || (l.state != StateBusy && l.state != StateConnecting) {
		l.mu.Unlock()
		return
	}
	l.state = StateError
	l.lastErr = err
	l.sess = nil
	l.mu.Unlock()

	_ = sess.close()
}

// Port returns the port path.
func (l *Link) Port() string { return l.cfg.Port }

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Serial returns the device serial, or "" when unknown.
func (l *Link) Serial() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serial
}

// LastKnownAttenuation returns the last value confirmed by the device, or nil.
func (l *Link) LastKnownAttenuation() *float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	v := *l.last
	return &v
}

// LinkInfo is a point-in-time snapshot of a Link.
type LinkInfo struct {
	Port                 string
	State                State
	Serial               string
	LastKnownAttenuation *float64
	SessionID            string
	ConnectedAt          time.Time
	LastError            error
}

// Info returns a snapshot of the link without touching the transport.
func (l *Link) Info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := LinkInfo{
		Port:        l.cfg.Port,
		State:       l.state,
		Serial:      l.serial,
		SessionID:   l.sessionID,
		ConnectedAt: l.connectedAt,
		LastError:   l.lastErr,
	}
	if l.last != nil {
		v := *l.last
		info.LastKnownAttenuation = &v
	}
	return info
}

// FormatAttenuation renders the wire command for value: two decimals,
// zero-padded to six characters, e.g. att-012.50.
func FormatAttenuation(value float64) string {
	return fmt.Sprintf("att-%06.2f", value)
}

var readingPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseReading extracts the attenuation from a READ response such as
// "12.50", "att-012.50", "ATT=12.5dB" or "CH1 ATT 12.50". The value is the
// last number on the line, so channel numbers in a prefix are skipped.
func ParseReading(line string) (float64, bool) {
	all := readingPattern.FindAllString(line, -1)
	if len(all) == 0 {
		return 0, false
	}
	m := all[len(all)-1]
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isErrorReply(line string) bool {
	upper := strings.ToUpper(line)
	return strings.HasPrefix(upper, "ERR") || upper == "ATTERR"
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrResponseTimeout):
		return "timeout"
	default:
		return "transport_error"
	}
}
