package attenuator

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/monitoring"
	"github.com/banshee-data/attenuator/internal/serialport"
	"github.com/banshee-data/attenuator/internal/timeutil"
)

const (
	// DefaultFrequency is the compensation frequency before SetFrequency is
	// called, in MHz.
	DefaultFrequency = 1000.0
	// DefaultPortPattern keeps USB CDC ports, which is how the attenuators
	// enumerate.
	DefaultPortPattern = "ACM"

	// rangeTolerance accepts targets that round to the minimum on the wire.
	rangeTolerance = 0.005
)

// TableResolver picks a per-device compensation table. A nil table means the
// device uses only the global table.
type TableResolver interface {
	Resolve(ctx context.Context, port, serial string) (*compensation.Table, error)
}

// Options configures a Controller.
type Options struct {
	Factory serialport.Factory
	Scanner serialport.Scanner

	PortOptions     serialport.PortOptions
	ResponseTimeout time.Duration
	IdentifyCommand string
	// IdentifyFromDescriptor skips the identify query and uses the USB serial
	// number reported by port enumeration.
	IdentifyFromDescriptor bool

	// Table is the global compensation table. Nil leaves the controller
	// without a table until LoadTable is called.
	Table    *compensation.Table
	Resolver TableResolver
	// TableFile is the file Table was loaded from. When set and Resolver can
	// load files, ReloadModified rereads it after it changes.
	TableFile string

	InitialFrequency float64

	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
}

// FrequencyState is the compensation frequency and the attenuation floor
// derived from it.
type FrequencyState struct {
	Frequency      float64 `json:"frequency"`
	MinAttenuation float64 `json:"min_attenuation"`
}

// Range is the legal attenuation range at a frequency.
type Range struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Frequency float64 `json:"frequency"`
}

// ConnectResult is the outcome of connecting one port.
type ConnectResult struct {
	DeviceID string `json:"device_id,omitempty"`
	Serial   string `json:"serial,omitempty"`
	// Existing is true when the port was already connected.
	Existing bool  `json:"existing,omitempty"`
	Err      error `json:"-"`
}

// DeviceResult is the outcome of one device in a batch set or get.
type DeviceResult struct {
	Port  string
	Value float64
	Err   error
}

// OK reports whether the device operation succeeded.
func (r DeviceResult) OK() bool { return r.Err == nil }

// DeviceStatus describes one registered device.
type DeviceStatus struct {
	DeviceID             string    `json:"device_id"`
	Port                 string    `json:"port"`
	Serial               string    `json:"serial"`
	State                State     `json:"state"`
	LastKnownAttenuation *float64  `json:"last_known_attenuation"`
	DeviceAttenuation    *float64  `json:"device_attenuation,omitempty"`
	TableSource          string    `json:"table_source,omitempty"`
	MinAttenuation       *float64  `json:"min_attenuation,omitempty"`
	SessionID            string    `json:"session_id,omitempty"`
	ConnectedAt          time.Time `json:"connected_at"`
	LastError            string    `json:"last_error,omitempty"`
}

type device struct {
	id    string
	port  string
	link  *Link
	table *compensation.Table
}

// Controller is the registry of attenuator links. It is the only component
// that creates or destroys links.
type Controller struct {
	opts Options

	mu       sync.RWMutex
	gen      uint64
	devices  map[string]*device
	byPort   map[string]string
	pending  map[string]struct{}
	scanInfo map[string]serialport.PortInfo

	freqMu sync.Mutex
	freq   FrequencyState
	table  *compensation.Table
}

// NewController returns a controller with an empty registry.
func NewController(opts Options) *Controller {
	if opts.Factory == nil {
		opts.Factory = serialport.NewRealFactory()
	}
	if opts.Scanner == nil {
		opts.Scanner = serialport.EnumeratorScanner{Pattern: DefaultPortPattern}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.InitialFrequency <= 0 {
		opts.InitialFrequency = DefaultFrequency
	}

	c := &Controller{
		opts:     opts,
		devices:  make(map[string]*device),
		byPort:   make(map[string]string),
		pending:  make(map[string]struct{}),
		scanInfo: make(map[string]serialport.PortInfo),
		table:    opts.Table,
		freq:     FrequencyState{Frequency: opts.InitialFrequency},
	}
	c.freqMu.Lock()
	_ = c.recomputeLocked()
	c.freqMu.Unlock()
	return c
}

// ScanPorts lists candidate port paths without opening them.
func (c *Controller) ScanPorts() ([]string, error) {
	infos, err := c.ScanPortDetails()
	if err != nil {
		return nil, err
	}
	ports := make([]string, len(infos))
	for i, p := range infos {
		ports[i] = p.Path
	}
	return ports, nil
}

// ScanPortDetails lists candidate ports with their USB descriptors. The
// descriptors are remembered for identifying devices on connect.
func (c *Controller) ScanPortDetails() ([]serialport.PortInfo, error) {
	infos, err := c.opts.Scanner.Scan()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.scanInfo = make(map[string]serialport.PortInfo, len(infos))
	for _, p := range infos {
		c.scanInfo[p.Path] = p
	}
	c.mu.Unlock()

	log.Debug().Int("count", len(infos)).Msg("scanned serial ports")
	return infos, nil
}

// KnownPorts returns the port paths seen by the most recent scan, sorted.
func (c *Controller) KnownPorts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ports := make([]string, 0, len(c.scanInfo))
	for p := range c.scanInfo {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}

// Connect connects every port concurrently. Failures are reported per port
// and never abort the batch. A port that is already connected reports its
// existing device ID.
func (c *Controller) Connect(ctx context.Context, ports []string) map[string]ConnectResult {
	seen := make(map[string]bool, len(ports))
	unique := ports[:0:0]
	for _, p := range ports {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}

	results := make(map[string]ConnectResult, len(unique))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, port := range unique {
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			res := c.connectPort(ctx, port)
			resMu.Lock()
			results[port] = res
			resMu.Unlock()
		}(port)
	}
	wg.Wait()

	c.refreshFrequency()
	c.opts.Metrics.SetConnectedDevices(c.deviceCount())
	return results
}

func (c *Controller) connectPort(ctx context.Context, port string) ConnectResult {
	c.mu.Lock()
	if id, ok := c.byPort[port]; ok {
		dev := c.devices[id]
		c.mu.Unlock()
		if dev.link.State().Connected() {
			return ConnectResult{DeviceID: id, Serial: dev.link.Serial(), Existing: true}
		}
		if err := c.reconnect(ctx, dev); err != nil {
			return ConnectResult{DeviceID: id, Err: err}
		}
		return ConnectResult{DeviceID: id, Serial: dev.link.Serial()}
	}
	if _, busy := c.pending[port]; busy {
		c.mu.Unlock()
		return ConnectResult{Err: &ConnectError{Port: port, Err: ErrLinkBusy}}
	}
	c.pending[port] = struct{}{}
	gen := c.gen
	descriptor, scanned := c.scanInfo[port]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, port)
		c.mu.Unlock()
	}()

	if !scanned && c.opts.IdentifyFromDescriptor {
		if infos, err := c.ScanPortDetails(); err == nil {
			for _, p := range infos {
				if p.Path == port {
					descriptor = p
				}
			}
		}
	}

	link := c.newLink(port, descriptor.SerialNumber)
	if err := link.Connect(); err != nil {
		return ConnectResult{Err: err}
	}

	dev := &device{port: port, link: link}
	dev.table = c.resolveTable(ctx, port, link.Serial())

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = link.Disconnect()
		log.Info().Str("port", port).Msg("devices disconnected while connecting, dropping link")
		return ConnectResult{Err: &ConnectError{Port: port, Err: ErrConnectAborted}}
	}
	dev.id = c.assignIDLocked(port, link.Serial())
	c.devices[dev.id] = dev
	c.byPort[port] = dev.id
	c.mu.Unlock()

	log.Info().Str("device_id", dev.id).Str("port", port).Str("serial", link.Serial()).
		Str("table", tableSource(dev.table)).Msg("device registered")
	return ConnectResult{DeviceID: dev.id, Serial: link.Serial()}
}

func (c *Controller) newLink(port, descriptorSerial string) *Link {
	return NewLink(LinkConfig{
		Port:             port,
		Options:          c.opts.PortOptions,
		ResponseTimeout:  c.opts.ResponseTimeout,
		IdentifyCommand:  c.opts.IdentifyCommand,
		DescriptorSerial: descriptorSerial,
		SkipIdentify:     c.opts.IdentifyFromDescriptor,
		Factory:          c.opts.Factory,
		Clock:            c.opts.Clock,
		Metrics:          c.opts.Metrics,
	})
}

func (c *Controller) resolveTable(ctx context.Context, port, serial string) *compensation.Table {
	if c.opts.Resolver == nil {
		return nil
	}
	t, err := c.opts.Resolver.Resolve(ctx, port, serial)
	if err != nil {
		log.Warn().Err(err).Str("port", port).Str("serial", serial).
			Msg("failed to resolve device compensation table, using global table")
		return nil
	}
	return t
}

// assignIDLocked derives the device ID from the serial when known, otherwise
// from the port name. Collisions get the port name appended.
func (c *Controller) assignIDLocked(port, serial string) string {
	base := filepath.Base(port)
	id := "att-" + sanitizeID(base)
	if serial != "" {
		id = "att-" + sanitizeID(serial)
	}
	if _, taken := c.devices[id]; !taken {
		return id
	}
	candidate := id + "-" + sanitizeID(base)
	for n := 2; ; n++ {
		if _, taken := c.devices[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%s-%d", id, sanitizeID(base), n)
	}
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Reconnect closes and reopens the link of deviceID, keeping its ID.
func (c *Controller) Reconnect(ctx context.Context, deviceID string) error {
	dev, err := c.device(deviceID)
	if err != nil {
		return err
	}
	err = c.reconnect(ctx, dev)
	c.refreshFrequency()
	return err
}

func (c *Controller) reconnect(ctx context.Context, dev *device) error {
	_ = dev.link.Disconnect()
	if err := dev.link.Connect(); err != nil {
		return err
	}
	table := c.resolveTable(ctx, dev.port, dev.link.Serial())
	c.mu.Lock()
	dev.table = table
	c.mu.Unlock()
	log.Info().Str("device_id", dev.id).Str("port", dev.port).Msg("device reconnected")
	return nil
}

// Disconnect closes deviceID and removes it from the registry.
func (c *Controller) Disconnect(deviceID string) error {
	c.mu.Lock()
	dev, ok := c.devices[deviceID]
	if !ok {
		c.mu.Unlock()
		return &DeviceNotFoundError{DeviceID: deviceID}
	}
	delete(c.devices, deviceID)
	delete(c.byPort, dev.port)
	c.mu.Unlock()

	if err := dev.link.Disconnect(); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("error closing serial port")
	}
	c.refreshFrequency()
	c.opts.Metrics.SetConnectedDevices(c.deviceCount())
	return nil
}

// DisconnectAll closes every link and clears the registry. Transport errors
// are logged, never returned.
func (c *Controller) DisconnectAll() {
	c.mu.Lock()
	c.gen++
	devices := c.devices
	c.devices = make(map[string]*device)
	c.byPort = make(map[string]string)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(dev *device) {
			defer wg.Done()
			if err := dev.link.Disconnect(); err != nil {
				log.Warn().Err(err).Str("device_id", dev.id).Msg("error closing serial port")
			}
		}(dev)
	}
	wg.Wait()

	if len(devices) > 0 {
		log.Info().Int("count", len(devices)).Msg("all devices disconnected")
	}
	c.refreshFrequency()
	c.opts.Metrics.SetConnectedDevices(0)
}

// SetFrequency sets the compensation frequency in MHz and recomputes the
// attenuation floor. Nothing is sent to the devices.
func (c *Controller) SetFrequency(frequency float64) error {
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) || frequency < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFrequency, frequency)
	}

	c.freqMu.Lock()
	defer c.freqMu.Unlock()

	prev := c.freq.Frequency
	c.freq.Frequency = frequency
	if err := c.recomputeLocked(); err != nil {
		c.freq.Frequency = prev
		return err
	}
	log.Info().Float64("frequency_mhz", frequency).Float64("min_attenuation_db", c.freq.MinAttenuation).
		Msg("frequency set")
	return nil
}

// LoadTable replaces the global compensation table and recomputes the
// attenuation floor.
func (c *Controller) LoadTable(t *compensation.Table) error {
	if t == nil {
		return compensation.ErrTableEmpty
	}
	c.freqMu.Lock()
	defer c.freqMu.Unlock()

	c.table = t
	if err := c.recomputeLocked(); err != nil {
		return err
	}
	log.Info().Str("source", t.Source()).Int("samples", t.Len()).Msg("compensation table loaded")
	return nil
}

// Table returns the global compensation table, or nil.
func (c *Controller) Table() *compensation.Table {
	c.freqMu.Lock()
	defer c.freqMu.Unlock()
	return c.table
}

// Tables returns the global table under "global" plus every per-device table
// keyed by device ID.
func (c *Controller) Tables() map[string]*compensation.Table {
	out := make(map[string]*compensation.Table)
	if t := c.Table(); t != nil {
		out["global"] = t
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, dev := range c.devices {
		if dev.table != nil {
			out[id] = dev.table
		}
	}
	return out
}

// RefreshTables re-resolves every device table, picking up binding or file
// changes.
func (c *Controller) RefreshTables(ctx context.Context) {
	if inv, ok := c.opts.Resolver.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	for _, dev := range c.snapshot() {
		table := c.resolveTable(ctx, dev.port, dev.link.Serial())
		c.mu.Lock()
		dev.table = table
		c.mu.Unlock()
	}
	c.refreshFrequency()
}

type tableLoader interface {
	Load(path string) (*compensation.Table, error)
}

// ReloadModified re-resolves the global table and every device table. Files
// are only reread when their modification time changed. It reports whether
// any table changed.
func (c *Controller) ReloadModified(ctx context.Context) bool {
	changed := false
	if loader, ok := c.opts.Resolver.(tableLoader); ok && c.opts.TableFile != "" {
		t, err := loader.Load(c.opts.TableFile)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("file", c.opts.TableFile).Msg("failed to reload global compensation table")
		case t != c.Table():
			c.freqMu.Lock()
			c.table = t
			c.freqMu.Unlock()
			changed = true
		}
	}
	for _, dev := range c.snapshot() {
		table := c.resolveTable(ctx, dev.port, dev.link.Serial())
		c.mu.Lock()
		if table != dev.table {
			dev.table = table
			changed = true
		}
		c.mu.Unlock()
	}
	if changed {
		c.refreshFrequency()
		log.Info().Float64("min_attenuation_db", c.Frequency().MinAttenuation).Msg("compensation tables reloaded")
	}
	return changed
}

// Frequency returns the current frequency state.
func (c *Controller) Frequency() FrequencyState {
	c.freqMu.Lock()
	defer c.freqMu.Unlock()
	return c.freq
}

// AttenuationRange returns the legal attenuation range at the current
// frequency.
func (c *Controller) AttenuationRange() Range {
	fs := c.Frequency()
	return Range{Min: fs.MinAttenuation, Max: MaxAttenuation, Frequency: fs.Frequency}
}

// refreshFrequency recomputes the floor after the set of device tables
// changed. A missing table is not an error here.
func (c *Controller) refreshFrequency() {
	c.freqMu.Lock()
	defer c.freqMu.Unlock()
	_ = c.recomputeLocked()
}

// recomputeLocked sets MinAttenuation to the largest floor over the global
// table and every device table, so every device can honour it. c.freqMu must
// be held.
func (c *Controller) recomputeLocked() error {
	f := c.freq.Frequency
	found := false
	floor := 0.0
	if c.table != nil {
		found = true
		floor = c.table.MinAttenuation(f)
	}

	c.mu.RLock()
	for _, dev := range c.devices {
		if dev.table == nil {
			continue
		}
		found = true
		floor = math.Max(floor, dev.table.MinAttenuation(f))
	}
	c.mu.RUnlock()

	if !found {
		c.freq.MinAttenuation = 0
		return compensation.ErrTableEmpty
	}
	c.freq.MinAttenuation = floor
	c.opts.Metrics.SetFrequency(f, floor)
	return nil
}

func (c *Controller) hasTable() bool {
	if c.Table() != nil {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dev := range c.devices {
		if dev.table != nil {
			return true
		}
	}
	return false
}

// checkRange validates a requested output attenuation. Without any
// compensation table there is no floor to enforce, so every request fails.
func (c *Controller) checkRange(target float64) error {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return &OutOfRangeError{Value: target, Max: MaxAttenuation, Bound: BoundFinite}
	}
	if !c.hasTable() {
		return compensation.ErrTableEmpty
	}
	floor := c.Frequency().MinAttenuation
	if target < floor-rangeTolerance {
		return &OutOfRangeError{Value: target, Min: floor, Max: MaxAttenuation, Bound: BoundMin}
	}
	if target > MaxAttenuation {
		return &OutOfRangeError{Value: target, Min: floor, Max: MaxAttenuation, Bound: BoundMax}
	}
	return nil
}

// tableFor returns the table that calibrates dev: its own, else the global one.
func (c *Controller) tableFor(dev *device) *compensation.Table {
	c.mu.RLock()
	table := dev.table
	c.mu.RUnlock()
	if table != nil {
		return table
	}
	return c.Table()
}

// setDevice commands the device value that produces target at the output.
func (c *Controller) setDevice(dev *device, target float64) error {
	freq := c.Frequency().Frequency
	actual := c.tableFor(dev).ToActual(freq, target)
	if actual != target {
		log.Debug().Str("device_id", dev.id).Float64("target_db", target).Float64("device_db", actual).
			Float64("frequency_mhz", freq).Msg("calibrated attenuation")
	}
	return dev.link.SetAttenuation(actual)
}

// readDevice reads the device and maps the value to the output attenuation.
func (c *Controller) readDevice(dev *device) (float64, error) {
	actual, err := dev.link.ReadAttenuation()
	if err != nil {
		return 0, err
	}
	return c.tableFor(dev).ToDisplay(c.Frequency().Frequency, actual), nil
}

// SetAttenuation applies target to every registered device concurrently.
// Range violations are rejected before any I/O; device failures are reported
// per device. target is the attenuation wanted at the output; calibrated
// tables translate it to each device's own setting.
func (c *Controller) SetAttenuation(target float64) (map[string]DeviceResult, error) {
	if err := c.checkRange(target); err != nil {
		return nil, err
	}
	return c.fanOut(func(dev *device) DeviceResult {
		err := c.setDevice(dev, target)
		return DeviceResult{Port: dev.port, Value: target, Err: err}
	})
}

// SetDeviceAttenuation applies target to one device.
func (c *Controller) SetDeviceAttenuation(deviceID string, target float64) error {
	if err := c.checkRange(target); err != nil {
		return err
	}
	dev, err := c.device(deviceID)
	if err != nil {
		return err
	}
	return c.setDevice(dev, target)
}

// GetAttenuation reads every registered device concurrently.
func (c *Controller) GetAttenuation() (map[string]DeviceResult, error) {
	return c.fanOut(func(dev *device) DeviceResult {
		v, err := c.readDevice(dev)
		return DeviceResult{Port: dev.port, Value: v, Err: err}
	})
}

// GetDeviceAttenuation reads one device.
func (c *Controller) GetDeviceAttenuation(deviceID string) (float64, error) {
	dev, err := c.device(deviceID)
	if err != nil {
		return 0, err
	}
	return c.readDevice(dev)
}

// SendRaw sends a raw command to one device and returns its response line.
func (c *Controller) SendRaw(deviceID, command string) (string, error) {
	dev, err := c.device(deviceID)
	if err != nil {
		return "", err
	}
	return dev.link.Send(command)
}

func (c *Controller) fanOut(op func(dev *device) DeviceResult) (map[string]DeviceResult, error) {
	devices := c.snapshot()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	results := make(map[string]DeviceResult, len(devices))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, dev := range devices {
		wg.Add(1)
		go func(dev *device) {
			defer wg.Done()
			res := op(dev)
			resMu.Lock()
			results[dev.id] = res
			resMu.Unlock()
		}(dev)
	}
	wg.Wait()
	return results, nil
}

// Status reports every registered device without touching the transport.
func (c *Controller) Status() []DeviceStatus {
	freq := c.Frequency().Frequency
	devices := c.snapshot()

	out := make([]DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		info := dev.link.Info()
		st := DeviceStatus{
			DeviceID:    dev.id,
			Port:        dev.port,
			Serial:      info.Serial,
			State:       info.State,
			SessionID:   info.SessionID,
			ConnectedAt: info.ConnectedAt,
		}
		if raw := info.LastKnownAttenuation; raw != nil {
			display := c.tableFor(dev).ToDisplay(freq, *raw)
			st.LastKnownAttenuation = &display
			if display != *raw {
				st.DeviceAttenuation = raw
			}
		}
		c.mu.RLock()
		table := dev.table
		c.mu.RUnlock()
		if table != nil {
			st.TableSource = table.Source()
			m := table.MinAttenuation(freq)
			st.MinAttenuation = &m
		}
		if info.LastError != nil {
			st.LastError = info.LastError.Error()
		}
		out = append(out, st)
	}
	return out
}

// DeviceIDs returns the registered device IDs in sorted order.
func (c *Controller) DeviceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) device(id string) (*device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, &DeviceNotFoundError{DeviceID: id}
	}
	return dev, nil
}

// snapshot returns the registered devices sorted by ID.
func (c *Controller) snapshot() []*device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*device, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Controller) deviceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

func tableSource(t *compensation.Table) string {
	if t == nil {
		return "global"
	}
	return t.Source()
}
