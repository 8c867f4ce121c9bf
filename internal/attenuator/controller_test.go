package attenuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/serialport"
)

type bench struct {
	ctrl    *Controller
	factory *serialport.MockFactory
	sims    []*serialport.SimulatedAttenuator
	ports   []string
}

func benchTable() *compensation.Table {
	return compensation.MustNew([]compensation.Sample{{Frequency: 10, Loss: -1.86}, {Frequency: 18, Loss: -1.86}, {Frequency: 26, Loss: -1.95}})
}

func newBench(t *testing.T, n int, mutate ...func(*Options)) *bench {
	t.Helper()
	b := &bench{factory: serialport.NewMockFactory()}
	scanner := serialport.StaticScanner{Pattern: DefaultPortPattern}
	for i := 0; i < n; i++ {
		port := fmt.Sprintf("/dev/ttyACM%d", i)
		sim := serialport.NewSimulatedAttenuator(fmt.Sprintf("SN-%d", i))
		b.factory.Add(port, sim)
		b.sims = append(b.sims, sim)
		b.ports = append(b.ports, port)
		scanner.Ports = append(scanner.Ports, serialport.PortInfo{
			Path:         port,
			IsUSB:        true,
			SerialNumber: fmt.Sprintf("USB-%d", i),
		})
	}
	scanner.Ports = append(scanner.Ports, serialport.PortInfo{Path: "/dev/ttyS0"})

	opts := Options{
		Factory:         b.factory,
		Scanner:         scanner,
		ResponseTimeout: testTimeout,
		Table:           benchTable(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	b.ctrl = NewController(opts)
	t.Cleanup(b.ctrl.DisconnectAll)
	return b
}

func (b *bench) connectAll(t *testing.T) map[string]ConnectResult {
	t.Helper()
	results := b.ctrl.Connect(context.Background(), b.ports)
	for port, res := range results {
		require.NoError(t, res.Err, port)
	}
	return results
}

func TestController_ScanPorts(t *testing.T) {
	b := newBench(t, 3)

	ports, err := b.ctrl.ScanPorts()
	require.NoError(t, err)

	want := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}
	if diff := cmp.Diff(want, ports); diff != "" {
		t.Errorf("ScanPorts mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, b.factory.OpenCalls, "scanning must not open ports")
}

func TestController_Connect(t *testing.T) {
	b := newBench(t, 3)
	results := b.connectAll(t)

	assert.Equal(t, "att-SN-0", results["/dev/ttyACM0"].DeviceID)
	assert.Equal(t, "SN-2", results["/dev/ttyACM2"].Serial)
	assert.Equal(t, []string{"att-SN-0", "att-SN-1", "att-SN-2"}, b.ctrl.DeviceIDs())

	// Reconnecting an already-connected port is a no-op.
	again := b.ctrl.Connect(context.Background(), []string{"/dev/ttyACM1", "/dev/ttyACM1"})
	require.Len(t, again, 1)
	assert.True(t, again["/dev/ttyACM1"].Existing)
	assert.Equal(t, "att-SN-1", again["/dev/ttyACM1"].DeviceID)
	assert.Equal(t, 1, b.factory.Calls("/dev/ttyACM1"))
}

func TestController_Connect_PartialFailure(t *testing.T) {
	b := newBench(t, 2)
	b.factory.Fail("/dev/ttyACM9", errors.New("no such device"))

	results := b.ctrl.Connect(context.Background(), append(b.ports, "/dev/ttyACM9"))
	require.Len(t, results, 3)

	var ce *ConnectError
	require.ErrorAs(t, results["/dev/ttyACM9"].Err, &ce)
	assert.Equal(t, "/dev/ttyACM9", ce.Port)
	assert.NoError(t, results["/dev/ttyACM0"].Err)
	assert.NoError(t, results["/dev/ttyACM1"].Err)
	assert.Len(t, b.ctrl.DeviceIDs(), 2)
}

func TestController_Connect_IDCollision(t *testing.T) {
	b := newBench(t, 2)
	b.sims[0].Serial = "DUP"
	b.sims[1].Serial = "DUP"

	results := b.connectAll(t)
	id0, id1 := results["/dev/ttyACM0"].DeviceID, results["/dev/ttyACM1"].DeviceID

	// Whichever port registers second gets its port name appended.
	if id0 == "att-DUP" {
		assert.Equal(t, "att-DUP-ttyACM1", id1)
	} else {
		assert.Equal(t, "att-DUP-ttyACM0", id0)
		assert.Equal(t, "att-DUP", id1)
	}
}

func TestController_Connect_DescriptorSerial(t *testing.T) {
	b := newBench(t, 1, func(o *Options) { o.IdentifyFromDescriptor = true })
	results := b.connectAll(t)

	assert.Equal(t, "att-USB-0", results["/dev/ttyACM0"].DeviceID)
	assert.Empty(t, b.sims[0].Commands(), "identify query must be skipped")
}

func TestController_Connect_UnknownSerialUsesPort(t *testing.T) {
	b := newBench(t, 1)
	b.sims[0].Serial = ""
	b.sims[0].IdentifyCommand = "never"

	// No USB serial recorded since the scan was never run.
	results := b.connectAll(t)
	assert.Equal(t, "att-ttyACM0", results["/dev/ttyACM0"].DeviceID)
}

func TestController_SetFrequency(t *testing.T) {
	b := newBench(t, 0)

	assert.Equal(t, DefaultFrequency, b.ctrl.Frequency().Frequency)
	assert.InDelta(t, 1.95, b.ctrl.Frequency().MinAttenuation, 1e-9)

	require.NoError(t, b.ctrl.SetFrequency(22))
	fs := b.ctrl.Frequency()
	assert.Equal(t, 22.0, fs.Frequency)
	assert.InDelta(t, 1.905, fs.MinAttenuation, 0.0051)

	rng := b.ctrl.AttenuationRange()
	assert.Equal(t, MaxAttenuation, rng.Max)
	assert.Equal(t, fs.MinAttenuation, rng.Min)
	assert.Equal(t, 22.0, rng.Frequency)

	for _, f := range []float64{-1, math.NaN(), math.Inf(1)} {
		err := b.ctrl.SetFrequency(f)
		assert.ErrorIs(t, err, ErrInvalidFrequency)
	}
	assert.Equal(t, 22.0, b.ctrl.Frequency().Frequency)
}

func TestController_SetFrequency_NoTable(t *testing.T) {
	b := newBench(t, 0, func(o *Options) { o.Table = nil })

	err := b.ctrl.SetFrequency(100)
	assert.ErrorIs(t, err, compensation.ErrTableEmpty)

	require.NoError(t, b.ctrl.LoadTable(compensation.Default()))
	require.NoError(t, b.ctrl.SetFrequency(8000))
	assert.InDelta(t, 13.88, b.ctrl.Frequency().MinAttenuation, 1e-9)

	assert.ErrorIs(t, b.ctrl.LoadTable(nil), compensation.ErrTableEmpty)
}

func TestController_MinAttenuationEnforcement(t *testing.T) {
	b := newBench(t, 2)
	b.connectAll(t)
	require.NoError(t, b.ctrl.SetFrequency(22))

	_, err := b.ctrl.SetAttenuation(1.0)
	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, BoundMin, oor.Bound)
	assert.InDelta(t, 1.905, oor.Min, 0.0051)

	err = b.ctrl.SetDeviceAttenuation("att-SN-0", 1.0)
	require.ErrorAs(t, err, &oor)

	_, err = b.ctrl.SetAttenuation(90.5)
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, BoundMax, oor.Bound)

	// Rejections happen before any serial I/O.
	for _, sim := range b.sims {
		assert.Equal(t, []string{"*IDN?"}, sim.Commands())
	}

	results, err := b.ctrl.SetAttenuation(1.905)
	require.NoError(t, err)
	for id, res := range results {
		assert.NoError(t, res.Err, id)
	}
}

func TestController_SetGetRoundTrip(t *testing.T) {
	b := newBench(t, 3)
	b.connectAll(t)

	results, err := b.ctrl.SetAttenuation(20)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NoError(t, b.ctrl.SetDeviceAttenuation("att-SN-1", 12.5))
	got, err := b.ctrl.GetDeviceAttenuation("att-SN-1")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, got, 1e-9)

	readings, err := b.ctrl.GetAttenuation()
	require.NoError(t, err)
	want := map[string]float64{"att-SN-0": 20, "att-SN-1": 12.5, "att-SN-2": 20}
	for id, v := range want {
		require.NoError(t, readings[id].Err, id)
		assert.InDelta(t, v, readings[id].Value, 1e-9, id)
	}

	for _, st := range b.ctrl.Status() {
		require.NotNil(t, st.LastKnownAttenuation, st.DeviceID)
		assert.InDelta(t, want[st.DeviceID], *st.LastKnownAttenuation, 1e-9)
		assert.Equal(t, StateIdle, st.State)
	}
}

func TestController_PartialBatchFailure(t *testing.T) {
	b := newBench(t, 3)
	b.connectAll(t)
	b.sims[1].SetSilent(true)

	start := time.Now()
	results, err := b.ctrl.SetAttenuation(15)
	elapsed := time.Since(start)
	require.NoError(t, err)

	// One timeout, not three in sequence.
	assert.Less(t, elapsed, 2*testTimeout)

	assert.NoError(t, results["att-SN-0"].Err)
	assert.NoError(t, results["att-SN-2"].Err)
	assert.ErrorIs(t, results["att-SN-1"].Err, ErrResponseTimeout)
	assert.False(t, results["att-SN-1"].OK())

	states := map[string]State{}
	for _, st := range b.ctrl.Status() {
		states[st.DeviceID] = st.State
	}
	assert.Equal(t, map[string]State{
		"att-SN-0": StateIdle,
		"att-SN-1": StateError,
		"att-SN-2": StateIdle,
	}, states)

	// The failed device stays registered and is reported on the next batch.
	readings, err := b.ctrl.GetAttenuation()
	require.NoError(t, err)
	assert.ErrorIs(t, readings["att-SN-1"].Err, ErrNotConnected)
	assert.NoError(t, readings["att-SN-0"].Err)

	// Reconnect keeps the device ID.
	b.sims[1].SetSilent(false)
	require.NoError(t, b.ctrl.Reconnect(context.Background(), "att-SN-1"))
	require.NoError(t, b.ctrl.SetDeviceAttenuation("att-SN-1", 15))
}

func TestController_Connect_ReconnectsFailedPort(t *testing.T) {
	b := newBench(t, 1)
	b.connectAll(t)
	b.sims[0].SetSilent(true)
	_, _ = b.ctrl.GetAttenuation()
	b.sims[0].SetSilent(false)

	results := b.ctrl.Connect(context.Background(), b.ports)
	require.NoError(t, results["/dev/ttyACM0"].Err)
	assert.Equal(t, "att-SN-0", results["/dev/ttyACM0"].DeviceID)
	assert.False(t, results["/dev/ttyACM0"].Existing)
	assert.Equal(t, StateIdle, b.ctrl.Status()[0].State)
}

func TestController_Busy(t *testing.T) {
	b := newBench(t, 1, func(o *Options) { o.ResponseTimeout = 2 * time.Second })
	b.connectAll(t)
	b.sims[0].Latency = 300 * time.Millisecond

	errc := make(chan error, 1)
	go func() { errc <- b.ctrl.SetDeviceAttenuation("att-SN-0", 10) }()

	require.Eventually(t, func() bool {
		return b.ctrl.Status()[0].State == StateBusy
	}, time.Second, time.Millisecond)

	err := b.ctrl.SetDeviceAttenuation("att-SN-0", 11)
	assert.ErrorIs(t, err, ErrLinkBusy)
	require.NoError(t, <-errc)
}

func TestController_DeviceNotFound(t *testing.T) {
	b := newBench(t, 1)
	b.connectAll(t)

	var nf *DeviceNotFoundError
	require.ErrorAs(t, b.ctrl.SetDeviceAttenuation("att-missing", 10), &nf)
	assert.Equal(t, "att-missing", nf.DeviceID)

	_, err := b.ctrl.GetDeviceAttenuation("att-missing")
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, b.ctrl.Disconnect("att-missing"), &nf)
	assert.ErrorAs(t, b.ctrl.Reconnect(context.Background(), "att-missing"), &nf)
	_, err = b.ctrl.SendRaw("att-missing", "READ")
	assert.ErrorAs(t, err, &nf)
}

func TestController_NoDevices(t *testing.T) {
	b := newBench(t, 0)

	_, err := b.ctrl.SetAttenuation(10)
	assert.ErrorIs(t, err, ErrNoDevices)
	_, err = b.ctrl.GetAttenuation()
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestController_Disconnect(t *testing.T) {
	b := newBench(t, 2)
	b.connectAll(t)

	require.NoError(t, b.ctrl.Disconnect("att-SN-0"))
	assert.Equal(t, []string{"att-SN-1"}, b.ctrl.DeviceIDs())
	assert.True(t, b.sims[0].IsClosed())

	b.ctrl.DisconnectAll()
	b.ctrl.DisconnectAll()
	assert.Empty(t, b.ctrl.DeviceIDs())
	assert.Empty(t, b.ctrl.Status())
	assert.True(t, b.sims[1].IsClosed())
}

func TestController_SendRaw(t *testing.T) {
	b := newBench(t, 1)
	b.connectAll(t)

	resp, err := b.ctrl.SendRaw("att-SN-0", "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "SN-0", resp)
}

type stubResolver map[string]*compensation.Table

func (s stubResolver) Resolve(_ context.Context, _, serial string) (*compensation.Table, error) {
	return s[serial], nil
}

func TestController_PerDeviceTables(t *testing.T) {
	lossy := compensation.MustNew([]compensation.Sample{{Frequency: 0, Loss: -6}, {Frequency: 100, Loss: -8}}).WithSource("lossy.json")
	b := newBench(t, 2, func(o *Options) {
		o.Resolver = stubResolver{"SN-1": lossy}
		o.InitialFrequency = 22
	})
	assert.InDelta(t, 1.905, b.ctrl.Frequency().MinAttenuation, 0.0051)

	b.connectAll(t)
	// The floor is the largest minimum across every active table.
	assert.InDelta(t, 6.44, b.ctrl.Frequency().MinAttenuation, 1e-9)

	_, err := b.ctrl.SetAttenuation(5)
	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)

	tables := b.ctrl.Tables()
	assert.Contains(t, tables, "global")
	assert.Same(t, lossy, tables["att-SN-1"])

	for _, st := range b.ctrl.Status() {
		if st.DeviceID == "att-SN-1" {
			assert.Equal(t, "lossy.json", st.TableSource)
			require.NotNil(t, st.MinAttenuation)
			assert.InDelta(t, 6.44, *st.MinAttenuation, 1e-9)
		} else {
			assert.Nil(t, st.MinAttenuation)
		}
	}

	require.NoError(t, b.ctrl.Disconnect("att-SN-1"))
	assert.InDelta(t, 1.905, b.ctrl.Frequency().MinAttenuation, 0.0051)
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "SN_01_A", sanitizeID("SN 01/A"))
	assert.Equal(t, "unknown", sanitizeID("  "))
	assert.Equal(t, "ab-c.d_e", sanitizeID("ab-c.d_e"))
}

func TestController_KnownPorts(t *testing.T) {
	b := newBench(t, 2)
	assert.Empty(t, b.ctrl.KnownPorts())

	_, err := b.ctrl.ScanPortDetails()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1"}, b.ctrl.KnownPorts())
}

func TestController_NoTableRejectsAttenuation(t *testing.T) {
	b := newBench(t, 1, func(o *Options) { o.Table = nil })
	b.connectAll(t)

	_, err := b.ctrl.SetAttenuation(0.5)
	assert.ErrorIs(t, err, compensation.ErrTableEmpty)
	assert.ErrorIs(t, b.ctrl.SetDeviceAttenuation("att-SN-0", 0.5), compensation.ErrTableEmpty)
	assert.Equal(t, []string{"*IDN?"}, b.sims[0].Commands())

	require.NoError(t, b.ctrl.LoadTable(benchTable()))
	require.NoError(t, b.ctrl.SetDeviceAttenuation("att-SN-0", 10))
}

func TestController_DeviceTableAloneAllowsAttenuation(t *testing.T) {
	lossy := compensation.MustNew([]compensation.Sample{{Frequency: 0, Loss: -6}, {Frequency: 2000, Loss: -6}})
	b := newBench(t, 1, func(o *Options) {
		o.Table = nil
		o.Resolver = stubResolver{"SN-0": lossy}
	})
	b.connectAll(t)

	assert.InDelta(t, 6.0, b.ctrl.Frequency().MinAttenuation, 1e-9)
	require.NoError(t, b.ctrl.SetDeviceAttenuation("att-SN-0", 10))
}

func TestController_CalibratedAttenuation(t *testing.T) {
	calibrated, err := compensation.FromMap(map[string]any{
		"1000": map[string]any{"0": -2.0, "10": 8.0, "20": 17.5},
	})
	require.NoError(t, err)
	b := newBench(t, 2, func(o *Options) {
		o.Resolver = stubResolver{"SN-0": calibrated}
	})
	b.connectAll(t)
	assert.InDelta(t, 2.0, b.ctrl.Frequency().MinAttenuation, 1e-9)

	// Requested output values are translated to device settings.
	require.NoError(t, b.ctrl.SetDeviceAttenuation("att-SN-0", 12.75))
	assert.InDelta(t, 15.0, b.sims[0].Attenuation(), 1e-9)
	got, err := b.ctrl.GetDeviceAttenuation("att-SN-0")
	require.NoError(t, err)
	assert.InDelta(t, 12.75, got, 1e-9)

	results, err := b.ctrl.SetAttenuation(8)
	require.NoError(t, err)
	assert.Equal(t, 8.0, results["att-SN-0"].Value)
	assert.InDelta(t, 10.0, b.sims[0].Attenuation(), 1e-9)
	// The flat global table does not translate.
	assert.InDelta(t, 8.0, b.sims[1].Attenuation(), 1e-9)

	readings, err := b.ctrl.GetAttenuation()
	require.NoError(t, err)
	assert.InDelta(t, 8.0, readings["att-SN-0"].Value, 1e-9)
	assert.InDelta(t, 8.0, readings["att-SN-1"].Value, 1e-9)

	for _, st := range b.ctrl.Status() {
		require.NotNil(t, st.LastKnownAttenuation, st.DeviceID)
		assert.InDelta(t, 8.0, *st.LastKnownAttenuation, 1e-9, st.DeviceID)
		if st.DeviceID == "att-SN-0" {
			require.NotNil(t, st.DeviceAttenuation)
			assert.InDelta(t, 10.0, *st.DeviceAttenuation, 1e-9)
		} else {
			assert.Nil(t, st.DeviceAttenuation)
		}
	}
}

func TestController_ReloadModified(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		stamp = stamp.Add(time.Second)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
		return path
	}
	globalPath := write("global.json", `{"1000": -1.0}`)
	write("1.json", `{"1000": -3.0}`)

	resolver := compensation.NewResolver(dir, nil)
	global, err := resolver.Load(globalPath)
	require.NoError(t, err)

	b := newBench(t, 1, func(o *Options) {
		o.Table = global
		o.TableFile = globalPath
		o.Resolver = resolver
	})
	b.connectAll(t)
	assert.InDelta(t, 3.0, b.ctrl.Frequency().MinAttenuation, 1e-9)
	assert.False(t, b.ctrl.ReloadModified(context.Background()))

	write("1.json", `{"1000": -4.0}`)
	assert.True(t, b.ctrl.ReloadModified(context.Background()))
	assert.InDelta(t, 4.0, b.ctrl.Frequency().MinAttenuation, 1e-9)

	write("global.json", `{"1000": -5.0}`)
	assert.True(t, b.ctrl.ReloadModified(context.Background()))
	assert.InDelta(t, 5.0, b.ctrl.Frequency().MinAttenuation, 1e-9)
	assert.InDelta(t, 5.0, b.ctrl.Table().MinAttenuation(1000), 1e-9)
	assert.False(t, b.ctrl.ReloadModified(context.Background()))
}

func TestController_DisconnectAllDuringConnect(t *testing.T) {
	b := newBench(t, 0, func(o *Options) { o.ResponseTimeout = 2 * time.Second })
	port := serialport.NewTestablePort()
	b.factory.Add("/dev/ttyACM7", port)

	done := make(chan map[string]ConnectResult, 1)
	go func() { done <- b.ctrl.Connect(context.Background(), []string{"/dev/ttyACM7"}) }()

	// Wait for the identify query, then clear the registry before answering.
	require.Eventually(t, func() bool {
		return strings.Contains(string(port.GetWrittenData()), "*IDN?")
	}, time.Second, time.Millisecond)
	b.ctrl.DisconnectAll()
	port.AddReadData([]byte("SN-LATE\r\n"))

	results := <-done
	assert.ErrorIs(t, results["/dev/ttyACM7"].Err, ErrConnectAborted)
	assert.Empty(t, b.ctrl.DeviceIDs())
	assert.True(t, port.IsClosed())
}
