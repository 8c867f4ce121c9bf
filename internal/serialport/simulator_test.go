package serialport

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for simulator response")
		return ""
	}
}

func TestSimulatedAttenuator_Protocol(t *testing.T) {
	sim := NewSimulatedAttenuator("SN-0001")
	r := bufio.NewReader(sim)

	_, err := sim.Write([]byte("*IDN?\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "SN-0001\r\n", readLine(t, r))

	_, err = sim.Write([]byte("att-012.50\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "attOK\r\n", readLine(t, r))
	assert.InDelta(t, 12.5, sim.Attenuation(), 1e-9)

	_, err = sim.Write([]byte("READ\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "12.50\r\n", readLine(t, r))

	_, err = sim.Write([]byte("att-abc\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "attERR\r\n", readLine(t, r))

	_, err = sim.Write([]byte("FOO\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "ERR\r\n", readLine(t, r))

	assert.Equal(t, []string{"*IDN?", "att-012.50", "READ", "att-abc", "FOO"}, sim.Commands())
}

func TestSimulatedAttenuator_SplitWrites(t *testing.T) {
	sim := NewSimulatedAttenuator("SN-0002")
	r := bufio.NewReader(sim)

	_, _ = sim.Write([]byte("att-0"))
	_, _ = sim.Write([]byte("30.00\r"))
	_, _ = sim.Write([]byte("\n"))

	assert.Equal(t, "attOK\r\n", readLine(t, r))
	assert.InDelta(t, 30.0, sim.Attenuation(), 1e-9)
}

func TestSimulatedAttenuator_Silent(t *testing.T) {
	sim := NewSimulatedAttenuator("SN-0003")
	sim.SetSilent(true)

	_, err := sim.Write([]byte("READ\r\n"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		_, _ = sim.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("silent simulator produced data")
	case <-time.After(50 * time.Millisecond):
	}

	// Close unblocks the pending reader.
	require.NoError(t, sim.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.Equal(t, []string{"READ"}, sim.Commands())
}

func TestSimulatedAttenuator_Latency(t *testing.T) {
	sim := NewSimulatedAttenuator("SN-0004")
	sim.Latency = 20 * time.Millisecond
	r := bufio.NewReader(sim)

	start := time.Now()
	_, _ = sim.Write([]byte("*IDN?\r\n"))
	assert.Equal(t, "SN-0004\r\n", readLine(t, r))
	assert.GreaterOrEqual(t, time.Since(start), sim.Latency)
}

func TestNewSimulatedBench(t *testing.T) {
	factory, scanner := NewSimulatedBench(3)

	ports, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, ports, 3)
	assert.Equal(t, "/dev/ttyACM0", ports[0].Path)
	assert.Equal(t, "SIM-TTYACM2", ports[2].SerialNumber)

	port, err := factory.Open("/dev/ttyACM1", PortOptions{})
	require.NoError(t, err)
	sim, ok := port.(*SimulatedAttenuator)
	require.True(t, ok)
	assert.Equal(t, "SIM-TTYACM1", sim.Serial)
}

func TestTestablePort_ReadErrorAndClose(t *testing.T) {
	port := NewTestablePort()
	port.InjectReadError(ErrPortClosed)

	_, err := port.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrPortClosed)

	port.AddReadData([]byte("ok\n"))
	buf := make([]byte, 8)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(buf[:n]))

	require.NoError(t, port.Close())
	assert.True(t, port.IsClosed())
	_, err = port.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrPortClosed)

	port.Reopen()
	assert.False(t, port.IsClosed())
}
