package roomcast

import (
	"crypto/ed25519"
	"encoding/base64"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/roomcast/config"
)

// writeRoomsFile writes a minimal room configuration fixture. The
// fixture helpers in internal/wstest cannot be used from this package
// without an import cycle.
func writeRoomsFile(t *testing.T, creds map[string]string) string {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err, "GenerateKey")

	var sb strings.Builder
	sb.WriteString("rooms:\n")
	for room, hash := range creds {
		fmt.Fprintf(&sb, "  - room: %s\n    hash: %s\n", room, hash)
	}
	fmt.Fprintf(&sb, "keys:\n  signing: %s\n  verification: %s\n",
		base64.StdEncoding.EncodeToString(priv.Seed()),
		base64.StdEncoding.EncodeToString(pub))

	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0600), "WriteFile")
	return path
}

func newTestMonitor(t *testing.T) (*monitor, *registry) {
	t.Helper()
	reg := newRegistry()
	mon := newMonitor(reg, time.Hour, t.Logf, nil)
	t.Cleanup(mon.stop)
	return mon, reg
}

func addConn(t *testing.T, mon *monitor, reg *registry, srv *Server) (*Conn, *websocket.Conn) {
	t.Helper()
	wsc, cli := newWSPair(t)
	c := newConn(wsc, srv)
	reg.add(c)
	mon.add(c)
	return c, cli
}

func TestMonitorSlotAssignment(t *testing.T) {
	t.Parallel()

	mon, reg := newTestMonitor(t)
	srv := &Server{}

	conns := make([]*Conn, 2*monitorSlots)
	for i := range conns {
		conns[i], _ = addConn(t, mon, reg, srv)
	}

	// least-loaded assignment with lowest-index ties spreads the
	// connections perfectly
	for k := 0; k < monitorSlots; k++ {
		assert.Len(t, mon.slots[k], 2, "slot %d", k)
	}
	assert.Equal(t, 0, conns[0].slotIndex(), "first connection lands in slot 0")
	assert.Equal(t, 0, conns[monitorSlots].slotIndex(), "second round starts over at slot 0")

	mon.remove(conns[3])
	assert.Len(t, mon.slots[3], 1, "removed from its slot")

	next, _ := addConn(t, mon, reg, srv)
	assert.Equal(t, 3, next.slotIndex(), "new connection fills the least-loaded slot")
}

func TestMonitorRemoveUnassigned(t *testing.T) {
	t.Parallel()

	mon, _ := newTestMonitor(t)
	wsc, _ := newWSPair(t)
	c := newConn(wsc, &Server{})

	// never added to the monitor: remove is a no-op
	mon.remove(c)
	assert.Equal(t, -1, c.slotIndex(), "slot unassigned")
}

func TestSweepTerminatesDead(t *testing.T) {
	t.Parallel()

	vars := new(expvar.Map).Init()
	reg := newRegistry()
	mon := newMonitor(reg, time.Hour, t.Logf, vars)
	t.Cleanup(mon.stop)

	c, _ := addConn(t, mon, reg, &Server{})

	// still awaiting a pong from the previous ping
	c.beginPing()
	mon.sweep(c.slotIndex())

	select {
	case <-c.CloseNotify():
		assert.Equal(t, ErrPingTimeout, c.CloseErr, "CloseErr")
	case <-time.After(time.Second):
		t.Fatal("dead connection not terminated")
	}
	assert.Equal(t, "1", vars.Get("EvictedUnresponsive").String(), "EvictedUnresponsive")
}

func TestSweepPingPongCycle(t *testing.T) {
	t.Parallel()

	mon, reg := newTestMonitor(t)
	c, cli := addConn(t, mon, reg, &Server{})

	// the pong control frame is only processed while a read is in
	// progress on the server side
	go c.receive()

	// the client read loop answers pings with pongs (gorilla default)
	go func() {
		for {
			if _, _, err := cli.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.True(t, c.isAlive(), "alive before first sweep")
	mon.sweep(c.slotIndex())
	// the sweep marked the connection as awaiting a pong and pinged it;
	// the peer's pong flips it back before the next sweep
	waitFor(t, 2*time.Second, c.isAlive, "no pong observed after ping")
	assert.False(t, c.LastPong().IsZero(), "lastPong recorded")

	// a pong-responsive connection survives the next sweep
	mon.sweep(c.slotIndex())
	select {
	case <-c.CloseNotify():
		t.Fatal("live connection terminated")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepSkipsClosingTransport(t *testing.T) {
	t.Parallel()

	mon, reg := newTestMonitor(t)
	c, _ := addConn(t, mon, reg, &Server{})

	c.setClosing()
	mon.sweep(c.slotIndex())

	// not pinged: still marked alive, not awaiting a pong
	assert.True(t, c.isAlive(), "closing transport not pinged")
}

func TestSweepEvictsBackpressure(t *testing.T) {
	t.Parallel()

	vars := new(expvar.Map).Init()
	reg := newRegistry()
	mon := newMonitor(reg, time.Hour, t.Logf, vars)
	t.Cleanup(mon.stop)

	c, cli := addConn(t, mon, reg, &Server{})
	go c.writePump()

	// pong-responsive but hopelessly backlogged
	c.addPending(maxPendingMessages+1, 10)
	mon.sweep(c.slotIndex())

	// the peer observes the structured error, then the close frame
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := cli.ReadMessage()
	require.NoError(t, err, "read error frame")
	assert.Contains(t, string(b), "TOO_MANY_PENDING_MESSAGES", "error payload")

	_, _, err = cli.ReadMessage()
	require.Error(t, err, "close frame expected")
	assert.True(t, websocket.IsCloseError(err, 4429), "close code, got %v", err)

	select {
	case <-c.CloseNotify():
		assert.Equal(t, ErrTooManyPendingMessages, c.CloseErr, "CloseErr")
	case <-time.After(time.Second):
		t.Fatal("backpressured connection not closed")
	}
	assert.Equal(t, "1", vars.Get("EvictedBackpressure").String(), "EvictedBackpressure")
}

func TestSweepCharThreshold(t *testing.T) {
	t.Parallel()

	mon, reg := newTestMonitor(t)
	c, _ := addConn(t, mon, reg, &Server{})
	go c.writePump()

	// few messages, but over the byte threshold
	c.addPending(3, maxPendingChars+1)
	mon.sweep(c.slotIndex())

	select {
	case <-c.CloseNotify():
		assert.Equal(t, ErrTooManyPendingMessages, c.CloseErr, "CloseErr")
	case <-time.After(time.Second):
		t.Fatal("connection over the byte threshold not closed")
	}
}

func TestSweepDeadSkipsBackpressureCheck(t *testing.T) {
	t.Parallel()

	vars := new(expvar.Map).Init()
	reg := newRegistry()
	mon := newMonitor(reg, time.Hour, t.Logf, vars)
	t.Cleanup(mon.stop)

	c, _ := addConn(t, mon, reg, &Server{})
	c.beginPing()
	c.addPending(maxPendingMessages+1, maxPendingChars+1)

	mon.sweep(c.slotIndex())

	<-c.CloseNotify()
	assert.Equal(t, ErrPingTimeout, c.CloseErr, "terminated for liveness, not backpressure")
	assert.Nil(t, vars.Get("EvictedBackpressure"), "backpressure check skipped this tick")
}

func TestMonitorStopIdempotent(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	mon := newMonitor(reg, time.Hour, nil, nil)
	mon.start()
	mon.stop()
	mon.stop()

	for k := range mon.slots {
		assert.Nil(t, mon.slots[k], "slot %d cleared", k)
	}
}

func TestHealthTickReloadsConfig(t *testing.T) {
	t.Parallel()

	path := writeRoomsFile(t, map[string]string{"x": "h1"})
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, base, base), "Chtimes")

	store, err := config.NewStore(config.FileSource(path))
	require.NoError(t, err, "NewStore")

	var ticked bool
	srv := &Server{
		Config:        store,
		CheckInterval: time.Hour,
		HealthTick:    func() { ticked = true },
	}
	srv.init()
	t.Cleanup(srv.Close)

	// rewrite with a newer mtime, then force a global tick
	b, err := os.ReadFile(path)
	require.NoError(t, err, "ReadFile")
	content := strings.Replace(string(b), "rooms:\n", "rooms:\n  - room: y\n    hash: h2\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600), "WriteFile")
	require.NoError(t, os.Chtimes(path, base.Add(time.Minute), base.Add(time.Minute)), "Chtimes")

	srv.healthTick()
	assert.True(t, ticked, "HealthTick hook fired")
	assert.True(t, store.Snapshot().Authorize("y", "h2"), "snapshot reloaded on tick")
}
