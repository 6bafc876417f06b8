package roomcast_test

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/roomcast"
	"github.com/mna/roomcast/config"
	"github.com/mna/roomcast/internal/wstest"
)

func newTestServer(t *testing.T, creds map[string]string) (*roomcast.Server, string) {
	t.Helper()

	path, _, _ := wstest.WriteRoomsFile(t, creds)
	store, err := config.NewStore(config.FileSource(path))
	require.NoError(t, err, "NewStore")

	srv := &roomcast.Server{
		Config:        store,
		CheckInterval: time.Minute,
		LogFunc:       t.Logf,
	}
	return srv, wstest.StartServer(t, srv)
}

func TestServerServe(t *testing.T) {
	srv, url := newTestServer(t, map[string]string{"x": "h1"})

	state := make(chan roomcast.ConnState, 2)
	srv.ConnState = func(c *roomcast.Conn, cs roomcast.ConnState) {
		if cs == roomcast.Connected || cs == roomcast.Closed {
			select {
			case state <- cs:
			default:
			}
		}
	}

	conn := wstest.Dial(t, url)

	select {
	case got := <-state:
		assert.Equal(t, roomcast.Connected, got, "received connected connection state")
	case <-time.After(time.Second):
		t.Fatal("no connected state received")
	}

	// closing the underlying websocket connection causes the roomcast
	// connection to close too.
	conn.Close()

	select {
	case got := <-state:
		assert.Equal(t, roomcast.Closed, got, "received closed connection state")
	case <-time.After(time.Second):
		t.Fatal("no closed state received")
	}
}

func TestUpgradeRejectsUnknownSubprotocol(t *testing.T) {
	_, url := newTestServer(t, map[string]string{"x": "h1"})

	// no subprotocol offered: the upgrade succeeds but the server
	// drops the connection immediately.
	d := &websocket.Dialer{}
	conn, _, err := d.Dial(url, nil)
	require.NoError(t, err, "Dial")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection dropped without a subprotocol")
}

func TestServeConnVars(t *testing.T) {
	srv, url := newTestServer(t, map[string]string{"x": "h1"})
	vars := newVarsMap()
	srv.Vars = vars

	conn := wstest.Dial(t, url)
	authenticate(t, conn, "x", "h1")
	conn.Close()

	waitForVar(t, vars, "TotalConns", "1")
	waitForVar(t, vars, "MsgsACN", "1")
	waitForVar(t, vars, "ActiveConns", "0")
}
