// Package wstest provides websocket test helpers.
package wstest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mna/roomcast"
)

// StartServer starts an httptest server that upgrades connections and
// serves them with srv. It returns the ws:// URL of the server; the
// test server is closed via t.Cleanup.
func StartServer(t *testing.T, srv *roomcast.Server) string {
	t.Helper()

	upg := &websocket.Upgrader{Subprotocols: roomcast.Subprotocols}
	hsrv := httptest.NewServer(roomcast.Upgrade(upg, srv))
	t.Cleanup(hsrv.Close)
	t.Cleanup(srv.Close)
	return strings.Replace(hsrv.URL, "http:", "ws:", 1)
}

// Dial dials the websocket server at url with the roomcast
// subprotocol, failing the test on error.
func Dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	d := &websocket.Dialer{Subprotocols: roomcast.Subprotocols}
	conn, _, err := d.Dial(url, nil)
	require.NoError(t, err, "Dial %s", url)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// SendJSON writes v as a text message on conn.
func SendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err, "Marshal")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b), "WriteMessage")
}

// ReadJSON reads the next text message from conn into a generic map,
// with the given read deadline.
func ReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err, "ReadMessage")

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m), "Unmarshal %s", b)
	return m
}

// WriteRoomsFile writes a room configuration file with the given
// room/hash credentials and a freshly generated Ed25519 key pair. It
// returns the file path and the key pair.
func WriteRoomsFile(t *testing.T, creds map[string]string) (string, ed25519.PrivateKey, ed25519.PublicKey) {
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
	return path, priv, pub
}
