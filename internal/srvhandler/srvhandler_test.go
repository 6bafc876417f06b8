package srvhandler

import (
	"expvar"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/net/context"

	"github.com/mna/roomcast"
	"github.com/mna/roomcast/config"
	"github.com/mna/roomcast/internal/wstest"
	"github.com/mna/roomcast/message"
)

func TestChain(t *testing.T) {
	t.Parallel()

	var calls []string
	mk := func(name string) roomcast.Handler {
		return roomcast.HandlerFunc(func(_ context.Context, _ *roomcast.Conn, _ message.Msg) {
			calls = append(calls, name)
		})
	}

	h := Chain(mk("a"), mk("b"), mk("c"))
	h.Handle(context.Background(), nil, message.NewError(message.InvalidMessage, "x"))
	assert.Equal(t, []string{"a", "b", "c"}, calls, "handlers called in order")
}

func TestLogMsg(t *testing.T) {
	t.Parallel()

	var lines []string
	h := LogMsg(func(f string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(f, args...))
	})

	c := &roomcast.Conn{ID: "abc"}
	h.Handle(context.Background(), c, &message.Comment{})
	h.Handle(context.Background(), c, message.NewAcnOK("tok"))

	require.Len(t, lines, 2, "two log lines")
	assert.Contains(t, lines[0], "received message COMMENT", "read direction")
	assert.Contains(t, lines[1], "sending message ACNOK", "write direction")
}

func TestPanicRecover(t *testing.T) {
	path, _, _ := wstest.WriteRoomsFile(t, map[string]string{"x": "h1"})
	store, err := config.NewStore(config.FileSource(path))
	require.NoError(t, err, "NewStore")

	vars := new(expvar.Map).Init()
	boom := roomcast.HandlerFunc(func(_ context.Context, _ *roomcast.Conn, _ message.Msg) {
		panic("boom")
	})

	closed := make(chan error, 1)
	srv := &roomcast.Server{
		Config:        store,
		CheckInterval: time.Minute,
		Handler:       PanicRecover(boom, vars),
		ConnState: func(c *roomcast.Conn, cs roomcast.ConnState) {
			if cs == roomcast.Closed {
				closed <- c.CloseErr
			}
		},
	}
	url := wstest.StartServer(t, srv)

	conn := wstest.Dial(t, url)
	wstest.SendJSON(t, conn, map[string]interface{}{"type": "comment", "comment": "hi"})

	select {
	case cerr := <-closed:
		assert.EqualError(t, cerr, "boom", "panic value recorded as CloseErr")
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after panic")
	}
	assert.Equal(t, "1", vars.Get("RecoveredPanics").String(), "RecoveredPanics")
}
