// Package srvhandler implements server handlers used by the
// roomcast-server command and various tests.
package srvhandler

import (
	"expvar"
	"fmt"

	"golang.org/x/net/context"

	"github.com/mna/roomcast"
	"github.com/mna/roomcast/message"
)

// Chain returns a roomcast.Handler that calls the provided handlers
// in order, one after the other.
func Chain(hs ...roomcast.Handler) roomcast.Handler {
	return roomcast.HandlerFunc(func(ctx context.Context, c *roomcast.Conn, m message.Msg) {
		for _, h := range hs {
			h.Handle(ctx, c, m)
		}
	})
}

// PanicRecover returns a roomcast.Handler that recovers from panics
// that may happen in h. The connection is closed on a panic. If a
// non-nil vars is passed as parameter, the RecoveredPanics counter is
// incremented for each panic.
func PanicRecover(h roomcast.Handler, vars *expvar.Map) roomcast.Handler {
	return roomcast.HandlerFunc(func(ctx context.Context, c *roomcast.Conn, m message.Msg) {
		defer func() {
			if e := recover(); e != nil {
				if vars != nil {
					vars.Add("RecoveredPanics", 1)
				}

				var err error
				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				c.Close(err)
			}
		}()
		h.Handle(ctx, c, m)
	})
}

// LogConn returns a function compatible with the Server.ConnState
// field type that logs connections and disconnections to the provided
// logger function. It is not a roomcast.Handler.
func LogConn(logFn func(string, ...interface{})) func(*roomcast.Conn, roomcast.ConnState) {
	return func(c *roomcast.Conn, state roomcast.ConnState) {
		switch state {
		case roomcast.Connected:
			logFn("%v: connected from %v with subprotocol %q", c.ID, c.RemoteAddr(), c.Subprotocol())
		case roomcast.Closed:
			logFn("%v: closing from %v with error %v", c.ID, c.RemoteAddr(), c.CloseErr)
		}
	}
}

// LogMsg returns a roomcast.Handler that logs messages received or
// sent on the connection to the provided logger function.
func LogMsg(logFn func(string, ...interface{})) roomcast.Handler {
	return roomcast.HandlerFunc(func(ctx context.Context, c *roomcast.Conn, m message.Msg) {
		if m.Type().IsRead() {
			logFn("%v: received message %s", c.ID, m.Type())
		} else {
			logFn("%v: sending message %s", c.ID, m.Type())
		}
	})
}
