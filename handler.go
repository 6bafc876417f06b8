package roomcast

import (
	"encoding/json"
	"errors"
	"expvar"
	"time"

	"golang.org/x/net/context"

	"github.com/mna/roomcast/message"
	"github.com/mna/roomcast/token"
)

// SlowProcessMsgThreshold defines the threshold at which calls to
// ProcessMsg are marked as slow in the expvar metrics, if Server.Vars
// is set. Set to 0 to disable SlowProcessMsg metrics.
var SlowProcessMsgThreshold = 100 * time.Millisecond

// soundPlayCmd is the application command subject to the trigger
// debounce rule.
const soundPlayCmd = "sound/play"

// Handler defines the method required for a server to handle a send or
// receive of a Msg over a connection.
type Handler interface {
	Handle(context.Context, *Conn, message.Msg)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(context.Context, *Conn, message.Msg)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, c *Conn, m message.Msg) {
	h(ctx, c, m)
}

func saveMsgMetrics(vars *expvar.Map, m message.Msg) func() {
	vars.Add("Msgs", 1)
	if m.Type().IsRead() {
		vars.Add("MsgsRead", 1)
	}
	vars.Add("Msgs"+m.Type().String(), 1)

	if SlowProcessMsgThreshold > 0 {
		start := time.Now()
		return func() {
			dur := time.Now().Sub(start)
			if dur >= SlowProcessMsgThreshold {
				vars.Add("SlowProcessMsg", 1)
			}
		}
	}
	return nil
}

// ProcessMsg implements the standard message processing. Client-sent
// messages run the authentication state machine and the router:
// authentication requests consult the config snapshot and the token
// service, and comment/app messages from an authenticated connection
// are stamped with the sender id, serialized once, and routed to every
// connection in the sender's room (or only to the addressed connection
// for unicast envelopes). Server-sent messages are serialized and
// queued for delivery, counted against the receiver's backpressure.
//
// When a custom Handler is set on the Server, it should at some point
// call ProcessMsg so the expected behaviour happens.
func ProcessMsg(c *Conn, m message.Msg) {
	if c.srv.Vars != nil {
		if fn := saveMsgMetrics(c.srv.Vars, m); fn != nil {
			defer fn()
		}
	}

	switch m := m.(type) {
	case *message.Acn:
		processAcn(c, m)

	case *message.Comment:
		room := c.Room()
		if room == "" {
			// protocol violation, the peer never earned a room
			c.terminate(ErrNotAuthenticated)
			return
		}
		m.From = c.ID
		b, err := json.Marshal(m)
		if err != nil {
			c.Close(err)
			return
		}
		c.srv.reg.route(room, "", b)

	case *message.App:
		room := c.Room()
		if room == "" {
			c.terminate(ErrNotAuthenticated)
			return
		}
		m.Set("from", c.ID)
		if m.Cmd() == soundPlayCmd {
			m.Set("ts", c.triggerStamp(time.Now()))
		}
		b, err := json.Marshal(m)
		if err != nil {
			c.Close(err)
			return
		}
		c.srv.reg.route(room, m.To(), b)

	case *message.AcnOK, *message.Error:
		b, err := json.Marshal(m)
		if err != nil {
			c.Close(err)
			return
		}
		c.enqueue(b)

	default:
		if c.srv.Vars != nil {
			c.srv.Vars.Add("MsgsUnknown", 1)
		}
		c.closeWith(message.CloseInvalidMessage,
			message.NewError(message.InvalidMessage, "unrecognized message"),
			ErrInvalidMessage)
	}
}

// processAcn runs the authentication transitions. A connection may
// re-authenticate at any time; the room set by the latest successful
// authentication wins.
func processAcn(c *Conn, m *message.Acn) {
	snap := c.srv.Config.Snapshot()

	if m.IsToken() {
		claims, err := c.srv.tokens().Verify(snap.VerificationKey, m.Token)
		switch {
		case err == nil:
			c.setRoom(claims.Room)
			// echo the token back as confirmation, this is the silent
			// reconnection path
			c.Send(message.NewAcnOK(m.Token))

		case errors.Is(err, token.ErrExpired):
			// soft failure: the payload was genuine, let the client
			// re-present credentials without dropping the connection
			if c.srv.Vars != nil {
				c.srv.Vars.Add("AuthFailures", 1)
			}
			c.Send(message.NewError(message.AcnFailed, "token expired"))

		default:
			if c.srv.Vars != nil {
				c.srv.Vars.Add("AuthFailures", 1)
			}
			c.closeWith(message.CloseAcnFailed,
				message.NewError(message.AcnFailed, "invalid token"),
				ErrAcnFailed)
		}
		return
	}

	if !snap.Authorize(m.Room, m.Hash) {
		if c.srv.Vars != nil {
			c.srv.Vars.Add("AuthFailures", 1)
		}
		// generic message, no hint about which of room or hash was wrong
		c.closeWith(message.CloseAcnFailed,
			message.NewError(message.AcnFailed, "invalid room or hash"),
			ErrAcnFailed)
		return
	}

	tok, err := c.srv.tokens().Issue(snap.SigningKey, m.Room, m.LongLife)
	if err != nil {
		c.srv.logf("%v: token issue failed: %v", c.ID, err)
		c.closeWith(message.CloseAcnFailed,
			message.NewError(message.AcnFailed, "authentication failed"),
			err)
		return
	}

	c.setRoom(m.Room)
	c.Send(message.NewAcnOK(tok))
}
