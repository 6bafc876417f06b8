package roomcast

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mna/roomcast/config"
	"github.com/mna/roomcast/token"
)

// Subprotocols is the list of roomcast protocol versions supported by
// this package. It should be set as-is on the websocket.Upgrader
// Subprotocols field.
var Subprotocols = []string{
	"roomcast.0",
}

func isInStr(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}

// Server is a roomcast relay server. Once a websocket handshake has
// been established with a roomcast subprotocol over a standard HTTP
// server, the connections can get served by this server by calling
// Server.ServeConn.
//
// The fields should not be updated once a server has started serving
// connections.
type Server struct {
	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming message. It is
	// set on the websocket connection with SetReadDeadline before
	// reading each message. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. It is
	// set on the websocket connection with SetWriteDeadline before
	// writing each message. The default of 0 means no timeout.
	WriteTimeout time.Duration

	// SendQueueSize is the capacity of each connection's outbound
	// queue. It should comfortably exceed the backpressure message
	// threshold so that the monitor evicts a slow consumer before the
	// queue overflows. Defaults to 1024.
	SendQueueSize int

	// CheckInterval is the period of each liveness partition's sweep.
	// Defaults to 7 seconds.
	CheckInterval time.Duration

	// ConnState specifies an optional callback function that is called
	// when a connection changes state. If non-nil, it is called for
	// Accepting, Connected and Closed states. Closed means closing the
	// roomcast connection, the underlying websocket connection may
	// stay connected.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closed (if the server failed to setup the connection)
	//     Accepting -> Connected
	//     Connected -> Closed
	ConnState func(*Conn, ConnState)

	// Handler is the handler that is called when a message is
	// processed. The ProcessMsg function is called if the default
	// nil value is set. If a custom handler is set, it is assumed
	// that it will call ProcessMsg at some point, or otherwise
	// manually process the messages.
	Handler Handler

	// Config is the store of room credentials and signing keys. It
	// must be set before the Server can be used. The store is asked to
	// reload once per global sweep of the liveness monitor.
	Config *config.Store

	// Tokens is the session token service. If nil, a zero
	// token.Service is used.
	Tokens *token.Service

	// HealthTick is an optional hook fired once per global sweep of
	// the liveness monitor, after the opportunistic config reload.
	HealthTick func()

	// LogFunc is the function used to log events. Defaults to no
	// logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	initOnce sync.Once
	reg      *registry
	mon      *monitor
	tokenSvc *token.Service
}

func (srv *Server) logf(f string, args ...interface{}) {
	if srv.LogFunc != nil {
		srv.LogFunc(f, args...)
	}
}

func (srv *Server) tokens() *token.Service {
	return srv.tokenSvc
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		srv.reg = newRegistry()
		srv.tokenSvc = srv.Tokens
		if srv.tokenSvc == nil {
			srv.tokenSvc = &token.Service{}
		}
		srv.mon = newMonitor(srv.reg, srv.CheckInterval, srv.LogFunc, srv.Vars)
		srv.mon.onTick = srv.healthTick
		srv.mon.start()
	})
}

// healthTick runs once per global sweep of the monitor.
func (srv *Server) healthTick() {
	if srv.Config != nil && srv.Config.Reload() && srv.Vars != nil {
		srv.Vars.Add("ConfigReloads", 1)
	}
	if fn := srv.HealthTick; fn != nil {
		fn()
	}
}

// Close stops the liveness monitor. Connections being served are not
// closed, they keep running until their peer disconnects or an error
// occurs.
func (srv *Server) Close() {
	srv.init()
	srv.mon.stop()
}

// ServeConn serves the websocket connection as a roomcast connection.
// It blocks until the roomcast connection is closed, leaving the
// websocket connection open.
func (srv *Server) ServeConn(conn *websocket.Conn) {
	srv.init()

	if srv.Vars != nil {
		srv.Vars.Add("ActiveConns", 1)
		srv.Vars.Add("TotalConns", 1)
		defer srv.Vars.Add("ActiveConns", -1)
	}

	conn.SetReadLimit(srv.ReadLimit)
	c := newConn(conn, srv)

	// start lifecycle - Accepting, and ensure Closed is called on exit
	if cs := srv.ConnState; cs != nil {
		defer func() {
			cs(c, Closed)
		}()
		cs(c, Accepting)
	}

	srv.reg.add(c)
	srv.mon.add(c)

	// switch to connected state
	if cs := srv.ConnState; cs != nil {
		cs(c, Connected)
	}

	go c.writePump()
	go c.receive()

	kill := c.CloseNotify()
	<-kill

	// deregister exactly once: from the monitor's partition first, then
	// from the registry, so a concurrent sweep never resurrects the id.
	srv.mon.remove(c)
	srv.reg.remove(c.ID)
}

// Upgrade returns an http.Handler that upgrades connections to the
// websocket protocol using upgrader. The websocket connection must be
// upgraded to a supported roomcast subprotocol otherwise the
// connection is dropped.
//
// Once connected, the websocket connection is served via srv.ServeConn.
// The websocket connection is closed when the roomcast connection is
// closed.
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// upgrade the HTTP connection to the websocket protocol
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// the agreed-upon subprotocol must be one of the supported ones.
		if !isInStr(Subprotocols, wsConn.Subprotocol()) {
			return
		}

		// this call blocks until the roomcast connection is closed
		srv.ServeConn(wsConn)
	})
}
