// Command roomcast-server implements a roomcast relay that listens
// for connections and serves them. It is mostly useful as a testing
// and debugging tool, typical applications will use the roomcast
// package as a library in their own main command.
package main

import (
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"golang.org/x/net/context"

	"github.com/gorilla/websocket"

	"github.com/mna/roomcast"
	"github.com/mna/roomcast/config"
	"github.com/mna/roomcast/internal/srvhandler"
	"github.com/mna/roomcast/message"
)

var (
	allowEmptyProtoFlag = flag.Bool("allow-empty-subprotocol", false, "Allow empty subprotocol during handshake.")
	configFlag          = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag            = flag.Bool("help", false, "Show help.")
	noLogFlag           = flag.Bool("L", false, "Disable logging.")
	portFlag            = flag.Int("port", 9000, "Server `port`.")
	roomsFlag           = flag.String("rooms", "rooms.yaml", "Path of the room credential `file`.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logFn := log.Printf
	if *noLogFlag {
		logFn = func(_ string, _ ...interface{}) {}
	}

	store, err := config.NewStore(config.FileSource(conf.Server.Rooms))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load room configuration: %v\n", err)
		os.Exit(2)
	}
	store.LogFunc = logFn
	logFn("room configuration loaded from %s (%d room(s))", conf.Server.Rooms, len(store.Snapshot().Rooms))

	srv := newServer(conf.Server, store, logFn)
	srv.Handler = newHandler(logFn)
	srv.Vars = expvar.NewMap("roomcast")
	if conf.Server.SlowProcessMsgThreshold > 0 {
		roomcast.SlowProcessMsgThreshold = conf.Server.SlowProcessMsgThreshold
	}

	upg := newUpgrader(conf.Server) // must be after newServer, for Subprotocols

	upgh := roomcast.Upgrade(upg, srv)
	for _, p := range conf.Server.Paths {
		http.Handle(p, upgh)
	}

	httpSrv := newHTTPServer(conf.Server)

	logFn("listening for connections on %s", conf.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

func newHandler(logFn func(string, ...interface{})) roomcast.Handler {
	process := roomcast.HandlerFunc(func(ctx context.Context, c *roomcast.Conn, m message.Msg) {
		roomcast.ProcessMsg(c, m)
	})

	chain := []roomcast.Handler{process}
	if !*noLogFlag {
		chain = append([]roomcast.Handler{srvhandler.LogMsg(logFn)}, chain...)
	}
	return srvhandler.PanicRecover(srvhandler.Chain(chain...), nil)
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
		Subprotocols:     roomcast.Subprotocols,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newServer(conf *Server, store *config.Store, logFn func(string, ...interface{})) *roomcast.Server {
	if conf.AllowEmptySubprotocol {
		roomcast.Subprotocols = append(roomcast.Subprotocols, "")
	}

	cs := srvhandler.LogConn(logFn)
	if *noLogFlag {
		cs = nil
	}
	return &roomcast.Server{
		ReadLimit:     conf.ReadLimit,
		ReadTimeout:   conf.ReadTimeout,
		WriteLimit:    conf.WriteLimit,
		WriteTimeout:  conf.WriteTimeout,
		SendQueueSize: conf.SendQueueSize,
		CheckInterval: conf.CheckInterval,
		ConnState:     cs,
		Config:        store,
		LogFunc:       logFn,
	}
}
