package roomcast

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/context"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mna/roomcast/internal/wswriter"
	"github.com/mna/roomcast/message"
)

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closed
)

const (
	// defaultSendQueueSize is the capacity of a connection's outbound
	// queue when Server.SendQueueSize is unset. It must exceed the
	// backpressure message threshold so that the monitor can observe a
	// queue over the limit before the queue itself overflows.
	defaultSendQueueSize = 1024

	// soundReplayWindow is the debounce window of the sound trigger
	// command. Repeats from the same sender within the window reuse
	// the previously stamped timestamp.
	soundReplayWindow = 3000 * time.Millisecond

	// controlWriteWait is the deadline used for ping and close control
	// frames when the server has no write timeout configured.
	controlWriteWait = 10 * time.Second
)

// Close and eviction errors recorded as Conn.CloseErr.
var (
	ErrNotAuthenticated       = errors.New("roomcast: message received before authentication")
	ErrPingTimeout            = errors.New("roomcast: liveness ping timed out")
	ErrTooManyPendingMessages = errors.New("roomcast: too many pending messages")
	ErrAcnFailed              = errors.New("roomcast: authentication failed")
	ErrInvalidMessage         = errors.New("roomcast: invalid message")
)

// outFrame is one entry of a connection's outbound queue. If closeCode
// is non-zero, the pump writes data as a final text frame, follows it
// with a close frame carrying reason, and tears the connection down
// with err as CloseErr.
type outFrame struct {
	data      []byte
	closeCode int
	reason    string
	err       error
}

// Conn is one client connection of the relay. Each connection is
// identified by an id derived from its remote address and a random
// nonce, stable for the connection's lifetime; the id is the unicast
// routing address and the "from" stamp on routed messages. It is safe
// to call methods on a Conn concurrently, but the fields should be
// treated as read-only.
type Conn struct {
	// ID is the unique identifier of the connection.
	ID string

	// CloseErr is the error, if any, that caused the connection
	// to close. Must only be accessed after the close notification
	// has been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	wsConn *websocket.Conn
	srv    *Server
	out    chan outFrame

	// mutable session state, owned by mu so that the inbound frame
	// path and the monitor sweep never race.
	mu          sync.Mutex
	room        string
	alive       bool
	lastPong    time.Time
	lastTrigger time.Time
	slot        int
	closing     bool

	// in-flight backpressure counters, incremented before a send is
	// queued and decremented when the frame has been written.
	pendingMsgs  int64
	pendingChars int64

	closeOnce sync.Once
	kill      chan struct{}
}

// connID derives a connection id by hashing the remote address (host
// and port) together with a random nonce.
func connID(remote net.Addr) string {
	addr := "unknown"
	if remote != nil {
		addr = remote.String()
	}
	h := sha256.Sum256([]byte(addr + "|" + uuid.NewRandom().String()))
	return hex.EncodeToString(h[:16])
}

func newConn(c *websocket.Conn, srv *Server) *Conn {
	size := srv.SendQueueSize
	if size <= 0 {
		size = defaultSendQueueSize
	}
	return &Conn{
		ID:     connID(c.RemoteAddr()),
		wsConn: c,
		srv:    srv,
		out:    make(chan outFrame, size),
		alive:  true,
		slot:   -1,
		kill:   make(chan struct{}),
	}
}

// UnderlyingConn returns the underlying websocket connection. Care
// should be taken when using the websocket connection directly, as it
// may interfere with the normal connection behaviour.
func (c *Conn) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// CloseNotify returns a signal channel that is closed when the
// Conn is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// Subprotocol returns the negotiated protocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.wsConn.Subprotocol()
}

// Room returns the room the connection is authenticated into, or an
// empty string if it has not authenticated yet.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// pong records a pong from the peer, flipping the connection back to
// alive before the next sweep of its partition.
func (c *Conn) pong(now time.Time) {
	c.mu.Lock()
	c.alive = true
	c.lastPong = now
	c.mu.Unlock()
}

// beginPing marks the connection as awaiting a pong. The flag is
// cleared by the pong handler; if it is still set at the next sweep,
// the connection is considered dead.
func (c *Conn) beginPing() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

func (c *Conn) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// LastPong returns the time of the last pong received from the peer,
// or the zero time if none was received yet.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Conn) setSlot(slot int) {
	c.mu.Lock()
	c.slot = slot
	c.mu.Unlock()
}

func (c *Conn) slotIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// Pending returns the in-flight backpressure counters: the number of
// queued outbound messages and their cumulative serialized byte size.
func (c *Conn) Pending() (msgs, chars int64) {
	return atomic.LoadInt64(&c.pendingMsgs), atomic.LoadInt64(&c.pendingChars)
}

func (c *Conn) addPending(msgs, chars int64) {
	atomic.AddInt64(&c.pendingMsgs, msgs)
	atomic.AddInt64(&c.pendingChars, chars)
}

// triggerStamp returns the timestamp in unix milliseconds to stamp on
// a sound trigger event. Repeats within the replay window reuse the
// previously recorded instant so that spam-clicking by a single
// sender cannot generate distinguishable trigger events room-wide.
func (c *Conn) triggerStamp(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastTrigger.IsZero() && now.Sub(c.lastTrigger) < soundReplayWindow {
		return c.lastTrigger.UnixMilli()
	}
	c.lastTrigger = now
	return now.UnixMilli()
}

// isClosing returns true once a close sequence has been queued or the
// connection has been closed. The monitor uses it to avoid pinging a
// socket mid-teardown.
func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Conn) setClosing() (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first = !c.closing
	c.closing = true
	return first
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. It does not send a websocket close
// message, nor does it close the underlying websocket connection. As
// with all Conn methods, it is safe to call concurrently, but only
// the first call will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.setClosing()
		c.CloseErr = err
		close(c.kill)
	})
}

// terminate forcibly closes the connection without a close handshake.
// Used by the monitor for peers that stopped answering pings, and for
// protocol violations that do not warrant a structured error.
func (c *Conn) terminate(err error) {
	c.Close(err)
	c.wsConn.Close()
}

// closeWith queues a close sequence: a structured error frame, then a
// close frame carrying code and the error as reason. If the outbound
// queue cannot accept the sequence the connection is terminated
// abruptly instead.
func (c *Conn) closeWith(code int, e *message.Error, err error) {
	if !c.setClosing() {
		return
	}

	b, merr := json.Marshal(e)
	if merr != nil {
		c.terminate(err)
		return
	}

	c.addPending(1, int64(len(b)))
	select {
	case c.out <- outFrame{data: b, closeCode: code, reason: e.CloseReason(), err: err}:
	default:
		c.addPending(-1, -int64(len(b)))
		c.terminate(err)
	}
}

// evictBackpressure closes the connection as a slow consumer, with
// the distinct TOO_MANY_PENDING_MESSAGES code and an explanatory
// payload.
func (c *Conn) evictBackpressure(why string) {
	c.closeWith(message.CloseTooManyPendingMessages,
		message.NewError(message.TooManyPendingMessages, why),
		ErrTooManyPendingMessages)
}

// enqueue queues a serialized message for delivery to the peer. The
// call never blocks: a full queue means the consumer cannot drain its
// sends, so the connection is evicted instead of buffering further.
func (c *Conn) enqueue(b []byte) {
	if c.isClosing() {
		return
	}

	c.addPending(1, int64(len(b)))
	select {
	case c.out <- outFrame{data: b}:
	default:
		c.addPending(-1, -int64(len(b)))
		c.evictBackpressure("send queue full")
	}
}

// Send sends the message to the client. It calls the server's
// Handler if any, or ProcessMsg if nil.
func (c *Conn) Send(m message.Msg) {
	if h := c.srv.Handler; h != nil {
		h.Handle(context.Background(), c, m)
	} else {
		ProcessMsg(c, m)
	}
}

func (c *Conn) controlDeadline() time.Time {
	wait := c.srv.WriteTimeout
	if wait <= 0 {
		wait = controlWriteWait
	}
	return time.Now().Add(wait)
}

// ping sends a ping control frame to the peer. Write errors are left
// for the next sweep to detect via the missing pong.
func (c *Conn) ping() {
	c.wsConn.WriteControl(websocket.PingMessage, nil, c.controlDeadline())
}

func (c *Conn) writeFrame(b []byte) error {
	w := wswriter.Frame(c.wsConn, c.srv.WriteTimeout, c.srv.WriteLimit)
	_, err := w.Write(b)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// writePump is the write loop, started in its own goroutine. It is
// the only writer of data frames on the websocket connection; every
// frame it finishes writing completes that send and releases its
// backpressure counters.
func (c *Conn) writePump() {
	if c.srv.Vars != nil {
		c.srv.Vars.Add("TotalConnGoros", 1)
		c.srv.Vars.Add("ActiveConnGoros", 1)
		defer c.srv.Vars.Add("ActiveConnGoros", -1)
	}

	for {
		select {
		case f := <-c.out:
			err := c.writeFrame(f.data)
			c.addPending(-1, -int64(len(f.data)))
			if err != nil {
				if err == wswriter.ErrWriteLimitExceeded && c.srv.Vars != nil {
					c.srv.Vars.Add("WriteLimitExceeded", 1)
				}
				c.terminate(err)
				return
			}
			if f.closeCode > 0 {
				c.wsConn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(f.closeCode, f.reason),
					c.controlDeadline())
				c.Close(f.err)
				return
			}

		case <-c.kill:
			return
		}
	}
}

// receive is the read loop, started in its own goroutine. Within one
// connection, frames are processed in arrival order.
func (c *Conn) receive() {
	if c.srv.Vars != nil {
		c.srv.Vars.Add("TotalConnGoros", 1)
		c.srv.Vars.Add("ActiveConnGoros", 1)
		defer c.srv.Vars.Add("ActiveConnGoros", -1)
	}

	for {
		c.wsConn.SetReadDeadline(time.Time{})

		// NextReader returns with an error once a connection is closed,
		// so this loop doesn't need to check the c.kill channel.
		mt, r, err := c.wsConn.NextReader()
		if err != nil {
			c.Close(err)
			return
		}
		if mt != websocket.TextMessage {
			c.Close(fmt.Errorf("invalid websocket message type: %d", mt))
			return
		}
		if to := c.srv.ReadTimeout; to > 0 {
			c.wsConn.SetReadDeadline(time.Now().Add(to))
		}

		m, err := message.Unmarshal(r)
		if err != nil {
			c.closeWith(message.CloseInvalidMessage,
				message.NewError(message.InvalidMessage, "unrecognized message"),
				ErrInvalidMessage)
			return
		}

		if h := c.srv.Handler; h != nil {
			h.Handle(context.Background(), c, m)
		} else {
			ProcessMsg(c, m)
		}
	}
}
