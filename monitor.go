package roomcast

import (
	"expvar"
	"sync"
	"time"
)

const (
	// monitorSlots is the number of time-staggered partitions the
	// active connections are spread over. Starting each partition's
	// timer offset by interval/monitorSlots spreads the ping burst and
	// its pong replies evenly across the whole interval, with no
	// change in per-connection check frequency.
	monitorSlots = 7

	// defaultCheckInterval is the period of each partition's sweep
	// when Server.CheckInterval is unset.
	defaultCheckInterval = 7 * time.Second

	// Backpressure eviction thresholds. A connection whose outbound
	// queue cannot drain is a slow consumer; unacknowledged sends
	// accumulating without bound are a server-side memory leak, so
	// eviction is the fail-fast response.
	maxPendingMessages = 500
	maxPendingChars    = 5000
)

// monitor is the liveness and backpressure monitor. It partitions the
// active connections into monitorSlots groups, each swept on its own
// staggered recurring timer.
type monitor struct {
	reg      *registry
	interval time.Duration
	logFn    func(string, ...interface{})
	vars     *expvar.Map

	// onTick is fired once per global sweep (on partition 0's tick),
	// for the opportunistic config reload.
	onTick func()

	mu      sync.Mutex
	slots   [monitorSlots][]string
	timers  [monitorSlots]*time.Timer
	stopped chan struct{}
	done    bool
}

func newMonitor(reg *registry, interval time.Duration, logFn func(string, ...interface{}), vars *expvar.Map) *monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &monitor{
		reg:      reg,
		interval: interval,
		logFn:    logFn,
		vars:     vars,
		stopped:  make(chan struct{}),
	}
}

func (m *monitor) logf(f string, args ...interface{}) {
	if m.logFn != nil {
		m.logFn(f, args...)
	}
}

func (m *monitor) addVar(name string, n int64) {
	if m.vars != nil {
		m.vars.Add(name, n)
	}
}

// start begins partition 0's timer immediately and schedules each
// following partition's timer start interval/monitorSlots later than
// the previous one.
func (m *monitor) start() {
	step := m.interval / monitorSlots
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	for k := 0; k < monitorSlots; k++ {
		k := k
		m.timers[k] = time.AfterFunc(time.Duration(k)*step, func() {
			m.run(k)
		})
	}
}

// stop cancels all partition timers and the staggered-start schedule,
// and clears the partition lists. It is idempotent.
func (m *monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.done = true
	close(m.stopped)
	for k, t := range m.timers {
		if t != nil {
			t.Stop()
		}
		m.slots[k] = nil
	}
}

// run is one partition's sweep loop, running in the goroutine spawned
// by its staggered-start timer.
func (m *monitor) run(slot int) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	m.sweep(slot)
	for {
		select {
		case <-tick.C:
			m.sweep(slot)
		case <-m.stopped:
			return
		}
	}
}

// add assigns the connection to the partition currently holding the
// fewest connections (lowest index on ties) and registers the pong
// handler. The handler resolves the connection by id through the
// registry rather than capturing the object, the registry stays the
// sole owner of session state.
func (m *monitor) add(c *Conn) {
	m.mu.Lock()
	best := 0
	for k := 1; k < monitorSlots; k++ {
		if len(m.slots[k]) < len(m.slots[best]) {
			best = k
		}
	}
	m.slots[best] = append(m.slots[best], c.ID)
	m.mu.Unlock()

	c.setSlot(best)

	id, reg := c.ID, m.reg
	c.UnderlyingConn().SetPongHandler(func(string) error {
		if cc, ok := reg.get(id); ok {
			cc.pong(time.Now())
		}
		return nil
	})
}

// remove splices the connection out of its partition. A connection
// that was never assigned a partition is a no-op.
func (m *monitor) remove(c *Conn) {
	slot := c.slotIndex()
	if slot < 0 {
		return
	}

	m.mu.Lock()
	ids := m.slots[slot]
	for i, id := range ids {
		if id == c.ID {
			m.slots[slot] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// sweep runs one pass over a partition. For each connection: a missing
// pong since the previous ping terminates it abruptly (and skips the
// backpressure check this tick); a closing transport is not pinged;
// otherwise the connection is marked as awaiting a pong and pinged.
// Backpressure over the thresholds closes the connection unless it was
// already terminated.
func (m *monitor) sweep(slot int) {
	m.mu.Lock()
	ids := append([]string(nil), m.slots[slot]...)
	m.mu.Unlock()

	for _, id := range ids {
		c, ok := m.reg.get(id)
		if !ok {
			// deregistration in flight
			continue
		}

		terminated := false
		if !c.isAlive() {
			m.addVar("EvictedUnresponsive", 1)
			m.logf("%v: no pong since last ping, terminating", c.ID)
			c.terminate(ErrPingTimeout)
			terminated = true
		} else if !c.isClosing() {
			c.beginPing()
			c.ping()
		}

		if !terminated {
			msgs, chars := c.Pending()
			if msgs > maxPendingMessages || chars > maxPendingChars {
				m.addVar("EvictedBackpressure", 1)
				m.logf("%v: %d pending messages (%d bytes), evicting slow consumer", c.ID, msgs, chars)
				c.evictBackpressure("outbound queue exceeded limits")
			}
		}
	}

	if slot == 0 && m.onTick != nil {
		m.onTick()
	}
}
