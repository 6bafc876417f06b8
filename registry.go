package roomcast

import "sync"

// registry owns the set of active connections, indexed by connection
// id. It is the authoritative map from session id to session state;
// the liveness monitor holds only ids and resolves them here.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Conn)}
}

func (r *registry) add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// route delivers the serialized payload to every registered connection
// in room, or only to the connection identified by to if it is set.
// This single rule implements both broadcast and unicast. It returns
// the number of connections the payload was queued for.
func (r *registry) route(room, to string, payload []byte) int {
	if room == "" {
		return 0
	}

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Room() != room {
			continue
		}
		if to != "" && c.ID != to {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	// enqueue outside the registry lock: a full queue triggers a close
	// sequence on the receiver and must not stall the fan-out.
	for _, c := range targets {
		c.enqueue(payload)
	}
	return len(targets)
}
