// Package roomcast implements a websocket-based, room-scoped realtime
// message relay.
//
// Server
//
// The Server struct defines a roomcast server. In its simplest form,
// the following initializes a ready-to-use server:
//
//     store, err := config.NewStore(config.FileSource("rooms.yaml"))
//     // handle err
//     server := &roomcast.Server{
//       Config: store,
//     }
//
// That is, only the configuration store must be set for the server to
// start serving connections. The store holds the room credentials and
// the token signing keys, and is asked to reload whenever the backing
// source's modification time increases.
//
// Additional fields allow for more advanced configuration, such as
// read and write timeouts and limits, and custom message handling via
// the Handler. See the Server documentation for all details.
//
// The ServeConn method serves a connection using a configured Server.
// The Upgrade function creates an http.Handler that upgrades the
// connection to a websocket connection, and serves it using the
// provided Server.
//
// Authentication
//
// A new connection owns no room and may only authenticate. It sends
// either a room name with a credential hash, or a token issued by a
// previous authentication:
//
//     {"type": "acn", "room": "lobby", "hash": "..."}
//     {"type": "acn", "token": "..."}
//
// A successful authentication responds with the session token the
// client should present on reconnection:
//
//     {"type": "acn", "attrs": {"token": "..."}}
//
// Any comment or app message sent before authenticating closes the
// connection.
//
// Routing
//
// Comment and app messages from an authenticated connection are
// stamped with the sender's connection id as "from", serialized once,
// and delivered to every connection in the sender's room. An app
// envelope with a "to" field is delivered only to the connection with
// that id (still subject to the same-room rule); this is how a poll
// answer travels back to the poll's owner. The "sound/play" command is
// debounced: repeats from the same sender within 3 seconds are
// broadcast with the previously stamped timestamp.
//
// Liveness
//
// Connections are spread over seven time-staggered partitions, each
// swept every seven seconds. A connection that missed a pong since its
// last ping is terminated, and a connection holding more than 500
// pending outbound messages or 5000 pending bytes is closed as a slow
// consumer with the TOO_MANY_PENDING_MESSAGES code.
package roomcast
