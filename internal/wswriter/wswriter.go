// Package wswriter implements the frame writer used by a connection's
// write pump. The pump is the single writer of data frames on a
// websocket connection, so the writer's job is limited to enforcing
// the write deadline and the outgoing message size limit.
package wswriter

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriteLimitExceeded is returned when a write would exceed the
// configured limit on outgoing message size.
var ErrWriteLimitExceeded = errors.New("roomcast: write limit exceeded")

// Writer implements an io.WriteCloser that writes a single text
// message to a websocket connection. It is not safe for concurrent
// use.
type Writer struct {
	w            io.WriteCloser
	init         bool
	writeTimeout time.Duration
	limit        int64
	wsConn       *websocket.Conn
}

// Frame creates a writer for one text message on conn. If
// writeTimeout is positive it is set as the write deadline before the
// first write, and if limit is positive writes beyond that many bytes
// fail with ErrWriteLimitExceeded.
func Frame(conn *websocket.Conn, writeTimeout time.Duration, limit int64) *Writer {
	return &Writer{
		writeTimeout: writeTimeout,
		limit:        limit,
		wsConn:       conn,
	}
}

// Write writes p as part of the current text message. The first call
// acquires the message writer from the websocket connection and sets
// the write deadline.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.init {
		w.init = true
		if to := w.writeTimeout; to > 0 {
			w.wsConn.SetWriteDeadline(time.Now().Add(to))
		}
		wc, err := w.wsConn.NextWriter(websocket.TextMessage)
		if err != nil {
			return 0, err
		}
		w.w = wc
	}

	if w.limit > 0 {
		w.limit -= int64(len(p))
		if w.limit < 0 {
			return 0, ErrWriteLimitExceeded
		}
	}
	return w.w.Write(p)
}

// Close finishes writing the text message and clears the write
// deadline.
func (w *Writer) Close() error {
	if !w.init || w.w == nil {
		// no write, Close is a no-op
		return nil
	}

	err := w.w.Close()
	w.wsConn.SetWriteDeadline(time.Time{})
	return err
}
