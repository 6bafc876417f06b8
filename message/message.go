// Package message implements the messages of the roomcast wire protocol.
// All messages are JSON objects with a "type" field that identifies the
// shape of the rest of the payload.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownType is returned by Unmarshal when the "type" field of the
// payload does not match any known message type.
var ErrUnknownType = errors.New("message: unknown message type")

// Type indicates the type of a message.
type Type int

// The list of supported message types.
const (
	UnknownMsg Type = iota
	AcnMsg          // authentication request (credentials or token)
	CommentMsg      // room-scoped chat line
	AppMsg          // application envelope (poll lifecycle, sound trigger, ...)
	AcnOKMsg        // server: authentication success, carries the session token
	ErrorMsg        // server: structured error
)

var lookupType = []string{
	UnknownMsg: "UNKNOWN",
	AcnMsg:     "ACN",
	CommentMsg: "COMMENT",
	AppMsg:     "APP",
	AcnOKMsg:   "ACNOK",
	ErrorMsg:   "ERROR",
}

// String returns the human-readable representation of message types.
func (t Type) String() string {
	if t >= 0 && int(t) < len(lookupType) {
		return lookupType[t]
	}
	return fmt.Sprintf("<unknown: %d>", t)
}

// IsRead returns true if the message type is a client-sent message
// (a "read" from the point of view of the server).
func (t Type) IsRead() bool {
	return t == AcnMsg || t == CommentMsg || t == AppMsg
}

// IsWrite returns true if the message type is a server-sent message.
func (t Type) IsWrite() bool {
	return t == AcnOKMsg || t == ErrorMsg || t == CommentMsg || t == AppMsg
}

// Error codes sent in Error payloads and as close reasons.
const (
	AcnFailed              = "ACN_FAILED"
	InvalidMessage         = "INVALID_MESSAGE"
	TooManyPendingMessages = "TOO_MANY_PENDING_MESSAGES"
)

// Websocket close codes matching the error kinds. They live in the
// 4000-4999 range reserved for private use by RFC 6455.
const (
	CloseAcnFailed              = 4401
	CloseInvalidMessage         = 4400
	CloseTooManyPendingMessages = 4429
)

// Msg defines the common method for all messages.
type Msg interface {
	// Type returns the message type.
	Type() Type
}

// Acn is an authentication request. It carries either a room name and
// credential hash, or a previously issued session token.
type Acn struct {
	Room     string `json:"room,omitempty"`
	Hash     string `json:"hash,omitempty"`
	LongLife bool   `json:"longLife,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Type of the message.
func (a *Acn) Type() Type { return AcnMsg }

// IsToken returns true if the request authenticates with a token
// rather than with a room and credential hash.
func (a *Acn) IsToken() bool { return a.Token != "" }

// MarshalJSON marshals the authentication request with its type field.
func (a *Acn) MarshalJSON() ([]byte, error) {
	type alias Acn
	return json.Marshal(struct {
		Kind string `json:"type"`
		*alias
	}{Kind: "acn", alias: (*alias)(a)})
}

// Comment is a room-scoped chat line. From is stamped by the server
// before the message is routed, the other fields are client-provided.
type Comment struct {
	From    string `json:"from,omitempty"`
	Comment string `json:"comment"`
	TS      int64  `json:"ts,omitempty"`
	Pinned  bool   `json:"pinned,omitempty"`
}

// Type of the message.
func (c *Comment) Type() Type { return CommentMsg }

// MarshalJSON marshals the comment with its type field.
func (c *Comment) MarshalJSON() ([]byte, error) {
	type alias Comment
	return json.Marshal(struct {
		Kind string `json:"type"`
		*alias
	}{Kind: "comment", alias: (*alias)(c)})
}

// App is the generic application envelope. Beyond the command name and
// the optional unicast recipient, the fields are command-specific and
// are carried through the relay untouched, so the envelope keeps the
// full decoded field set.
type App struct {
	fields map[string]interface{}
}

// NewApp creates an application envelope with the given command and
// fields. The "type" and "cmd" entries of fields, if present, are
// overwritten.
func NewApp(cmd string, fields map[string]interface{}) *App {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["type"] = "app"
	fields["cmd"] = cmd
	return &App{fields: fields}
}

// Type of the message.
func (a *App) Type() Type { return AppMsg }

// Cmd returns the application command name (e.g. "poll/start",
// "sound/play"), or an empty string if it is absent.
func (a *App) Cmd() string {
	s, _ := a.fields["cmd"].(string)
	return s
}

// To returns the recipient session id for unicast envelopes, or an
// empty string for broadcasts.
func (a *App) To() string {
	s, _ := a.fields["to"].(string)
	return s
}

// Set sets a field on the envelope, overwriting any client-provided
// value. It is used by the server to stamp from and ts.
func (a *App) Set(key string, v interface{}) {
	a.fields[key] = v
}

// Get returns the raw value of a field of the envelope.
func (a *App) Get(key string) interface{} {
	return a.fields[key]
}

// MarshalJSON marshals the full field set of the envelope.
func (a *App) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.fields)
}

// UnmarshalJSON unmarshals the full field set of the envelope.
func (a *App) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &a.fields)
}

// AcnOK is the server response to a successful authentication. It
// carries the session token that the client presents on reconnection.
type AcnOK struct {
	Attrs AcnOKAttrs `json:"attrs"`
}

// AcnOKAttrs is the attributes object of an AcnOK message.
type AcnOKAttrs struct {
	Token string `json:"token"`
}

// NewAcnOK creates an AcnOK message carrying the token.
func NewAcnOK(token string) *AcnOK {
	return &AcnOK{Attrs: AcnOKAttrs{Token: token}}
}

// Type of the message.
func (a *AcnOK) Type() Type { return AcnOKMsg }

// MarshalJSON marshals the authentication response with its type field.
func (a *AcnOK) MarshalJSON() ([]byte, error) {
	type alias AcnOK
	return json.Marshal(struct {
		Kind string `json:"type"`
		*alias
	}{Kind: "acn", alias: (*alias)(a)})
}

// Error is a server-sent structured error.
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewError creates an Error message with the given code and text.
func NewError(code, msg string) *Error {
	return &Error{Error: code, Message: msg}
}

// Type of the message.
func (e *Error) Type() Type { return ErrorMsg }

// MarshalJSON marshals the error with its type field.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Kind string `json:"type"`
		*alias
	}{Kind: "error", alias: (*alias)(e)})
}

// CloseReason returns the error serialized for use as a websocket close
// reason. Control frame payloads are limited to 125 bytes, so the
// message text is dropped if the full body does not fit.
func (e *Error) CloseReason() string {
	b, err := json.Marshal(e)
	if err != nil || len(b) > 123 {
		b, _ = json.Marshal(&Error{Error: e.Error})
	}
	return string(b)
}

type partialMsg struct {
	Kind string `json:"type"`
}

// Unmarshal decodes a message read from r, classifying it by its
// "type" field. It returns ErrUnknownType (possibly wrapped) if the
// type is missing or unknown.
func Unmarshal(r io.Reader) (Msg, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	var pm partialMsg
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, err
	}

	var m Msg
	switch pm.Kind {
	case "acn":
		var acn Acn
		if err := json.Unmarshal(raw, &acn); err != nil {
			return nil, err
		}
		m = &acn

	case "comment":
		var c Comment
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		m = &c

	case "app":
		var app App
		if err := json.Unmarshal(raw, &app); err != nil {
			return nil, err
		}
		m = &app

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, pm.Kind)
	}
	return m, nil
}
