// Package config implements the hot-reloadable room credential and
// signing key configuration of the relay. The configuration is parsed
// into an immutable Snapshot that is swapped wholesale on reload, so
// concurrent readers never observe a half-updated state and never need
// a lock.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Error is the error type returned when a configuration source is
// missing, malformed or incomplete.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return "config: " + e.msg + ": " + e.err.Error()
	}
	return "config: " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(msg string, err error) *Error {
	return &Error{msg: msg, err: err}
}

// RoomCredential is a room name and the hash of its credential.
type RoomCredential struct {
	Room string `yaml:"room"`
	Hash string `yaml:"hash"`
}

// Snapshot is an immutable bundle of parsed configuration. It must not
// be mutated after creation.
type Snapshot struct {
	Rooms           []RoomCredential
	SigningKey      ed25519.PrivateKey
	VerificationKey ed25519.PublicKey
	ModTime         time.Time
}

// Authorize returns true if the snapshot contains a credential
// matching exactly the room name and hash.
func (s *Snapshot) Authorize(room, hash string) bool {
	if room == "" || hash == "" {
		return false
	}
	for _, rc := range s.Rooms {
		if rc.Room == room && rc.Hash == hash {
			return true
		}
	}
	return false
}

// Source reads configuration bytes along with their modification time.
type Source interface {
	Read() (b []byte, modTime time.Time, err error)
}

// FileSource is a Source backed by a file on disk.
type FileSource string

// Read reads the file and returns its content and modification time.
func (f FileSource) Read() ([]byte, time.Time, error) {
	fi, err := os.Stat(string(f))
	if err != nil {
		return nil, time.Time{}, err
	}
	b, err := os.ReadFile(string(f))
	if err != nil {
		return nil, time.Time{}, err
	}
	return b, fi.ModTime(), nil
}

type rawConfig struct {
	Rooms []RoomCredential `yaml:"rooms"`
	Keys  struct {
		Signing      string `yaml:"signing"`
		Verification string `yaml:"verification"`
	} `yaml:"keys"`
}

func parse(b []byte, modTime time.Time) (*Snapshot, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, newError("malformed configuration", err)
	}

	for i, rc := range raw.Rooms {
		if rc.Room == "" && rc.Hash == "" {
			return nil, newError(fmt.Sprintf("room entry %d has neither a name nor a hash", i), nil)
		}
	}

	if raw.Keys.Signing == "" {
		return nil, newError("missing signing key", nil)
	}
	kb, err := base64.StdEncoding.DecodeString(raw.Keys.Signing)
	if err != nil {
		return nil, newError("undecodable signing key", err)
	}
	var priv ed25519.PrivateKey
	switch len(kb) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(kb)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(kb)
	default:
		return nil, newError(fmt.Sprintf("signing key has invalid length %d", len(kb)), nil)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if raw.Keys.Verification != "" {
		vb, err := base64.StdEncoding.DecodeString(raw.Keys.Verification)
		if err != nil {
			return nil, newError("undecodable verification key", err)
		}
		if len(vb) != ed25519.PublicKeySize {
			return nil, newError(fmt.Sprintf("verification key has invalid length %d", len(vb)), nil)
		}
		pub = ed25519.PublicKey(vb)
	}

	return &Snapshot{
		Rooms:           raw.Rooms,
		SigningKey:      priv,
		VerificationKey: pub,
		ModTime:         modTime,
	}, nil
}

// Load reads and parses the source into a Snapshot.
func Load(src Source) (*Snapshot, error) {
	b, modTime, err := src.Read()
	if err != nil {
		return nil, newError("cannot read source", err)
	}
	return parse(b, modTime)
}

// Store holds the current Snapshot of a Source and swaps it atomically
// on reload. Reading the current snapshot is a single atomic pointer
// load.
type Store struct {
	// LogFunc is the function used to log events, defaults to no
	// logging.
	LogFunc func(string, ...interface{})

	src Source
	cur atomic.Value // *Snapshot
}

// NewStore loads the source and returns a Store holding the initial
// snapshot. Unlike reloads, the initial load fails hard on a missing
// or malformed source.
func NewStore(src Source) (*Store, error) {
	snap, err := Load(src)
	if err != nil {
		return nil, err
	}
	st := &Store{src: src}
	st.cur.Store(snap)
	return st, nil
}

func (st *Store) logf(f string, args ...interface{}) {
	if st.LogFunc != nil {
		st.LogFunc(f, args...)
	}
}

// Snapshot returns the current snapshot. The returned value is
// immutable and safe for concurrent use without locking.
func (st *Store) Snapshot() *Snapshot {
	return st.cur.Load().(*Snapshot)
}

// Reload re-reads the source and swaps in a new snapshot if the
// source's modification time is strictly greater than the current
// snapshot's. It returns true if a new snapshot was installed. A
// source that cannot be read or parsed is logged and the previous
// snapshot is retained, a corrupt configuration must never take down
// a running relay.
func (st *Store) Reload() bool {
	cur := st.Snapshot()

	b, modTime, err := st.src.Read()
	if err != nil {
		st.logf("config: reload read failed, keeping previous snapshot: %v", err)
		return false
	}
	if !modTime.After(cur.ModTime) {
		return false
	}

	snap, err := parse(b, modTime)
	if err != nil {
		st.logf("config: reload parse failed, keeping previous snapshot: %v", err)
		return false
	}

	st.cur.Store(snap)
	st.logf("config: reloaded %d room(s), source modified %v", len(snap.Rooms), modTime)
	return true
}
