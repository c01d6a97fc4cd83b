// Package identity keeps an anonymous device identifier alive across several
// independent storage backends and reconciles them into the single canonical
// value the server sees.
package identity

import (
	"context"
	"errors"
	"time"
)

// Capability describes whether a backend answers immediately or has to
// suspend the caller.
type Capability string

const (
	Synchronous  Capability = "synchronous"
	Asynchronous Capability = "asynchronous"
)

// Scope describes how widely a backend's contents are shared.
type Scope string

const (
	// ScopeSession is private to one session and survives a corrective reload.
	ScopeSession Scope = "session"
	// ScopeOrigin is shared by every session of the same origin and persists.
	ScopeOrigin Scope = "origin"
	// ScopeDevice is shared device-wide through an external store.
	ScopeDevice Scope = "device"
	// ScopeEphemeral lives only as long as the current page and is the
	// last-resort backup location.
	ScopeEphemeral Scope = "ephemeral"
)

// Descriptor identifies a backend for logging and priority ordering.
type Descriptor struct {
	Name       string
	Capability Capability
	Scope      Scope
}

// ErrUnavailable signals that a backend could not be opened or accessed.
// Callers treat it the same as an absent value.
var ErrUnavailable = errors.New("identity: backend unavailable")

// Backend is pure transport for one storage location. Implementations catch
// every internal failure at this boundary and surface it as an absent value
// or an error, never a panic. They do not validate identifier shape.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, writtenAt time.Time) error
}

// Adapter pairs a backend with its descriptor. The order of adapters handed
// to the engine encodes backup-lookup priority.
type Adapter struct {
	Descriptor
	Backend
}

// Config carries every knob the subsystem needs. It is constructed once and
// passed in explicitly; the package holds no mutable state of its own.
type Config struct {
	// Key is the storage key the identifier is filed under in every backend.
	Key string
	// CookieName names the canonical channel the server also reads.
	CookieName string
	// CookieTTL is how long a canonical write stays valid.
	CookieTTL time.Duration
	// Cooldown is the loop-guard window during which no second corrective
	// reload may happen.
	Cooldown time.Duration
	// CodecSalt seeds the obfuscation codec.
	CodecSalt string
}

// DefaultConfig mirrors what the blog frontend ships with.
func DefaultConfig() Config {
	return Config{
		Key:        "device_uuid",
		CookieName: "device_uuid",
		CookieTTL:  365 * 24 * time.Hour,
		Cooldown:   5 * time.Second,
		CodecSalt:  "sweetblog",
	}
}
