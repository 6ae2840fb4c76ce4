package cdm

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Request carries what a CDM needs to build a license challenge
type Request struct {
	WRMHeader       string
	RevocationLists string
	ClientVersion   string
	// SessionHint is the page's DRM session id. Implementations that keep
	// their own sessions use it to pair Generate with the later Parse.
	SessionHint string
}

// Key is one content key from a license
type Key struct {
	KeyID []byte
	Key   []byte
}

func (k Key) KIDHex() string { return hex.EncodeToString(k.KeyID) }
func (k Key) KeyHex() string { return hex.EncodeToString(k.Key) }

// CDM is the content decryption module collaborator
type CDM interface {
	// Generate builds a license challenge for the given header
	Generate(ctx context.Context, req Request) ([]byte, error)
	// Parse extracts the content keys of a license
	Parse(ctx context.Context, sessionHint string, license []byte) ([]Key, error)
}

// SessionCloser is implemented by CDMs that hold per-session state
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionHint string) error
}

// Resolver picks the CDM for the current settings
type Resolver interface {
	Resolve(ctx context.Context) (CDM, error)
}

// Error wraps a failure of the CDM collaborator
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdm %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
