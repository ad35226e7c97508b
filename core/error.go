package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when a room lookup by id or code misses.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPrivateRoom is returned when joining a private room without prior membership.
	ErrPrivateRoom = errors.New("this room is private. you need an invitation to join")
	// ErrNoActiveRoom is returned when a message is sent without an active room.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrUnauthenticated is returned when an operation requires a signed-in session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrBadCredentials is returned when signing in with an unknown email or wrong password.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrEmailInUse is returned when registering an email that already has an account.
	ErrEmailInUse = errors.New("email already in use")
	// ErrWeakPassword is returned when the password does not meet the minimum length.
	ErrWeakPassword = errors.New("password should be at least 6 characters")
	// ErrFederatedSignIn is returned when a federated identity cannot be verified.
	ErrFederatedSignIn = errors.New("federated sign-in failed")
	// ErrBlobNotFound is returned when a blob path has no stored content.
	ErrBlobNotFound = errors.New("blob not found")
)

// IsAuthError reports whether err belongs to the authentication error class.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrBadCredentials) ||
		errors.Is(err, ErrEmailInUse) ||
		errors.Is(err, ErrWeakPassword) ||
		errors.Is(err, ErrFederatedSignIn) ||
		errors.Is(err, ErrUnauthenticated)
}

// IsSendError reports whether err indicates a send attempted without the
// required session or active room.
func IsSendError(err error) bool {
	return errors.Is(err, ErrNoActiveRoom) || errors.Is(err, ErrUnauthenticated)
}

var (
	// ErrStoreRead matches any StoreError produced by a failed read.
	ErrStoreRead = errors.New("store read failed")
	// ErrStoreWrite matches any StoreError produced by a failed write.
	ErrStoreWrite = errors.New("store write failed")
)

const (
	opRead  = "read"
	opWrite = "write"
)

// StoreError wraps a failed store operation with the path it targeted.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrStoreRead:
		return e.Op == opRead
	case ErrStoreWrite:
		return e.Op == opWrite
	}
	return false
}

func newStoreReadError(path string, err error) error {
	return &StoreError{Op: opRead, Path: path, Err: err}
}

func newStoreWriteError(path string, err error) error {
	return &StoreError{Op: opWrite, Path: path, Err: err}
}
