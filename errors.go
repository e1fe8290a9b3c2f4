package tocks

import "errors"

// Command handling failures are recoverable: each one becomes a single
// Error notification and the run loop keeps going. These sentinels let
// handlers and tests match on the reason.
var (
	// ErrUnimplemented is returned for commands that exist on the wire but
	// have no handler yet.
	ErrUnimplemented = errors.New("not implemented")

	// ErrUnknownAccount is returned when a command references an account id
	// that is not live in the registry.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrUnknownChat is returned when a command references a chat handle the
	// account does not know about.
	ErrUnknownChat = errors.New("unknown chat")

	// ErrUnknownUser is returned when a command references a user handle the
	// account does not know about.
	ErrUnknownUser = errors.New("unknown user")

	// ErrEmptyMessage is returned when an empty message is submitted for
	// sending or splitting.
	ErrEmptyMessage = errors.New("message empty")

	// ErrNotPending is returned when accepting a friend that has no pending
	// incoming request.
	ErrNotPending = errors.New("user is not a pending friend")

	// ErrNoIncomingCall is returned when accepting a call on a chat with no
	// incoming call.
	ErrNoIncomingCall = errors.New("no incoming call for chat")
)
