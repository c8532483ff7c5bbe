package app

import (
	"errors"

	"versioncoffee/pkg/store"
)

var (
	// ErrUnauthenticated covers every credential and identity failure. The
	// cause is wrapped for logs and never shown to clients.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput is a request the gateway refuses before any upstream call.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidLogin is a wrong email or password.
	ErrInvalidLogin = errors.New("invalid email or password")
	// ErrEmailTaken is returned on signup with a registered email.
	ErrEmailTaken = store.ErrEmailTaken
	// ErrTurnInFlight is returned while the user's previous turn is still running.
	ErrTurnInFlight = store.ErrTurnInFlight
)
