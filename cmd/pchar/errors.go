package main

import (
	"errors"
	"fmt"

	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/script"
	"github.com/srg/pchar/pkg/config"
)

// Command-level errors
var (
	// ErrUnknownCommand is returned by the serve console for an unrecognised line.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMismatch means the demo consumer did not read back what the producer wrote.
	ErrMismatch = errors.New("data mismatch")
)

// FormatUserError turns an error chain into a one-line message with a hint
// for the failures a user can fix.
func FormatUserError(err error) string {
	var scriptErr *script.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		return scriptErr.Error()
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("%v (check the --config file and flags)", err)
	case errors.Is(err, pchar.ErrNoDevice):
		return fmt.Sprintf("%v (raise --devices)", err)
	case errors.Is(err, pchar.ErrOutOfMemory):
		return fmt.Sprintf("%v (lower --capacity or raise max_capacity)", err)
	default:
		return err.Error()
	}
}
