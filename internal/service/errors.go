package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-realtime/internal/repository"
)

var (
	// ErrValidation marks input rejected before any state changed.
	ErrValidation = errors.New("validation failed")
	// ErrRoomFull is returned when a join would exceed the room capacity.
	ErrRoomFull = repository.ErrRoomFull
	// ErrNotFound marks a missing message, room or connection.
	ErrNotFound = errors.New("not found")
	// ErrPersistence is returned once every ledger write attempt failed.
	ErrPersistence = errors.New("delivery failed")
	// ErrTransport wraps socket write failures.
	ErrTransport = errors.New("transport failed")
	// ErrNotInRoom is returned when a connection acts on a room it has not joined.
	ErrNotInRoom = fmt.Errorf("%w: connection has not joined the room", ErrValidation)
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// validationError turns validator output into an ErrValidation carrying a
// client-readable description.
func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	parts := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		field := strings.ToLower(fieldErr.Field())
		switch fieldErr.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fieldErr.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", field, fieldErr.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, ", "))
}

// ClientMessage is the text reported to a connection for err.
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomFull):
		return "Room is full"
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	case errors.Is(err, ErrValidation):
		message := strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
		if message == "" || message == ErrValidation.Error() {
			return "Invalid request"
		}
		return message
	case errors.Is(err, ErrNotFound):
		return err.Error()
	default:
		return "An unexpected error occurred"
	}
}
