// Package state provides filesystem-backed storage implementations.
package state

import (
	"errors"

	"github.com/user/tripclaw/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface compliance checks.
var _ types.TripStore = (*TripStore)(nil)
var _ types.ConversationStore = (*ConversationStore)(nil)
var _ types.TaskStore = (*TaskStore)(nil)
