package server

import "fmt"

// ErrAgentStateConflict is returned when a concurrent first poll already
// inserted the agent state row for the same (customer, jvm). The caller
// should retry the update path, not the insert path.
var ErrAgentStateConflict = fmt.Errorf("agent state already exists for this customer and jvm")

// ErrInvalidPollRequest is returned when a poll request fails validation
// before anything is written.
var ErrInvalidPollRequest = fmt.Errorf("invalid poll request")
