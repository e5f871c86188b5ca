package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Event is a persisted telemetry record.
type Event struct {
	ID        string
	CreatedAt time.Time
	Name      string
	Provider  string
	JobID     string
	Relay     string
	Attempt   int
	Error     string
	Duration  time.Duration
}

// EventQuery filters ListEvents. Zero fields match everything.
type EventQuery struct {
	Provider string
	JobID    string
	Name     string
	Since    time.Time
	Limit    int
}
