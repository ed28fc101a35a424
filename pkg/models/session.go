package models

import "time"

// SessionStatus tracks the lifecycle of one recording session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "STARTING"
	SessionRunning  SessionStatus = "RUNNING"
	SessionStopping SessionStatus = "STOPPING"
	SessionStopped  SessionStatus = "STOPPED"
)

// SessionInfo describes one bounded recording (snapshot + clip) for one
// detection episode of one camera.
type SessionInfo struct {
	ID           string
	Camera       string
	StartedAt    time.Time
	Deadline     time.Time
	SnapshotPath string
	ClipPath     string
	Status       SessionStatus
}
