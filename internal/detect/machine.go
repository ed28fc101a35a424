// Package detect turns a stream of raw presence notifications into discrete
// recording decisions: start when a person appears, extend while they keep
// being seen, stop once the post-detection tail elapses.
package detect

import (
	"time"

	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

type State string

const (
	Idle   State = "IDLE"
	Active State = "ACTIVE"
)

// Command is the machine's decision for the session manager.
type Command int

const (
	CmdNone Command = iota
	CmdStart
	CmdExtend
	CmdStop
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdExtend:
		return "extend"
	case CmdStop:
		return "stop"
	default:
		return "none"
	}
}

// Machine holds one camera's detection state. It is driven by Observe for
// each incoming event and by Tick for the periodic deadline check; the
// deadline check must keep running even with zero events, otherwise a
// session would never terminate after the last detection.
//
// The clock is injectable so deadline logic is testable without waiting.
// Not safe for concurrent use; one pipeline owns one machine.
type Machine struct {
	post     time.Duration
	now      func() time.Time
	state    State
	deadline time.Time
}

func NewMachine(postDetection time.Duration, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{post: postDetection, now: now, state: Idle}
}

// Observe applies one detection event.
//
//	IDLE   + present  -> ACTIVE, CmdStart, deadline = now+post
//	ACTIVE + present  -> ACTIVE, CmdExtend, deadline moves forward
//	ACTIVE + absent   -> no-op (absence alone never shortens the window)
//	IDLE   + absent   -> no-op
//
// Duplicate "still present" events are harmless: each one just pushes the
// deadline out again.
func (m *Machine) Observe(ev models.DetectionEvent) Command {
	if !ev.IsPresent {
		return CmdNone
	}

	next := m.now().Add(m.post)

	switch m.state {
	case Idle:
		m.state = Active
		m.deadline = next
		return CmdStart
	case Active:
		// Forward only: a late or duplicate event never pulls it back.
		if next.After(m.deadline) {
			m.deadline = next
		}
		return CmdExtend
	}
	return CmdNone
}

// Tick evaluates the deadline. Returns CmdStop exactly when the tail has
// elapsed with no intervening positive event.
func (m *Machine) Tick() Command {
	if m.state == Active && !m.now().Before(m.deadline) {
		m.state = Idle
		return CmdStop
	}
	return CmdNone
}

func (m *Machine) State() State { return m.state }

// Deadline is only meaningful while the machine is Active.
func (m *Machine) Deadline() time.Time { return m.deadline }
