package models

import "time"

// DetectionEvent is one normalized presence notification for a camera.
// ObservedAt is the local receipt time (carries a monotonic reading, so
// deadline arithmetic is safe across wall-clock adjustments). CameraTime is
// the UTC timestamp reported by the device, kept for logging only.
type DetectionEvent struct {
	Camera     string
	ObservedAt time.Time
	CameraTime time.Time
	IsPresent  bool
}
