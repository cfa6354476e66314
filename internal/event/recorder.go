package event

import (
	"github.com/rs/zerolog"
)

// Recorder appends to the ring and mirrors every event to the structured
// log in one call, keeping the single-writer discipline for the log file
// inside zerolog's own locking.
type Recorder struct {
	ring *Ring
	log  zerolog.Logger
}

// NewRecorder wires a ring to a zerolog logger.
func NewRecorder(ring *Ring, log zerolog.Logger) *Recorder {
	return &Recorder{ring: ring, log: log}
}

// Ring exposes the underlying ring for the control plane.
func (r *Recorder) Ring() *Ring {
	return r.ring
}

// Info records an informational event.
func (r *Recorder) Info(eventType, msg string, details map[string]any) {
	r.record(LevelInfo, eventType, msg, details)
}

// Warn records a warning event.
func (r *Recorder) Warn(eventType, msg string, details map[string]any) {
	r.record(LevelWarn, eventType, msg, details)
}

// Error records an error event.
func (r *Recorder) Error(eventType, msg string, details map[string]any) {
	r.record(LevelError, eventType, msg, details)
}

func (r *Recorder) record(level Level, eventType, msg string, details map[string]any) {
	r.ring.Append(newEvent(level, eventType, msg, details))

	var ev *zerolog.Event
	switch level {
	case LevelWarn:
		ev = r.log.Warn()
	case LevelError:
		ev = r.log.Error()
	default:
		ev = r.log.Info()
	}
	ev.Str("type", eventType)
	if len(details) > 0 {
		ev.Fields(details)
	}
	ev.Msg(msg)
}
