package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the recording session state.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingPermission State = "awaiting_permission"
	StateRecording          State = "recording"
	StatePaused             State = "paused"
	StateStopped            State = "stopped"
)

// Outcome records how a stopped session left the recorder.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSubmitted Outcome = "submitted"
	OutcomeDiscarded Outcome = "discarded"
)

// Session is one start-to-stop recording attempt. Only the owning Recorder's event loop touches it.
type Session struct {
	ID        uuid.UUID
	state     State
	outcome   Outcome
	encoding  Encoding
	startedAt time.Time
	acc       Accumulator
	buffer    SegmentBuffer
	dropped   int
	device    Device
	listener  Listener

	asset       *Asset
	assetPath   string
	assemblyErr error

	submitting     bool
	containerID    uuid.UUID
	containerStart time.Time
}

func newSession(enc Encoding) *Session {
	return &Session{
		ID:       uuid.New(),
		state:    StateAwaitingPermission,
		encoding: enc,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Outcome returns how the session ended, if it has.
func (s *Session) Outcome() Outcome { return s.outcome }

func transitionError(from State, action string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, action, from)
}

func (s *Session) grant(now time.Time, dev Device) error {
	if s.state != StateAwaitingPermission {
		return transitionError(s.state, "grant device")
	}
	s.device = dev
	s.startedAt = now
	s.acc.Open(now)
	s.state = StateRecording
	return nil
}

func (s *Session) pause(now time.Time) error {
	if s.state != StateRecording {
		return transitionError(s.state, "pause")
	}
	s.acc.Close(now)
	s.state = StatePaused
	return nil
}

func (s *Session) resume(now time.Time) error {
	if s.state != StatePaused {
		return transitionError(s.state, "resume")
	}
	s.acc.Open(now)
	s.state = StateRecording
	return nil
}

func (s *Session) stoppable() error {
	if s.state != StateRecording && s.state != StatePaused {
		return transitionError(s.state, "stop")
	}
	return nil
}

// stop freezes the duration and assembles the asset. The session is Stopped
// afterwards even when assembly fails. The caller releases the device.
func (s *Session) stop(now time.Time) (Asset, error) {
	if err := s.stoppable(); err != nil {
		return Asset{}, err
	}
	s.acc.Close(now)
	s.state = StateStopped

	asset, err := s.buffer.Assemble(s.encoding)
	if err == nil && s.acc.Accumulated() <= 0 {
		err = fmt.Errorf("%w: no recorded time", ErrAssemblyFailure)
	}
	if err != nil {
		s.assemblyErr = err
		return Asset{}, err
	}
	s.asset = &asset
	return asset, nil
}

func (s *Session) append(seg []byte) bool {
	if s.state != StateRecording {
		s.dropped++
		return false
	}
	return s.buffer.Append(seg)
}

func (s *Session) releaseDevice() error {
	if s.device == nil {
		return nil
	}
	d := s.device
	s.device = nil
	s.listener = nil
	return d.Close()
}

func (s *Session) submittable() error {
	switch {
	case s.state != StateStopped:
		return transitionError(s.state, "submit")
	case s.assemblyErr != nil:
		return fmt.Errorf("%w: submit disabled: %v", ErrInvalidTransition, s.assemblyErr)
	case s.submitting:
		return fmt.Errorf("%w: submission already in progress", ErrInvalidTransition)
	case s.asset == nil || s.outcome != OutcomeNone:
		return transitionError(s.state, "submit")
	}
	return nil
}
