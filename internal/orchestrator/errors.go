package orchestrator

import "errors"

// ErrNotIdle is returned by Start when a session is already active.
var ErrNotIdle = errors.New("orchestrator: session already active")

// DeviceError is fatal to the current session: the audio input could not be
// acquired. The orchestrator stays idle and the caller must retry Start.
type DeviceError struct{ Err error }

func (e *DeviceError) Error() string { return "device error: " + e.Err.Error() }
func (e *DeviceError) Unwrap() error { return e.Err }

// RecognitionError is a recoverable speech-recognition failure; the adapter
// restarts itself and the error is surfaced for logging only.
type RecognitionError struct{ Err error }

func (e *RecognitionError) Error() string { return "recognition error: " + e.Err.Error() }
func (e *RecognitionError) Unwrap() error { return e.Err }

// InferenceError is a failed or timed-out remote inference call. The turn is
// abandoned (not retried) and the orchestrator resumes listening.
type InferenceError struct{ Err error }

func (e *InferenceError) Error() string { return "inference error: " + e.Err.Error() }
func (e *InferenceError) Unwrap() error { return e.Err }

// SynthesisError is reported by the synthesizer; callers treat it exactly
// like a normal synthesis end so the turn loop never stalls.
type SynthesisError struct{ Err error }

func (e *SynthesisError) Error() string { return "synthesis error: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }
