// Package telephony abstracts call signaling and the per-call media
// stream. The dispatcher places calls through a Gateway and hands the
// resulting handle to exactly one session, which owns it until terminal.
package telephony

import "context"

// Audio frame contract: 20ms of 16-bit mono PCM at 8kHz.
const (
	SampleRate    = 8000
	FrameDuration = 20 // milliseconds
	FrameBytes    = SampleRate * FrameDuration / 1000 * 2
)

// Frame is one fixed-size chunk of call audio.
type Frame []byte

// Dial describes one outbound call attempt.
type Dial struct {
	CallID string
	To     string
	From   string
}

// Signal carries an inbound call offer from the media server.
type Signal struct {
	CallID string
	From   string
	To     string
}

// Gateway is the telephony signaling boundary.
type Gateway interface {
	// PlaceCall initiates an outbound call and blocks until it is
	// answered or dialing fails with a DialError.
	PlaceCall(ctx context.Context, dial Dial) (*CallHandle, error)

	// AcceptInbound answers an offered inbound call.
	AcceptInbound(ctx context.Context, signal Signal) (*CallHandle, error)

	// Terminate ends the call behind the handle. Terminating an already
	// terminated handle is a no-op.
	Terminate(handle *CallHandle)
}
