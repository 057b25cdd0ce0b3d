package telephony

import (
	"errors"
	"sync"
)

// ErrHandleClosed is returned by Write after the call has terminated.
var ErrHandleClosed = errors.New("call handle closed")

// CallHandle is the media endpoint of one live call. It is owned by
// exactly one session for its lifetime; Terminate is idempotent.
type CallHandle struct {
	id string

	frames chan Frame
	hangup chan struct{}

	writeFn func(Frame) error
	endFn   func()

	hangupOnce sync.Once
	framesOnce sync.Once
	endOnce    sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewCallHandle builds a handle. writeFn pushes one agent audio frame to
// the caller; endFn tears down the underlying call leg.
func NewCallHandle(id string, writeFn func(Frame) error, endFn func()) *CallHandle {
	return &CallHandle{
		id:      id,
		frames:  make(chan Frame, 256),
		hangup:  make(chan struct{}),
		writeFn: writeFn,
		endFn:   endFn,
	}
}

func (h *CallHandle) ID() string {
	return h.id
}

// Frames streams caller audio. The channel is closed on termination.
func (h *CallHandle) Frames() <-chan Frame {
	return h.frames
}

// Hangup is closed when the remote party ends the call.
func (h *CallHandle) Hangup() <-chan struct{} {
	return h.hangup
}

// Write sends one agent audio frame to the caller.
func (h *CallHandle) Write(f Frame) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHandleClosed
	}
	return h.writeFn(f)
}

// Deliver pushes one caller frame toward the session. A session that has
// fallen behind loses the oldest unread audio rather than blocking the
// media pump.
func (h *CallHandle) Deliver(f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	select {
	case h.frames <- f:
	default:
		select {
		case <-h.frames:
		default:
		}
		select {
		case h.frames <- f:
		default:
		}
	}
}

// SignalHangup marks the remote party gone. Safe to call more than once.
func (h *CallHandle) SignalHangup() {
	h.hangupOnce.Do(func() {
		close(h.hangup)
	})
}

// SignalMediaFailure marks the frame stream dead without a hangup. The
// session sees closed frames with no hangup and ends the call as a media
// failure instead of a normal completion.
func (h *CallHandle) SignalMediaFailure() {
	h.closeFrames()
}

// Terminate releases the call leg exactly once.
func (h *CallHandle) Terminate() {
	h.endOnce.Do(func() {
		h.closeFrames()
		h.SignalHangup()
		if h.endFn != nil {
			h.endFn()
		}
	})
}

func (h *CallHandle) closeFrames() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.framesOnce.Do(func() {
		close(h.frames)
	})
}
