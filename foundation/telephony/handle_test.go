package telephony_test

import (
	"errors"
	"testing"

	"github.com/vobizlabs/goDialer/foundation/telephony"
)

func TestCallHandle(t *testing.T) {
	t.Run("terminate is idempotent", func(t *testing.T) {
		t.Parallel()

		var ends int
		h := telephony.NewCallHandle("call-1", func(telephony.Frame) error { return nil }, func() { ends++ })

		h.Terminate()
		h.Terminate()
		h.Terminate()

		if ends != 1 {
			t.Fatalf("end function ran %d times, want 1", ends)
		}

		select {
		case <-h.Hangup():
		default:
			t.Fatal("hangup channel should be closed after terminate")
		}
	})

	t.Run("write after terminate fails", func(t *testing.T) {
		t.Parallel()

		h := telephony.NewCallHandle("call-2", func(telephony.Frame) error { return nil }, nil)
		h.Terminate()

		if err := h.Write(make(telephony.Frame, telephony.FrameBytes)); !errors.Is(err, telephony.ErrHandleClosed) {
			t.Fatalf("write after terminate = %v, want ErrHandleClosed", err)
		}
	})

	t.Run("frames channel closes on terminate", func(t *testing.T) {
		t.Parallel()

		h := telephony.NewCallHandle("call-3", func(telephony.Frame) error { return nil }, nil)
		h.Deliver(telephony.Frame{1, 2})
		h.Terminate()

		// Buffered frame then closed channel.
		if f, open := <-h.Frames(); !open || len(f) != 2 {
			t.Fatalf("first read = (%v, %v), want buffered frame", f, open)
		}
		if _, open := <-h.Frames(); open {
			t.Fatal("frames channel should be closed")
		}
	})

	t.Run("deliver never blocks a slow session", func(t *testing.T) {
		t.Parallel()

		h := telephony.NewCallHandle("call-4", func(telephony.Frame) error { return nil }, nil)
		for i := 0; i < 1000; i++ {
			h.Deliver(telephony.Frame{byte(i)})
		}
		// Reaching here without a consumer is the assertion.
	})

	t.Run("media failure closes frames without hangup", func(t *testing.T) {
		t.Parallel()

		var ends int
		h := telephony.NewCallHandle("call-6", func(telephony.Frame) error { return nil }, func() { ends++ })
		h.SignalMediaFailure()

		if _, open := <-h.Frames(); open {
			t.Fatal("frames channel should be closed after a media failure")
		}
		select {
		case <-h.Hangup():
			t.Fatal("media failure must not read as a caller hangup")
		default:
		}

		// The session still tears the call down once it sees the dead stream.
		h.Terminate()
		h.Terminate()
		if ends != 1 {
			t.Fatalf("end function ran %d times, want 1", ends)
		}
	})

	t.Run("signal hangup is safe to repeat", func(t *testing.T) {
		t.Parallel()

		h := telephony.NewCallHandle("call-5", func(telephony.Frame) error { return nil }, nil)
		h.SignalHangup()
		h.SignalHangup()

		select {
		case <-h.Hangup():
		default:
			t.Fatal("hangup channel should be closed")
		}
	})
}

func TestDialErrorRetryable(t *testing.T) {
	cases := []struct {
		kind      telephony.DialKind
		retryable bool
	}{
		{telephony.DialBusy, true},
		{telephony.DialNoAnswer, true},
		{telephony.DialProviderUnavailable, true},
		{telephony.DialInvalidNumber, false},
	}

	for _, c := range cases {
		t.Run(c.kind.String(), func(t *testing.T) {
			err := &telephony.DialError{Kind: c.kind, To: "+15550100"}
			if err.Retryable() != c.retryable {
				t.Fatalf("%s retryable = %v, want %v", c.kind, err.Retryable(), c.retryable)
			}
		})
	}
}
