package pubsub

type Subscriber struct {
	payload  chan any
	buffered bool
}

func NewSubscriber(channelCapacity int) *Subscriber {
	if channelCapacity > 0 {
		return &Subscriber{
			payload:  make(chan any, channelCapacity),
			buffered: true,
		}
	}
	return &Subscriber{
		payload: make(chan any),
	}
}

// Signal hands data to the subscriber. A buffered subscriber that cannot
// keep up loses the event rather than stalling the publishing pipeline;
// an unbuffered subscriber blocks the publisher until the event is taken.
func (s *Subscriber) Signal(data any) {
	if s.buffered {
		select {
		case s.payload <- data:
		default:
		}
		return
	}
	s.payload <- data
}

func (s *Subscriber) GetChannel() <-chan any {
	return s.payload
}

func (s *Subscriber) CloseChannel() {
	close(s.payload)
}
