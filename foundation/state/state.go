// Package state tracks which optional collaborators are still healthy for
// one session. A collaborator that fails mid-call is switched off instead
// of tearing the call down.
package state

import "sync"

type Service int

const (
	Webhook Service = iota
	Recording
)

type State struct {
	sync.RWMutex

	Webhook   bool
	Recording bool
}

func NewState() *State {
	return &State{
		Webhook:   true,
		Recording: true,
	}
}

func (s *State) Get(svc Service) bool {
	s.RLock()
	defer s.RUnlock()
	{
		switch svc {
		case Webhook:
			return s.Webhook

		case Recording:
			return s.Recording
		}
	}
	return false
}

func (s *State) Set(svc Service, state bool) {
	s.Lock()
	defer s.Unlock()
	{
		switch svc {
		case Webhook:
			s.Webhook = state

		case Recording:
			s.Recording = state
		}
	}
}
