package orchestrator

import (
	"github.com/antoniostano/minghe/internal/apperr"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateReceived       State = "received"
	StateCrisisCheck    State = "crisis_check"
	StateCrisisResponse State = "crisis_response"
	StateNormalRoute    State = "normal_route"
	StateRetrieval      State = "retrieval"
	StateAssessment     State = "assessment"
	StateDirect         State = "direct"
	StateCompose        State = "compose"
	StatePersist        State = "persist"
	StateDone           State = "done"
)

// transitions lists every legal edge. crisis_response is only reachable from
// crisis_check and leads straight to persist.
var transitions = map[State][]State{
	StateReceived:       {StateCrisisCheck},
	StateCrisisCheck:    {StateCrisisResponse, StateNormalRoute},
	StateCrisisResponse: {StatePersist},
	// normal_route goes to persist directly when the turn was cancelled.
	StateNormalRoute: {StateRetrieval, StateAssessment, StateDirect, StatePersist},
	// retrieval falls back to direct when the index is unavailable.
	StateRetrieval:  {StateCompose, StateDirect},
	StateAssessment: {StateCompose},
	StateDirect:     {StateCompose},
	StateCompose:    {StatePersist},
	StatePersist:    {StateDone},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks one turn's walk through the states.
type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateReceived, trail: []State{StateReceived}}
}

func (m *machine) advance(to State) error {
	if !CanTransition(m.state, to) {
		return apperr.InvalidState("turn transition %s -> %s", m.state, to)
	}
	m.state = to
	m.trail = append(m.trail, to)
	return nil
}

// must is used for edges the pipeline itself guarantees. A failure here is
// a programming error in the pipeline.
func (m *machine) must(to State) {
	if err := m.advance(to); err != nil {
		panic(err)
	}
}

func (m *machine) current() State { return m.state }

func (m *machine) path() []State {
	return append([]State(nil), m.trail...)
}
