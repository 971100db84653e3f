package xmlda

// State is the tagged-variant SessionState for an XML DA conversation,
// mirroring pkg/brom's State: each variant carries only the data legal
// in that state instead of a scattered enum plus booleans.
type State interface {
	isState()
	String() string
}

type StateAwaitingReady struct{}

func (StateAwaitingReady) isState()       {}
func (StateAwaitingReady) String() string { return "awaiting_ready" }

type StateReady struct{}

func (StateReady) isState()       {}
func (StateReady) String() string { return "ready" }

type StateDa2Loaded struct{}

func (StateDa2Loaded) isState()       {}
func (StateDa2Loaded) String() string { return "da2_loaded" }

type StateError struct{ Cause error }

func (StateError) isState()       {}
func (StateError) String() string { return "error" }

// Session is the mutable state of one XML DA conversation.
type Session struct {
	State State
	SLA   bool
}

func NewSession() *Session {
	return &Session{State: StateAwaitingReady{}}
}
