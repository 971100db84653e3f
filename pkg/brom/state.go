package brom

import "github.com/guiperry/fonecore/pkg/daloader"

// State is the tagged-variant replacement for the source's scattered
// MtkDeviceState enum plus boolean IsConnected flags: each
// variant carries only the data that is legal while the session is in
// that state. Transitions are total functions from (old state, event) to
// (new state, effect) implemented by the Client methods below; nothing
// outside this package constructs a State directly.
type State interface {
	isState()
	String() string
}

type StateDisconnected struct{}

func (StateDisconnected) isState()        {}
func (StateDisconnected) String() string  { return "disconnected" }

type StateHandshaking struct{}

func (StateHandshaking) isState()       {}
func (StateHandshaking) String() string { return "handshaking" }

type StateBrom struct{}

func (StateBrom) isState()       {}
func (StateBrom) String() string { return "brom" }

type StatePreloader struct{}

func (StatePreloader) isState()       {}
func (StatePreloader) String() string { return "preloader" }

// StateDa1Loaded carries the DA1 entry that was uploaded and jumped to.
type StateDa1Loaded struct {
	Entry daloader.DaEntry
}

func (StateDa1Loaded) isState()       {}
func (StateDa1Loaded) String() string { return "da1_loaded" }

// StateDa2Loaded carries the DA2 entry once it has been authenticated
// (normally by an XML DA / XFlash client sitting above this package, via
// Carbonara or a negotiated DA2 download) and the session has moved past
// this package's scope.
type StateDa2Loaded struct {
	Entry daloader.DaEntry
}

func (StateDa2Loaded) isState()       {}
func (StateDa2Loaded) String() string { return "da2_loaded" }

// StateError is terminal: the session cannot be used again and must be
// reconnected from Disconnected.
type StateError struct {
	Cause error
}

func (StateError) isState()       {}
func (StateError) String() string { return "error" }

// TargetConfig is the {sbc, sla, daa} bitset read by GET_TARGET_CONFIG.
type TargetConfig struct {
	SBC bool
	SLA bool
	DAA bool
}

// ProtocolVariant distinguishes the two SEND_DA wire shapes: the normal
// echoing path, and the "alternative path" some reverse-engineered
// preloaders use that never echoes the command byte. Isolated behind an
// explicit enum rather than an implicit code branch so each path stays
// testable on its own.
type ProtocolVariant int

const (
	// VariantUnknown means no SEND_DA attempt has been made yet on this
	// session; the client probes for the variant on the first attempt.
	VariantUnknown ProtocolVariant = iota
	VariantEchoing
	VariantMute
)

func (v ProtocolVariant) String() string {
	switch v {
	case VariantEchoing:
		return "echoing"
	case VariantMute:
		return "mute"
	default:
		return "unknown"
	}
}

// Session is the mutable state of one BROM/Preloader conversation. A
// Client owns exactly one Session for its lifetime;
// Session itself has no behaviour, only data, so it can be inspected by
// tests and callers without going through Client methods.
type Session struct {
	State State

	HWCode uint16
	HWVer  uint16
	BLVer  byte
	BromVer uint16

	// MeID and SocID are byte strings, length <= 64. A nil
	// slice means "not yet read". An empty-but-non-nil SocID means the
	// device does not implement GET_SOC_ID; a zero-length reply is
	// rejected as an error rather than stored.
	MeID  []byte
	SocID []byte

	TargetConfig TargetConfig

	// LastUploadStatus holds the final status of the most recent SEND_DA
	// upload that reached its trailer, whatever its value. An attempt that
	// fails before the trailer (header rejected, echo mismatch, timeout)
	// leaves it unchanged.
	LastUploadStatus uint16

	Variant ProtocolVariant
}

// NewSession returns a fresh session in StateDisconnected.
func NewSession() *Session {
	return &Session{State: StateDisconnected{}, Variant: VariantUnknown}
}
