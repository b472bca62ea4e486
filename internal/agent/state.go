package agent

// State is the agent's lifecycle phase.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// StateInstalled is the waiting state: installed but not yet in control.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant marks a failed install or a superseded version.
	StateRedundant State = "redundant"
)

// Waiting reports whether s is the installed-but-not-active state.
func (s State) Waiting() bool {
	return s == StateInstalled
}
