package process

// State represents the lifecycle state of a supervised process.
type State string

// Process states.
const (
	StateStarting State = "starting" // Spawned, no output confirmed yet
	StateRunning  State = "running"  // Producing output (or past the startup grace period)
	StateStopping State = "stopping" // Termination requested
	StateStopped  State = "stopped"  // Exited
)

// Active reports whether the state counts as a live transcoder.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}
