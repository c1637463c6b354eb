package engine

// Connectivity is the online/offline signal the engine consumes to decide
// when to drain. Implementations push flips on Changes; Online answers the
// current state at any time.
type Connectivity interface {
	// Online reports whether the remote is currently reachable.
	Online() bool

	// Changes delivers the new state whenever the signal flips. The channel
	// is never closed by the implementation while the session lives.
	Changes() <-chan bool
}

// SetConnectivity installs the connectivity signal. The feed subscriber
// needs the engine to apply changes and the engine needs the subscriber as
// its signal, so the daemon wires the two in this order: engine, subscriber,
// then SetConnectivity before Run starts.
func (e *Engine) SetConnectivity(c Connectivity) {
	e.conn = c
}

// StaticConnectivity is a fixed signal, used by one-shot CLI commands that
// simply assume the network is up (the drain classifies failures anyway).
type StaticConnectivity bool

// Online implements Connectivity.
func (s StaticConnectivity) Online() bool { return bool(s) }

// Changes implements Connectivity. The channel never delivers.
func (s StaticConnectivity) Changes() <-chan bool { return nil }
