package lock

// Liveness decides whether a lock owner is still running.
type Liveness interface {
	IsAlive(owner Owner) bool
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func(owner Owner) bool

// IsAlive calls f.
func (f LivenessFunc) IsAlive(owner Owner) bool {
	return f(owner)
}

// ProcessLiveness checks owners on the local host by PID. Owners on other
// hosts cannot be checked and are always treated as alive.
type ProcessLiveness struct {
	Hostname string
}

// IsAlive implements Liveness.
func (p ProcessLiveness) IsAlive(owner Owner) bool {
	if owner.Hostname != p.Hostname {
		return true
	}
	if owner.PID <= 0 {
		return false
	}
	return processAlive(owner.PID)
}
