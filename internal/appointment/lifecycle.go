package appointment

// allowedTargets is the full transition table for appointment status.
// Completed and Cancelled are terminal. Cancelled records are retained as
// history; the engine never deletes them.
var allowedTargets = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCompleted, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether target is reachable from current in one step.
func CanTransition(current, target Status) bool {
	for _, t := range allowedTargets[current] {
		if t == target {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from current. The returned
// slice is a copy.
func AllowedTargets(current Status) []Status {
	targets := allowedTargets[current]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// Deletable reports whether a record in this status may be removed.
// Only not-yet-finalized appointments can be withdrawn entirely.
func Deletable(s Status) bool {
	return s == StatusPending || s == StatusConfirmed
}
