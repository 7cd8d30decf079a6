package session

// State is a step of the connection lifecycle.
type State int

const (
	Listening State = iota
	Accepted
	Reading
	Classifying
	Responding
	Closed
)

var stateNames = [...]string{
	Listening:   "listening",
	Accepted:    "accepted",
	Reading:     "reading",
	Classifying: "classifying",
	Responding:  "responding",
	Closed:      "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
