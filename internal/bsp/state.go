package bsp

type State int

const (
	Idle State = iota
	Listening
	Connecting
	Connected
	Closing
	Destroyed
)

var stateNames = [...]string{"Idle", "Listening", "Connecting", "Connected", "Closing", "Destroyed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}
