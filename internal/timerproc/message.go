package timerproc

import "fmt"

// Kind tags the closed set of messages a countdown process can produce.
type Kind int

const (
	// KindBreakTime means the countdown elapsed and the break is due.
	KindBreakTime Kind = iota
	// KindError means the process failed or exited without completing.
	KindError
)

// Message is a validated message from the countdown process boundary.
type Message struct {
	Kind Kind
	Err  error
}

func (k Kind) String() string {
	switch k {
	case KindBreakTime:
		return "break-time"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// wireMessage is the JSON shape the child writes on stdout. Only
// "break-time" is a valid type; anything else is rejected at the boundary.
type wireMessage struct {
	Type string `json:"type"`
}

// cancelCommand is the single command the child accepts on stdin.
const cancelCommand = "cancel"
