package orchestrator

import (
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
)

// Mode is the orchestrator's authoritative state.
type Mode int

const (
	// ModeIdle means no session is running.
	ModeIdle Mode = iota
	// ModeWorking means a focus session is in progress.
	ModeWorking
	// ModeBreak means a rest session is in progress.
	ModeBreak
)

func (m Mode) String() string {
	switch m {
	case ModeWorking:
		return "working"
	case ModeBreak:
		return "break"
	}
	return "idle"
}

// EventType identifies a broadcast to presentation surfaces.
type EventType int

const (
	// EventWorkStarted fires when a focus session begins.
	EventWorkStarted EventType = iota
	// EventBreakStarted fires when a rest session begins.
	EventBreakStarted
	// EventIdle fires when the orchestrator returns to idle.
	EventIdle
	// EventWorkingState carries the boolean working flag.
	EventWorkingState
	// EventRecords carries the refreshed recent activity records.
	EventRecords
)

// Event is a state-change broadcast. Every open presentation surface
// receives every event, so presentation never desyncs from the
// orchestrator's mode.
type Event struct {
	Type    EventType
	Working bool
	Records []ledger.Record
}

// Choice is the user's answer to the break prompt.
type Choice int

const (
	// ChoiceTakeBreak means the user accepted the break.
	ChoiceTakeBreak Choice = iota
	// ChoiceExtend means the user chose to keep working.
	ChoiceExtend
	// ChoiceNoResponse means the prompt closed without a selection.
	// Silence implies disengagement, so it resolves like ChoiceTakeBreak.
	ChoiceNoResponse
)

func (c Choice) String() string {
	switch c {
	case ChoiceExtend:
		return "extend"
	case ChoiceNoResponse:
		return "no-response"
	}
	return "take-break"
}
