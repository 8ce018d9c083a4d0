package domain

import "strings"

// Signal is the phase classifier's judgement of group progress.
type Signal string

const (
	SignalBegin      Signal = "Begin"
	SignalContinue   Signal = "Continue"
	SignalConclude   Signal = "Conclude"
	SignalTransition Signal = "Transition"
)

// signalCodes maps the numeric codes models use in ["code", "text"] pairs.
var signalCodes = map[string]Signal{
	"1": SignalBegin,
	"2": SignalContinue,
	"3": SignalTransition,
	"4": SignalConclude,
}

// ParseSignal accepts a signal name (any case) or its numeric code.
func ParseSignal(s string) (Signal, bool) {
	s = strings.TrimSpace(s)
	if sig, ok := signalCodes[s]; ok {
		return sig, true
	}
	for _, sig := range []Signal{SignalBegin, SignalContinue, SignalConclude, SignalTransition} {
		if strings.EqualFold(s, string(sig)) {
			return sig, true
		}
	}
	return "", false
}

// TaskStatus is a task line rendered for progress displays.
type TaskStatus struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// PhaseContext describes the active stage for one turn.
type PhaseContext struct {
	StageID         string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Goals           []string       `json:"goals"`
	Checklist       string         `json:"task_status"`
	Signal          Signal         `json:"last_signal"`
	Explanation     string         `json:"explain,omitempty"`
	Completed       CompletedTasks `json:"completed_tasks_map"`
	TasksForDisplay []TaskStatus   `json:"tasks_for_display"`
}
