package phase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/polya-classroom/internal/domain"
)

// taskID accepts "1.2" or 1.2 from the model.
type taskID string

func (t *taskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = taskID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task id must be a string or number: %s", data)
	}
	*t = taskID(n.String())
	return nil
}

// verdict is the classifier reply:
//
//	{"explain": "...", "signal": ["3", "Transition"], "completed_task_ids": ["1.1"]}
//
// signal may also be a bare name or code.
type verdict struct {
	Explain          string          `json:"explain"`
	RawSignal        json.RawMessage `json:"signal"`
	CompletedTaskIDs []taskID        `json:"completed_task_ids"`

	signal domain.Signal
}

func (v *verdict) Validate() error {
	if len(v.RawSignal) == 0 {
		return errors.New("missing signal")
	}
	sig, err := parseRawSignal(v.RawSignal)
	if err != nil {
		return err
	}
	v.signal = sig
	return nil
}

func parseRawSignal(raw json.RawMessage) (domain.Signal, error) {
	var pair []string
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) != 2 {
			return "", fmt.Errorf("signal pair must have two elements, got %d", len(pair))
		}
		if sig, ok := domain.ParseSignal(pair[1]); ok {
			return sig, nil
		}
		if sig, ok := domain.ParseSignal(pair[0]); ok {
			return sig, nil
		}
		return "", fmt.Errorf("unknown signal %v", pair)
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("signal must be a string or a [code, text] pair: %s", raw)
	}
	sig, ok := domain.ParseSignal(name)
	if !ok {
		return "", fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
