package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Validator is implemented by reply types that check their own required fields.
type Validator interface {
	Validate() error
}

// Decode parses a model reply into v. Markdown code fences around the reply
// are removed; anything else that is not exactly one JSON value is rejected.
// If v implements Validator, its Validate result is returned.
func Decode(raw string, v any) error {
	body := StripFences(raw)
	if body == "" {
		return ErrEmptyResponse
	}
	if body[0] != '{' && body[0] != '[' {
		return fmt.Errorf("%w: reply starts with %q", ErrNoJSON, firstRune(body))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", ErrNoJSON)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("invalid reply: %w", err)
		}
	}
	return nil
}

// StripFences trims whitespace and a surrounding ```lang ... ``` block.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// Compact re-encodes JSON without insignificant whitespace, for logs.
func Compact(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(StripFences(raw))); err != nil {
		return raw
	}
	return buf.String()
}
