// Package prompt assembles model prompts from titled sections.
package prompt

import (
	"encoding/json"
	"strings"
)

type section struct {
	title string
	body  string
}

// Builder collects prompt sections in order. Empty sections are skipped.
type Builder struct {
	sections []section
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Section appends a titled block of text.
func (b *Builder) Section(title, body string) *Builder {
	body = strings.TrimSpace(body)
	if body == "" {
		return b
	}
	b.sections = append(b.sections, section{title: title, body: body})
	return b
}

// List appends a titled bullet list.
func (b *Builder) List(title string, items []string) *Builder {
	var lines []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			lines = append(lines, "- "+item)
		}
	}
	return b.Section(title, strings.Join(lines, "\n"))
}

// Reply appends the output contract: the model must answer with exactly one
// JSON value shaped like example.
func (b *Builder) Reply(example any) *Builder {
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		// examples are static literals; a marshal failure is a programming error
		panic("prompt: unmarshalable reply example: " + err.Error())
	}
	return b.Section("Output format",
		"Respond with a single JSON value and nothing else, shaped like:\n"+string(data))
}

// String renders the prompt.
func (b *Builder) String() string {
	var sb strings.Builder
	for i, s := range b.sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("--- ")
		sb.WriteString(s.title)
		sb.WriteString(" ---\n")
		sb.WriteString(s.body)
	}
	return sb.String()
}
